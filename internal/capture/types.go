// Package capture implements the liveness-capture workflow: open a liveness
// session, wait for the camera, capture a short frame burst, submit it for a
// liveness decision and either pick the best frame or retry within a bound.
package capture

import (
	"context"
	"time"
)

// Frame is an encoded still image taken from a Camera.
type Frame struct {
	Data       []byte
	Encoding   string
	Sequence   uint64
	CapturedAt time.Time
}

// Empty reports whether the frame carries no image payload.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Session is the server-issued handle correlating one workflow's submissions.
type Session struct {
	ID string
}

// Verdict is the liveness decision returned for a frame burst.
type Verdict struct {
	IsLive     bool
	Confidence *float64
	Message    string
}

// Camera provides still-frame snapshots from a live stream.
type Camera interface {
	// Ready is true once the device granted permission and started streaming.
	Ready() bool
	// Snapshot returns the current frame without blocking, or false when
	// nothing is available.
	Snapshot() (Frame, bool)
}

// LivenessService is the remote liveness backend.
type LivenessService interface {
	StartSession(ctx context.Context) (Session, error)
	Evaluate(ctx context.Context, session Session, burst []Frame) (Verdict, error)
}

// Phase is a state of the workflow state machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseInitializing   Phase = "initializing"
	PhaseAwaitingCamera Phase = "awaiting_camera"
	PhaseCapturing      Phase = "capturing"
	PhaseProcessing     Phase = "processing"
	PhaseRetrying       Phase = "retrying"
	PhaseSuccess        Phase = "success"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transitions leave p.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFailed
}

// Reason is the machine-readable cause of a failed workflow.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonSessionInitFailed  Reason = "session-init-failed"
	ReasonCameraUnavailable  Reason = "camera-unavailable"
	ReasonMaxRetriesExceeded Reason = "max-retries-exceeded"
	ReasonCanceled           Reason = "canceled"
	ReasonInternal           Reason = "internal-error"
)

// Status is a point-in-time view of a workflow for status display.
type Status struct {
	WorkflowID  string
	Phase       Phase
	Retries     int
	Evaluations int
	SessionID   string
	BurstLength int
	Reason      Reason
	Error       string
	UpdatedAt   time.Time
}

// Outcome is the terminal result of a workflow run.
type Outcome struct {
	WorkflowID  string
	Phase       Phase
	Frame       Frame
	Reason      Reason
	Err         error
	SessionID   string
	Attempts    int
	Verdict     *Verdict
	StartedAt   time.Time
	CompletedAt time.Time
}

// Succeeded reports whether the workflow produced a frame.
func (o Outcome) Succeeded() bool {
	return o.Phase == PhaseSuccess
}

// Duration is the wall time between start and termination.
func (o Outcome) Duration() time.Duration {
	return o.CompletedAt.Sub(o.StartedAt)
}
