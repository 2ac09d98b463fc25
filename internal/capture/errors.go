package capture

import "errors"

var (
	// ErrAlreadyStarted is returned when Run is called on a used workflow.
	ErrAlreadyStarted = errors.New("capture: workflow already started")

	// ErrCameraUnavailable is returned when the camera never became ready.
	ErrCameraUnavailable = errors.New("capture: camera unavailable")

	// ErrMaxRetriesExceeded is returned when every capture attempt was rejected.
	ErrMaxRetriesExceeded = errors.New("capture: max retries exceeded")

	// ErrCanceled is returned when the caller abandoned the workflow.
	ErrCanceled = errors.New("capture: workflow canceled")

	// ErrNoFrame is recorded when a positive verdict came back for an empty burst.
	ErrNoFrame = errors.New("capture: no frame captured")

	// ErrNotLive is recorded when the verdict rejected the burst.
	ErrNotLive = errors.New("capture: liveness not confirmed")
)

// SessionError reports a failure to obtain a liveness session.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return "capture: start session: " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// EvaluationError reports a transport or server failure during evaluation.
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	return "capture: evaluate: " + e.Err.Error()
}

func (e *EvaluationError) Unwrap() error { return e.Err }
