package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer receives a Status after every phase transition.
type Observer func(Status)

// Option customises a Workflow.
type Option func(*Workflow)

// WithID sets the workflow id used in logs and statuses.
func WithID(id string) Option {
	return func(w *Workflow) {
		if id != "" {
			w.id = id
		}
	}
}

// WithObserver registers a transition observer. It is called synchronously
// from the workflow goroutine and must not block.
func WithObserver(observer Observer) Option {
	return func(w *Workflow) {
		w.observer = observer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Workflow drives a single liveness-capture attempt. A Workflow runs once;
// start a new one to try again.
type Workflow struct {
	id       string
	cfg      Config
	camera   Camera
	service  LivenessService
	logger   *zap.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	started atomic.Bool

	mu    sync.Mutex
	state attemptState
}

// attemptState is the mutable record of one run. Only the run goroutine
// writes it; Status reads it under mu.
type attemptState struct {
	phase       Phase
	retries     int
	evaluations int
	session     Session
	burst       []Frame
	verdict     *Verdict
	selected    Frame
	reason      Reason
	lastErr     error
	updatedAt   time.Time
}

// NewWorkflow builds a workflow over the given camera and liveness service.
func NewWorkflow(camera Camera, service LivenessService, cfg Config, opts ...Option) *Workflow {
	w := &Workflow{
		id:      uuid.NewString(),
		cfg:     cfg.withDefaults(),
		camera:  camera,
		service: service,
		logger:  zap.NewNop(),
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("workflow_id", w.id))
	w.state = attemptState{phase: PhaseIdle, updatedAt: w.now()}
	return w
}

// ID returns the workflow id.
func (w *Workflow) ID() string {
	return w.id
}

// Status returns the current state of the workflow.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Workflow) statusLocked() Status {
	s := Status{
		WorkflowID:  w.id,
		Phase:       w.state.phase,
		Retries:     w.state.retries,
		Evaluations: w.state.evaluations,
		SessionID:   w.state.session.ID,
		BurstLength: len(w.state.burst),
		Reason:      w.state.reason,
		UpdatedAt:   w.state.updatedAt,
	}
	if w.state.lastErr != nil {
		s.Error = w.state.lastErr.Error()
	}
	return s
}

// Run executes the workflow to a terminal phase. Exactly one of onSuccess and
// onFailure is called, once, before Run returns; either may be nil. Run
// returns ErrAlreadyStarted, without calling either callback, if the
// workflow was already run.
func (w *Workflow) Run(ctx context.Context, onSuccess func(Frame), onFailure func(Reason, error)) (Outcome, error) {
	if !w.started.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyStarted
	}

	startedAt := w.now()
	w.logger.Info("capture workflow started",
		zap.Int("burst_size", w.cfg.BurstSize),
		zap.Int("max_retries", w.cfg.MaxRetries),
	)

	phase := PhaseIdle
	for !phase.Terminal() {
		phase = w.step(ctx, phase)
	}

	outcome := w.outcome(startedAt)
	if outcome.Succeeded() {
		w.logger.Info("capture workflow succeeded",
			zap.Int("attempts", outcome.Attempts),
			zap.Uint64("frame_sequence", outcome.Frame.Sequence),
		)
		if onSuccess != nil {
			onSuccess(outcome.Frame)
		}
	} else {
		w.logger.Warn("capture workflow failed",
			zap.String("reason", string(outcome.Reason)),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err),
		)
		if onFailure != nil {
			onFailure(outcome.Reason, outcome.Err)
		}
	}
	return outcome, nil
}

// step performs the work of one phase and returns the next one.
func (w *Workflow) step(ctx context.Context, phase Phase) Phase {
	if err := ctx.Err(); err != nil {
		return w.canceled(err)
	}

	switch phase {
	case PhaseIdle:
		return w.transition(PhaseInitializing)
	case PhaseInitializing:
		return w.initialize(ctx)
	case PhaseAwaitingCamera:
		return w.awaitCamera(ctx)
	case PhaseCapturing:
		return w.captureBurst(ctx)
	case PhaseProcessing:
		return w.process(ctx)
	case PhaseRetrying:
		return w.retry(ctx)
	default:
		return w.fail(ReasonInternal, fmt.Errorf("capture: unexpected phase %q", phase))
	}
}

func (w *Workflow) initialize(ctx context.Context) Phase {
	callCtx, cancel := w.callContext(ctx)
	session, err := w.service.StartSession(callCtx)
	cancel()

	if ctx.Err() != nil {
		return w.canceled(ctx.Err())
	}
	if err == nil && session.ID == "" {
		err = errors.New("empty session id")
	}
	if err != nil {
		return w.fail(ReasonSessionInitFailed, &SessionError{Err: err})
	}

	w.mu.Lock()
	w.state.session = session
	w.mu.Unlock()
	w.logger.Debug("liveness session started", zap.String("session_id", session.ID))

	return w.transition(PhaseAwaitingCamera)
}

func (w *Workflow) awaitCamera(ctx context.Context) Phase {
	if w.camera.Ready() {
		return w.transition(PhaseCapturing)
	}

	waitCtx := ctx
	if w.cfg.CameraTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.cfg.CameraTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(w.cfg.CameraPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return w.canceled(ctx.Err())
			}
			return w.fail(ReasonCameraUnavailable, fmt.Errorf("%w: not ready after %s", ErrCameraUnavailable, w.cfg.CameraTimeout))
		case <-ticker.C:
			if w.camera.Ready() {
				return w.transition(PhaseCapturing)
			}
		}
	}
}

// captureBurst takes BurstSize snapshots FrameInterval apart. The spacing
// samples temporal variation for the liveness check.
func (w *Workflow) captureBurst(ctx context.Context) Phase {
	burst := make([]Frame, 0, w.cfg.BurstSize)
	for i := 0; i < w.cfg.BurstSize; i++ {
		if i > 0 {
			if err := w.sleep(ctx, w.cfg.FrameInterval); err != nil {
				return w.canceled(err)
			}
		}
		frame, ok := w.camera.Snapshot()
		if !ok || frame.Empty() {
			w.logger.Debug("empty snapshot skipped", zap.Int("tick", i))
			continue
		}
		burst = append(burst, frame)
	}

	w.mu.Lock()
	w.state.burst = burst
	w.mu.Unlock()
	w.logger.Debug("frame burst captured", zap.Int("frames", len(burst)))

	return w.transition(PhaseProcessing)
}

func (w *Workflow) process(ctx context.Context) Phase {
	w.mu.Lock()
	session := w.state.session
	burst := append([]Frame(nil), w.state.burst...)
	w.state.evaluations++
	w.mu.Unlock()

	callCtx, cancel := w.callContext(ctx)
	verdict, err := w.service.Evaluate(callCtx, session, burst)
	cancel()

	if ctx.Err() != nil {
		return w.canceled(ctx.Err())
	}
	if err != nil {
		return w.rejectAttempt(&EvaluationError{Err: err}, nil)
	}
	if !w.cfg.accepts(verdict) {
		return w.rejectAttempt(verdictError(verdict), &verdict)
	}

	frame, ok := SelectBestFrame(burst)
	if !ok {
		return w.rejectAttempt(ErrNoFrame, &verdict)
	}

	w.mu.Lock()
	w.state.verdict = &verdict
	w.state.selected = frame
	w.mu.Unlock()
	return w.transition(PhaseSuccess)
}

func (w *Workflow) rejectAttempt(err error, verdict *Verdict) Phase {
	w.mu.Lock()
	w.state.lastErr = err
	w.state.verdict = verdict
	w.mu.Unlock()
	w.logger.Info("capture attempt rejected", zap.Error(err))
	return w.transition(PhaseRetrying)
}

func (w *Workflow) retry(ctx context.Context) Phase {
	w.mu.Lock()
	w.state.retries++
	retries := w.state.retries
	lastErr := w.state.lastErr
	w.mu.Unlock()

	if retries >= w.cfg.MaxRetries {
		return w.fail(ReasonMaxRetriesExceeded, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr))
	}

	if err := w.sleep(ctx, w.cfg.RetryBackoff); err != nil {
		return w.canceled(err)
	}
	return w.transition(PhaseCapturing)
}

func (w *Workflow) fail(reason Reason, err error) Phase {
	w.mu.Lock()
	w.state.reason = reason
	w.state.lastErr = err
	w.mu.Unlock()
	return w.transition(PhaseFailed)
}

func (w *Workflow) canceled(cause error) Phase {
	return w.fail(ReasonCanceled, fmt.Errorf("%w: %w", ErrCanceled, cause))
}

func (w *Workflow) transition(next Phase) Phase {
	w.mu.Lock()
	prev := w.state.phase
	w.state.phase = next
	w.state.updatedAt = w.now()
	status := w.statusLocked()
	w.mu.Unlock()

	w.logger.Debug("phase transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("retries", status.Retries),
	)
	if w.observer != nil {
		w.observer(status)
	}
	return next
}

func (w *Workflow) outcome(startedAt time.Time) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	o := Outcome{
		WorkflowID:  w.id,
		Phase:       w.state.phase,
		SessionID:   w.state.session.ID,
		Attempts:    w.state.evaluations,
		Verdict:     w.state.verdict,
		StartedAt:   startedAt,
		CompletedAt: w.state.updatedAt,
	}
	if o.Phase == PhaseSuccess {
		o.Frame = w.state.selected
		return o
	}
	o.Reason = w.state.reason
	o.Err = w.state.lastErr
	return o
}

func (w *Workflow) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func verdictError(v Verdict) error {
	if v.Message != "" {
		return fmt.Errorf("%w: %s", ErrNotLive, v.Message)
	}
	if v.IsLive && v.Confidence != nil {
		return fmt.Errorf("%w: confidence %.2f below threshold", ErrNotLive, *v.Confidence)
	}
	return ErrNotLive
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
