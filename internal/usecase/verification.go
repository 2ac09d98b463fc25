package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kyc-capture/internal/auth"
	"github.com/example/kyc-capture/internal/capture"
	"github.com/example/kyc-capture/internal/events"
	"github.com/example/kyc-capture/internal/livenessclient"
	"github.com/example/kyc-capture/internal/logging"
	"github.com/example/kyc-capture/internal/metrics"
	"github.com/example/kyc-capture/internal/repository"
	"github.com/example/kyc-capture/internal/retry"
	"github.com/example/kyc-capture/internal/submission"
)

const (
	processingTTL  = time.Minute
	resultTTL      = 5 * time.Minute
	persistTimeout = 10 * time.Second

	// ReasonSubmissionFailed marks a workflow whose frame was captured but
	// could not be submitted for KYC.
	ReasonSubmissionFailed = "submission-failed"

	// phaseFinalizing is reported while a workflow that reached a terminal
	// engine phase is still being submitted and persisted.
	phaseFinalizing = "finalizing"

	sourceLive     = "live"
	sourceCache    = "cache"
	sourceDatabase = "database"
)

var (
	// ErrWorkflowActive is returned when the user already has a running workflow.
	ErrWorkflowActive = errors.New("verification workflow already active")
	// ErrWorkflowNotFound is returned for unknown workflows or workflows of another user.
	ErrWorkflowNotFound = errors.New("verification workflow not found")
	// ErrNoSession is returned when a workflow never obtained a liveness session.
	ErrNoSession = errors.New("workflow has no liveness session")
)

// VerificationRepository describes the persistence operations the use case depends on.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByWorkflowIDAndUser(ctx context.Context, workflowID, userID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// EventPublisher publishes completion events.
type EventPublisher interface {
	PublishCompleted(ctx context.Context, event events.VerificationCompleted) error
}

// CameraSource hands out the device stream of a user.
type CameraSource interface {
	Camera(userID string) capture.Camera
}

// LivenessBackend is a liveness service bound to one user's credentials.
type LivenessBackend interface {
	capture.LivenessService
	FetchResult(ctx context.Context, session capture.Session) (*livenessclient.SessionResult, error)
}

// LivenessFactory binds the liveness backend to a user and workflow.
type LivenessFactory func(creds auth.Credentials, workflowID string) LivenessBackend

// WorkflowStatus is the externally visible state of a verification workflow.
type WorkflowStatus struct {
	WorkflowID string    `json:"workflow_id"`
	UserID     string    `json:"user_id"`
	Phase      string    `json:"phase"`
	Done       bool      `json:"done"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries"`
	Attempts   int       `json:"attempts"`
	SessionID  string    `json:"session_id,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	SHA1Hash   string    `json:"sha1_hash,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Source     string    `json:"source"`
}

type runningWorkflow struct {
	userID   string
	workflow *capture.Workflow
	cancel   context.CancelFunc
}

// VerificationUseCase orchestrates capture workflows for authenticated users.
type VerificationUseCase struct {
	repo       VerificationRepository
	cache      Cache
	cameras    CameraSource
	liveness   LivenessFactory
	submitter  submission.Client
	publisher  EventPublisher
	captureCfg capture.Config
	logger     *zap.Logger

	retryPolicy retry.Policy

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningWorkflow
	byUser  map[string]string
}

// NewVerificationUseCase wires dependencies for the verification flow.
func NewVerificationUseCase(
	repo VerificationRepository,
	cache Cache,
	cameras CameraSource,
	liveness LivenessFactory,
	submitter submission.Client,
	publisher EventPublisher,
	captureCfg capture.Config,
	logger *zap.Logger,
) *VerificationUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &VerificationUseCase{
		repo:        repo,
		cache:       cache,
		cameras:     cameras,
		liveness:    liveness,
		submitter:   submitter,
		publisher:   publisher,
		captureCfg:  captureCfg,
		logger:      logger.Named("verification_usecase"),
		retryPolicy: retry.DefaultPolicy,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		running:     make(map[string]*runningWorkflow),
		byUser:      make(map[string]string),
	}
}

// StartVerification starts a capture workflow for the user and returns its id.
// The workflow keeps running after ctx ends; use Cancel to stop it.
func (uc *VerificationUseCase) StartVerification(ctx context.Context, creds auth.Credentials) (string, error) {
	if creds.Subject == "" {
		return "", errors.New("credentials have no subject")
	}

	workflowID := uuid.NewString()

	uc.mu.Lock()
	if _, busy := uc.byUser[creds.Subject]; busy {
		uc.mu.Unlock()
		return "", ErrWorkflowActive
	}
	uc.byUser[creds.Subject] = workflowID
	uc.mu.Unlock()

	pending := WorkflowStatus{
		WorkflowID: workflowID,
		UserID:     creds.Subject,
		Phase:      string(capture.PhaseIdle),
		UpdatedAt:  time.Now().UTC(),
		Source:     sourceCache,
	}
	if err := uc.cacheStatus(ctx, pending, processingTTL, "verification.mark_processing"); err != nil {
		uc.mu.Lock()
		delete(uc.byUser, creds.Subject)
		uc.mu.Unlock()
		return "", err
	}

	backend := uc.liveness(creds, workflowID)
	logger := logging.WithOperation(uc.logger, "verification.workflow", workflowID)
	workflow := capture.NewWorkflow(
		uc.cameras.Camera(creds.Subject),
		backend,
		uc.captureCfg,
		capture.WithID(workflowID),
		capture.WithLogger(logger),
		capture.WithObserver(observePhase),
	)

	runCtx, cancel := context.WithCancel(uc.baseCtx)
	run := &runningWorkflow{userID: creds.Subject, workflow: workflow, cancel: cancel}

	uc.mu.Lock()
	uc.running[workflowID] = run
	uc.mu.Unlock()

	metrics.ActiveWorkflows.Inc()
	uc.wg.Add(1)
	go uc.run(runCtx, run, creds)

	logger.Info("verification workflow started", zap.String("user_id", creds.Subject))
	return workflowID, nil
}

func (uc *VerificationUseCase) run(ctx context.Context, run *runningWorkflow, creds auth.Credentials) {
	workflowID := run.workflow.ID()
	logger := logging.WithOperation(uc.logger, "verification.workflow", workflowID)

	defer func() {
		run.cancel()
		uc.mu.Lock()
		delete(uc.running, workflowID)
		if uc.byUser[run.userID] == workflowID {
			delete(uc.byUser, run.userID)
		}
		uc.mu.Unlock()
		metrics.ActiveWorkflows.Dec()
		uc.wg.Done()
	}()

	ctx, span := otel.Tracer("kyc-capture/usecase").Start(ctx, "verification.workflow")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("user.id", run.userID),
	)
	defer span.End()

	var selected capture.Frame
	outcome, _ := run.workflow.Run(ctx,
		func(frame capture.Frame) {
			selected = frame
		},
		func(reason capture.Reason, err error) {
			logger.Warn("capture workflow failed", zap.String("reason", string(reason)), zap.Error(err))
		},
	)

	// The workflow context may be canceled already; persistence still has to happen.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	record := buildLog(outcome, run.userID)

	if outcome.Succeeded() {
		receipt, err := uc.submitter.Submit(persistCtx, submission.Request{
			WorkflowID:  workflowID,
			Credentials: creds,
			Frame:       selected,
		})
		if err != nil {
			metrics.Submissions.WithLabelValues("error").Inc()
			logger.Error("failed to submit selected frame", zap.Error(err))
			record.Success = false
			record.Reason = ReasonSubmissionFailed
			record.Details = err.Error()
		} else {
			metrics.Submissions.WithLabelValues("ok").Inc()
			record.ReceiptID = receipt.ID
		}
	}

	outcomeLabel := "failure"
	if record.Success {
		outcomeLabel = "success"
	} else {
		span.SetStatus(codes.Error, record.Reason)
	}
	metrics.WorkflowOutcomes.WithLabelValues(outcomeLabel, record.Reason).Inc()
	metrics.WorkflowDuration.WithLabelValues(outcomeLabel).Observe(outcome.Duration().Seconds())

	if err := uc.repo.SaveLog(persistCtx, record); err != nil {
		logger.Error("failed to persist verification log", zap.Error(err))
	}

	final := statusFromLog(record, sourceCache)
	final.Retries = run.workflow.Status().Retries
	if err := uc.cacheStatus(persistCtx, final, resultTTL, "verification.cache_result"); err != nil {
		logger.Warn("failed to cache verification result", zap.Error(err))
	}

	if uc.publisher != nil {
		event := events.VerificationCompleted{
			WorkflowID: workflowID,
			UserID:     run.userID,
			SessionID:  record.SessionID,
			Success:    record.Success,
			Reason:     record.Reason,
			Attempts:   record.Attempts,
			ReceiptID:  record.ReceiptID,
			OccurredAt: outcome.CompletedAt.UTC(),
		}
		if err := uc.publisher.PublishCompleted(persistCtx, event); err != nil {
			logger.Warn("failed to publish verification event", zap.Error(err))
		}
	}

	logger.Info("verification workflow finished",
		zap.Bool("success", record.Success),
		zap.String("reason", record.Reason),
		zap.Int("attempts", record.Attempts),
		zap.Int64("duration_ms", record.DurationMs),
	)
}

// GetStatus returns the workflow state. Running workflows are read live, then
// the cache is consulted and finally the database.
func (uc *VerificationUseCase) GetStatus(ctx context.Context, userID, workflowID string) (*WorkflowStatus, error) {
	if run := uc.lookup(userID, workflowID); run != nil {
		status := statusFromLive(run.workflow.Status(), userID)
		return &status, nil
	}

	var (
		cached string
		miss   bool
	)
	err := uc.withRedisRetry(ctx, "verification.get_cached", workflowID, func() error {
		var getErr error
		cached, getErr = uc.cache.Get(ctx, statusCacheKey(workflowID))
		if errors.Is(getErr, redis.Nil) {
			miss = true
			return nil
		}
		return getErr
	})
	switch {
	case err != nil:
		uc.logger.Warn("cache lookup failed", zap.String("workflow_id", workflowID), zap.Error(err))
	case !miss:
		var status WorkflowStatus
		if jsonErr := json.Unmarshal([]byte(cached), &status); jsonErr == nil && status.UserID == userID {
			status.Source = sourceCache
			return &status, nil
		}
	}

	record, err := uc.repo.FindByWorkflowIDAndUser(ctx, workflowID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	status := statusFromLog(record, sourceDatabase)
	return &status, nil
}

// Cancel stops a running workflow owned by the user.
func (uc *VerificationUseCase) Cancel(userID, workflowID string) error {
	run := uc.lookup(userID, workflowID)
	if run == nil {
		return ErrWorkflowNotFound
	}
	run.cancel()
	uc.logger.Info("verification workflow cancel requested", zap.String("workflow_id", workflowID))
	return nil
}

// FetchSessionResult asks the liveness backend for the stored result of the
// workflow's session.
func (uc *VerificationUseCase) FetchSessionResult(ctx context.Context, creds auth.Credentials, workflowID string) (*livenessclient.SessionResult, error) {
	status, err := uc.GetStatus(ctx, creds.Subject, workflowID)
	if err != nil {
		return nil, err
	}
	if status.SessionID == "" {
		return nil, ErrNoSession
	}
	backend := uc.liveness(creds, workflowID)
	return backend.FetchResult(ctx, capture.Session{ID: status.SessionID})
}

// Close cancels all running workflows and waits for them to finish persisting.
func (uc *VerificationUseCase) Close(ctx context.Context) error {
	uc.cancelBase()
	done := make(chan struct{})
	go func() {
		uc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workflows: %w", ctx.Err())
	}
}

func (uc *VerificationUseCase) lookup(userID, workflowID string) *runningWorkflow {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	run, ok := uc.running[workflowID]
	if !ok || run.userID != userID {
		return nil
	}
	return run
}

func (uc *VerificationUseCase) cacheStatus(ctx context.Context, status WorkflowStatus, ttl time.Duration, operation string) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return logging.NewOperationError(operation, status.WorkflowID, err)
	}
	return uc.withRedisRetry(ctx, operation, status.WorkflowID, func() error {
		return uc.cache.Set(ctx, statusCacheKey(status.WorkflowID), payload, ttl)
	})
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, operation, workflowID string, fn func() error) error {
	return retry.Do(ctx, uc.retryPolicy, uc.logger, operation, workflowID, fn)
}

func observePhase(status capture.Status) {
	metrics.PhaseTransitions.WithLabelValues(string(status.Phase)).Inc()
}

func buildLog(outcome capture.Outcome, userID string) *repository.VerificationLog {
	record := &repository.VerificationLog{
		WorkflowID: outcome.WorkflowID,
		UserID:     userID,
		SessionID:  outcome.SessionID,
		Success:    outcome.Succeeded(),
		Reason:     string(outcome.Reason),
		Attempts:   outcome.Attempts,
		DurationMs: outcome.Duration().Milliseconds(),
		CreatedAt:  outcome.CompletedAt.UTC(),
	}
	if outcome.Verdict != nil {
		record.Confidence = outcome.Verdict.Confidence
	}
	if outcome.Err != nil {
		record.Details = outcome.Err.Error()
	}
	if !outcome.Frame.Empty() {
		sum := sha1.Sum(outcome.Frame.Data)
		record.SHA1Hash = hex.EncodeToString(sum[:])
	}
	return record
}

func statusFromLog(record *repository.VerificationLog, source string) WorkflowStatus {
	phase := capture.PhaseFailed
	if record.Success {
		phase = capture.PhaseSuccess
	}
	return WorkflowStatus{
		WorkflowID: record.WorkflowID,
		UserID:     record.UserID,
		Phase:      string(phase),
		Done:       true,
		Success:    record.Success,
		Reason:     record.Reason,
		Error:      record.Details,
		Attempts:   record.Attempts,
		SessionID:  record.SessionID,
		Confidence: record.Confidence,
		SHA1Hash:   record.SHA1Hash,
		ReceiptID:  record.ReceiptID,
		DurationMs: record.DurationMs,
		UpdatedAt:  record.CreatedAt,
		Source:     source,
	}
}

// statusFromLive never reports a running workflow as done. The outcome is only
// final once submission and persistence have finished.
func statusFromLive(s capture.Status, userID string) WorkflowStatus {
	if s.Phase.Terminal() {
		return WorkflowStatus{
			WorkflowID: s.WorkflowID,
			UserID:     userID,
			Phase:      phaseFinalizing,
			Retries:    s.Retries,
			Attempts:   s.Evaluations,
			SessionID:  s.SessionID,
			UpdatedAt:  s.UpdatedAt,
			Source:     sourceLive,
		}
	}
	return WorkflowStatus{
		WorkflowID: s.WorkflowID,
		UserID:     userID,
		Phase:      string(s.Phase),
		Reason:     string(s.Reason),
		Error:      s.Error,
		Retries:    s.Retries,
		Attempts:   s.Evaluations,
		SessionID:  s.SessionID,
		UpdatedAt:  s.UpdatedAt,
		Source:     sourceLive,
	}
}
