package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/kyc-capture/internal/logging"
	"github.com/example/kyc-capture/internal/retry"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newRetryingRepository(attempts int) *VerificationRepository {
	return &VerificationRepository{
		logger: zap.NewNop(),
		retry: retry.Policy{
			Attempts:       attempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func TestExecuteWithRetryRecoversFromTimeout(t *testing.T) {
	repo := newRetryingRepository(3)

	calls := 0
	err := repo.executeWithRetry(context.Background(), "repository.save_log", "wf-1", func() error {
		calls++
		if calls == 1 {
			return timeoutError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecuteWithRetryGivesUpAfterAttempts(t *testing.T) {
	repo := newRetryingRepository(3)

	calls := 0
	err := repo.executeWithRetry(context.Background(), "repository.save_log", "wf-2", func() error {
		calls++
		return timeoutError{}
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.save_log" || opErr.WorkflowID != "wf-2" {
		t.Fatalf("expected save_log OperationError, got %v", err)
	}
	if !errors.As(err, new(timeoutError)) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestExecuteWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	repo := newRetryingRepository(3)
	constraint := errors.New("duplicate key value violates unique constraint")

	calls := 0
	err := repo.executeWithRetry(context.Background(), "repository.save_log", "wf-3", func() error {
		calls++
		return constraint
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !errors.Is(err, constraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
}

func TestExecuteWithRetryStopsOnCanceledContext(t *testing.T) {
	repo := newRetryingRepository(5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := repo.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		calls++
		cancel()
		return timeoutError{}
	})
	if calls != 1 {
		t.Fatalf("expected a single call before cancellation, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewVerificationRepositoryUsesDefaultPolicy(t *testing.T) {
	repo := NewVerificationRepository(nil, zap.NewNop())
	if repo.retry != retry.DefaultPolicy {
		t.Fatalf("unexpected retry policy: %+v", repo)
	}
}

func TestVerificationLogTableName(t *testing.T) {
	if got := (VerificationLog{}).TableName(); got != "verification_logs" {
		t.Fatalf("unexpected table name %q", got)
	}
}

func TestInsertLogIgnoresDuplicateWorkflow(t *testing.T) {
	db, err := gorm.Open(
		postgres.New(postgres.Config{DSN: "host=localhost user=kyc dbname=kyc sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true},
	)
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}

	stmt := insertLog(db, &VerificationLog{WorkflowID: "wf-1", UserID: "user-1"}).Statement
	sql := stmt.SQL.String()
	if !strings.Contains(sql, `ON CONFLICT ("workflow_id") DO NOTHING`) {
		t.Fatalf("expected conflict-safe insert, got %s", sql)
	}
}
