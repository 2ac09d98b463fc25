package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/kyc-capture/internal/retry"
)

// VerificationLog is the persisted record of one capture workflow.
type VerificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	WorkflowID string    `gorm:"column:workflow_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;index;size:64"`
	SessionID  string    `gorm:"column:session_id;size:128"`
	Success    bool      `gorm:"column:success"`
	Reason     string    `gorm:"column:reason;size:64"`
	Attempts   int       `gorm:"column:attempts"`
	Confidence *float64  `gorm:"column:confidence"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40"`
	ReceiptID  string    `gorm:"column:receipt_id;size:128"`
	Details    string    `gorm:"column:details;type:text"`
	DurationMs int64     `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation holds raw aggregates over all verification logs.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageAttempts   float64
	AverageDurationMs float64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:     db,
		logger: logger.Named("verification_repository"),
		retry:  retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.WorkflowID, func() error {
		return insertLog(r.db.WithContext(ctx), log).Error
	})
}

// insertLog is idempotent per workflow: a retried insert whose first attempt
// committed is a no-op instead of a unique index violation.
func insertLog(db *gorm.DB, log *VerificationLog) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}},
		DoNothing: true,
	}).Create(log)
}

// FindByWorkflowIDAndUser retrieves the log of a workflow owned by userID.
func (r *VerificationRepository) FindByWorkflowIDAndUser(ctx context.Context, workflowID, userID string) (*VerificationLog, error) {
	var log VerificationLog
	if err := r.db.WithContext(ctx).First(&log, "workflow_id = ? AND user_id = ?", workflowID, userID).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes outcome aggregates across all logs.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		SuccessCount      int64
		AverageAttempts   float64
		AverageDurationMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(AVG(attempts), 0) AS average_attempts,
				COALESCE(AVG(duration_ms), 0) AS average_duration_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.TotalCount,
		SuccessCount:      row.SuccessCount,
		AverageAttempts:   row.AverageAttempts,
		AverageDurationMs: row.AverageDurationMs,
	}, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, workflowID string, fn func() error) error {
	return retry.Do(ctx, r.retry, r.logger, operation, workflowID, fn)
}
