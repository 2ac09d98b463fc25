package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured logger for the given level ("debug", "info", ...).
// Development mode switches to the console encoder.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// WithOperation enriches the logger with operation and workflow identifiers.
func WithOperation(logger *zap.Logger, operation, workflowID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if workflowID != "" {
		fields = append(fields, zap.String("workflow_id", workflowID))
	}
	return logger.With(fields...)
}
