// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/example/kyc-capture/internal/capture"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool          `env:"LOG_DEVELOPMENT" envDefault:"false"`
	TracingEnabled  bool          `env:"TRACING_ENABLED" envDefault:"false"`

	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"host=postgres user=postgres password=postgres dbname=kyc port=5432 sslmode=disable"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"redis:6379"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	Liveness   LivenessConfig
	Submission SubmissionConfig
	Capture    CaptureConfig
}

// LivenessConfig points at the liveness REST backend.
type LivenessConfig struct {
	BaseURL string        `env:"LIVENESS_BASE_URL" envDefault:"https://kyc-back-rmgs.onrender.com"`
	Timeout time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"30s"`
}

// SubmissionConfig selects the KYC submission transport.
type SubmissionConfig struct {
	Transport string `env:"SUBMISSION_TRANSPORT" envDefault:"http"`
	GRPCAddr  string `env:"SUBMISSION_GRPC_ADDR" envDefault:"verification-service:50051"`
}

// CaptureConfig tunes the capture workflow.
type CaptureConfig struct {
	BurstSize     int           `env:"CAPTURE_BURST_SIZE" envDefault:"5"`
	FrameInterval time.Duration `env:"CAPTURE_FRAME_INTERVAL" envDefault:"200ms"`
	MaxRetries    int           `env:"CAPTURE_MAX_RETRIES" envDefault:"3"`
	RetryBackoff  time.Duration `env:"CAPTURE_RETRY_BACKOFF" envDefault:"2s"`
	// A negative MinConfidence disables the threshold; 0 requires any
	// positive confidence.
	MinConfidence      float64       `env:"CAPTURE_MIN_CONFIDENCE" envDefault:"-1"`
	CameraPollInterval time.Duration `env:"CAPTURE_CAMERA_POLL_INTERVAL" envDefault:"100ms"`
	CameraTimeout      time.Duration `env:"CAPTURE_CAMERA_TIMEOUT" envDefault:"30s"`
	CallTimeout        time.Duration `env:"CAPTURE_CALL_TIMEOUT" envDefault:"0s"`
}

// Workflow converts the settings to a capture.Config.
func (c CaptureConfig) Workflow() capture.Config {
	cfg := capture.Config{
		BurstSize:          c.BurstSize,
		FrameInterval:      c.FrameInterval,
		MaxRetries:         c.MaxRetries,
		RetryBackoff:       c.RetryBackoff,
		CameraPollInterval: c.CameraPollInterval,
		CameraTimeout:      c.CameraTimeout,
		CallTimeout:        c.CallTimeout,
	}
	if c.MinConfidence >= 0 {
		threshold := c.MinConfidence
		cfg.MinConfidence = &threshold
	}
	return cfg
}

// Load reads an optional .env file (or the files in ENV_FILE, comma
// separated) and then parses the environment.
func Load() (*Config, error) {
	const op = "config.Load"

	files := []string{".env"}
	if custom := strings.TrimSpace(os.Getenv("ENV_FILE")); custom != "" {
		files = strings.Split(custom, ",")
	}
	for _, file := range files {
		file = strings.TrimSpace(file)
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: load %s: %w", op, file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%s: parse env: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate checks required and mutually dependent settings.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.Liveness.BaseURL) == "" {
		errs = append(errs, errors.New("LIVENESS_BASE_URL is required"))
	}
	switch c.Submission.Transport {
	case "http":
	case "grpc":
		if strings.TrimSpace(c.Submission.GRPCAddr) == "" {
			errs = append(errs, errors.New("SUBMISSION_GRPC_ADDR is required for the grpc transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("SUBMISSION_TRANSPORT must be http or grpc, got %q", c.Submission.Transport))
	}
	if c.Capture.MinConfidence >= 1 {
		errs = append(errs, fmt.Errorf("CAPTURE_MIN_CONFIDENCE must be below 1 (negative disables it), got %v", c.Capture.MinConfidence))
	}
	return errors.Join(errs...)
}
