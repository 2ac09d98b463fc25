package capture

import "time"

const (
	DefaultBurstSize          = 5
	DefaultFrameInterval      = 200 * time.Millisecond
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 2 * time.Second
	DefaultCameraPollInterval = 100 * time.Millisecond
)

// Config tunes the workflow. Zero values fall back to the defaults above.
type Config struct {
	BurstSize     int
	FrameInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration

	// MinConfidence, when set, requires a verdict confidence strictly above it.
	// Nil accepts any live verdict.
	MinConfidence *float64

	CameraPollInterval time.Duration
	// CameraTimeout bounds the wait for camera readiness. Zero waits forever.
	CameraTimeout time.Duration
	// CallTimeout bounds each liveness call. Zero leaves it to the transport.
	CallTimeout time.Duration
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.CameraPollInterval <= 0 {
		c.CameraPollInterval = DefaultCameraPollInterval
	}
	return c
}

// accepts applies the liveness and confidence policy to a verdict.
func (c Config) accepts(v Verdict) bool {
	if !v.IsLive {
		return false
	}
	if c.MinConfidence == nil {
		return true
	}
	return v.Confidence != nil && *v.Confidence > *c.MinConfidence
}
