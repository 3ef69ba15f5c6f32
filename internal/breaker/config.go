package breaker

import "time"

// BackoffConfig controls the delay between retry attempts.
type BackoffConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// RetryConfig controls which failures are retried and how often.
type RetryConfig struct {
	MaxRetries     int
	RetryableKinds []Kind
}

// Config holds the immutable settings for a single circuit breaker.
// Zero or invalid fields are replaced with defaults at construction.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Must be >= 1.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through as a recovery probe.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit. Must be >= 1.
	SuccessThreshold int

	// Timeout bounds each individual attempt. 0 disables the per-attempt
	// deadline.
	Timeout time.Duration

	// MaxConcurrent caps in-flight executions through this breaker.
	// 0 disables the cap.
	MaxConcurrent int

	Backoff BackoffConfig
	Retry   RetryConfig
}

// DefaultConfig returns the settings applied when a field is left zero.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
		Backoff: BackoffConfig{
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   10 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			RetryableKinds: []Kind{KindNetwork, KindTimeout, KindUnavailable},
		},
	}
}

// withDefaults fills zero/invalid fields from DefaultConfig. Negative
// MaxRetries and MaxConcurrent are treated as disabled (0).
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	return c
}
