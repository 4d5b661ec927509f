// Package retry implements the backoff policy applied to failed bulk
// dispatches, plus a blocking helper for startup-time calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxRetries      int           // re-attempts after the first try
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64 // ±jitter fraction (e.g., 0.2 = ±20%)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Jitter:          0.2,
	}
}

// Policy decides whether a failed dispatch is retried and how long to
// wait before the next attempt. Safe for concurrent use; it holds no
// mutable state.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy from the configuration.
func NewPolicy(cfg Config) *Policy {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	return &Policy{cfg: cfg}
}

// ShouldRetry reports whether another attempt is allowed after the
// given number of retries have already been used.
func (p *Policy) ShouldRetry(retriesUsed int) bool {
	return retriesUsed < p.cfg.MaxRetries
}

// NextDelay returns the backoff before retry number n (1-based),
// exponential with the configured base, capped, with optional jitter.
func (p *Policy) NextDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return calcBackoff(n-1, p.cfg)
}

// MaxRetries returns the configured retry ceiling.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do executes fn with blocking retry logic. It stops retrying when:
// - fn returns nil (success)
// - fn returns a PermanentError
// - MaxRetries is exhausted
// - ctx is cancelled
// The sink engine never uses Do on its hot path; it schedules timers
// instead. Do serves startup-time calls such as the topic preflight.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			backoff := calcBackoff(attempt, cfg)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

func calcBackoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxInterval) {
		backoff = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
