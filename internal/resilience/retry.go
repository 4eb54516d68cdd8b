// Package resilience provides the retry and circuit-breaker primitives used
// around container-runtime calls.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy describes an exponential backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the engine's container-runtime defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2.0,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before the given 1-based attempt's retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs op up to MaxAttempts times, sleeping the backoff schedule between
// failures. The context cancels the wait; the last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, opName string, op func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := p.Delay(attempt)
		logger.Warn("operation failed, retrying",
			"operation", opName,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", opName, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", opName, attempts, lastErr)
}
