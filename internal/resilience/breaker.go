package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's observable state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// Breaker trips after threshold consecutive failures and admits a probe call
// again once the cooldown has elapsed.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	tripped     bool
	threshold   int
	cooldown    time.Duration
}

// NewBreaker creates a breaker. Non-positive arguments fall back to the
// defaults (5 failures, 5 minute cooldown).
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// State reports closed, open, or half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(time.Now())
}

func (b *Breaker) state(now time.Time) BreakerState {
	if !b.tripped {
		return StateClosed
	}
	if now.Sub(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return StateOpen
}

// Allow reports whether a call may proceed. Open rejects; half-open admits a
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(time.Now()) != StateOpen
}

// RecordFailure counts a failure and trips the breaker at the threshold. A
// failure during half-open re-trips immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.tripped = true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
}

// Failures reports the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
