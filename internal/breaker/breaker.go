package breaker

import (
	"sync"
	"time"

	"ticketq/internal/clock"
)

// Breaker is a per-backend circuit breaker. It is constructed once and
// shared by every call against that backend; all state transitions are
// guarded by a mutex, and minor overcounting of failures under races is
// tolerated.
//
// Closed: calls pass through. After threshold failures the breaker opens
// and calls short-circuit without touching the backend. Once the reset
// timeout has elapsed a single trial call is let through; its success
// closes the breaker, its failure re-opens it and refreshes the timer.
// Successes decay the failure count one step at a time instead of
// clearing it, so a backend that alternates between ok and broken does
// not flap the breaker on every success.
type Breaker struct {
	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	probing      bool

	threshold    int
	resetTimeout time.Duration
	clk          clock.Clock
}

func New(threshold int, resetTimeout time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clk:          clk,
	}
}

// Allow reports whether a call may proceed. While the breaker is open it
// returns false until the reset timeout has elapsed, after which it
// returns true exactly once (the trial call) until that trial resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount < b.threshold {
		return true
	}
	if b.clk.Now().Sub(b.lastFailure) <= b.resetTimeout {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess decays the failure count one step toward zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.failureCount > 0 {
		b.failureCount--
	}
}

// RecordFailure counts a failed or timed-out call. Re-opens the breaker
// if the trial call failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failureCount++
	b.lastFailure = b.clk.Now()
}

// IsOpen reports whether calls currently short-circuit.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureCount < b.threshold {
		return false
	}
	return b.clk.Now().Sub(b.lastFailure) <= b.resetTimeout
}

// Counts returns the current failure count and last failure time.
func (b *Breaker) Counts() (failures int, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.lastFailure
}
