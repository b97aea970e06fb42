package retry

import (
	"math/rand/v2"
	"time"
)

// Policy computes the delay before a failed job's next attempt.
type Policy struct {
	// Base is the delay before the first retry; each further retry
	// doubles it.
	Base time.Duration
	// MaxAttempts bounds total executions. At or beyond it the job is
	// terminally failed instead of re-enqueued.
	MaxAttempts int
}

// Exhausted reports whether attempts has used up the retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Backoff returns the exponential delay for the given attempt count,
// jittered +/- 20% to prevent thundering herds after an outage.
func (p Policy) Backoff(attempts int) time.Duration {
	base := p.Base * time.Duration(1<<attempts)
	jitterFactor := 0.8 + (rand.Float64() * 0.4)
	return time.Duration(float64(base) * jitterFactor)
}
