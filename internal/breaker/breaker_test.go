package breaker

import (
	"testing"
	"time"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(3, 30*time.Second, clk)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected call %d to be allowed while closed", i)
		}
		b.RecordFailure()
	}

	if !b.IsOpen() {
		t.Fatalf("expected breaker open after 3 failures")
	}
	if b.Allow() {
		t.Fatalf("expected short-circuit while open")
	}
}

func TestBreaker_TrialAfterResetTimeout(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(2, 10*time.Second, clk)

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected short-circuit while open")
	}

	clk.advance(11 * time.Second)

	if !b.Allow() {
		t.Fatalf("expected one trial call after reset timeout")
	}
	// Only one trial may be in flight at a time.
	if b.Allow() {
		t.Fatalf("expected second call to be rejected while trial in flight")
	}

	b.RecordSuccess()
	if b.IsOpen() {
		t.Fatalf("expected breaker closed after successful trial")
	}
	if !b.Allow() {
		t.Fatalf("expected calls allowed after recovery")
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(2, 10*time.Second, clk)

	b.RecordFailure()
	b.RecordFailure()
	clk.advance(11 * time.Second)

	if !b.Allow() {
		t.Fatalf("expected trial call")
	}
	b.RecordFailure()

	if !b.IsOpen() {
		t.Fatalf("expected breaker re-opened after failed trial")
	}
	if b.Allow() {
		t.Fatalf("expected short-circuit until the refreshed timeout elapses")
	}

	clk.advance(11 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected a new trial after the refreshed timeout")
	}
}

func TestBreaker_GradualRecovery(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(5, 10*time.Second, clk)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.IsOpen() {
		t.Fatalf("expected breaker still closed below threshold")
	}

	b.RecordSuccess()
	if n, _ := b.Counts(); n != 3 {
		t.Fatalf("expected failure count to decay to 3, got %d", n)
	}

	// One more failure must not trip the breaker after the decay.
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatalf("expected breaker closed at count 4 of 5")
	}
}
