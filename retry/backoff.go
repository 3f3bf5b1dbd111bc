package retry

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay before the Nth retry. It is the same
// shape as the teacher's concurrency.BackoffStrategy (concurrency/task_queue.go),
// kept as a small standalone interface here so the scheduler's janitor can
// reuse the same backoff math for its timeout-sweep interval without
// depending on the full Executor/backoff.v4 machinery.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff mirrors the teacher's ExponentialBackoff.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NewExponentialBackoff builds an ExponentialBackoff with the teacher's
// defaults (1s base, 2x multiplier).
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2.0}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt))
	d := time.Duration(delay)
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// LinearBackoff mirrors the teacher's LinearBackoff.
type LinearBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (b *LinearBackoff) NextDelay(attempt int) time.Duration {
	d := b.BaseDelay * time.Duration(attempt+1)
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}
