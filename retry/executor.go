// Package retry implements the runtime's retry/timeout executor and circuit
// breaker (spec §4.7). Attempt scheduling is built on
// github.com/cenkalti/backoff/v4 (already pulled in by the example pack via
// owulveryck-agenthub's OTEL exporter stack) instead of hand-rolling the
// exponential/jitter math a second time; the circuit breaker itself is
// grounded on the teacher's hand-rolled concurrency.CircuitBreaker
// (concurrency/orchestrator.go), generalized to key per operation name.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gitmind-dev/gitmind/rtlog"
)

// ErrCircuitOpen is returned (wrapped) when an operation's circuit breaker
// refuses execution.
var ErrCircuitOpen = errors.New("retry: circuit open")

// ErrBudgetExhausted is returned when TotalTimeout elapses before any
// attempt succeeds.
var ErrBudgetExhausted = errors.New("retry: total timeout budget exhausted")

// Config is the retry schedule (spec §4.7): bounded exponential backoff with
// jitter, a per-attempt timeout, and an overall budget.
type Config struct {
	MaxAttempts       int           // including the first try; 0 means 1 (no retries)
	InitialDelay      time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	Jitter            float64 // randomization factor in [0,1], fed to backoff.ExponentialBackOff
	PerAttemptTimeout time.Duration // 0 disables the per-attempt deadline
	TotalTimeout      time.Duration // 0 disables the overall deadline
}

// DefaultConfig mirrors the teacher's NewExponentialBackoff defaults
// (concurrency/task_queue.go: base 1s, factor 2, no explicit cap there —
// this runtime adds one per spec §4.7's "bounded" requirement).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		Multiplier:        2.0,
		MaxDelay:          30 * time.Second,
		Jitter:            0.2,
		PerAttemptTimeout: 10 * time.Second,
		TotalTimeout:      2 * time.Minute,
	}
}

func (c Config) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialDelay > 0 {
		b.InitialInterval = c.InitialDelay
	}
	if c.Multiplier > 0 {
		b.Multiplier = c.Multiplier
	}
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0 // the executor owns the overall deadline via ctx
	return b
}

// AttemptRecord is one entry in Result.Attempts (spec §4.7's
// attempts[{n, duration, error?}]).
type AttemptRecord struct {
	N        int
	Duration time.Duration
	Err      error
}

// Result is the outcome of Execute (spec §4.7's RetryResult).
type Result struct {
	Success       bool
	Attempts      []AttemptRecord
	Value         any // fn's return value on success
	Err           error
	TotalDuration time.Duration
}

// AttemptCount is the number of attempts made, equivalent to len(Attempts).
func (r Result) AttemptCount() int {
	return len(r.Attempts)
}

// IsRetryable gates whether a failed attempt should be retried at all.
type IsRetryable func(error) bool

// AlwaysRetryable treats every non-nil error as retryable.
func AlwaysRetryable(error) bool { return true }

// Executor runs a function under the retry schedule in Config, optionally
// gated by a circuit breaker drawn from a shared Registry.
type Executor struct {
	cfg      Config
	breakers *Registry // nil disables circuit-breaking
}

// NewExecutor builds an Executor. breakers may be nil to run retries
// without circuit-breaker protection.
func NewExecutor(cfg Config, breakers *Registry) *Executor {
	return &Executor{cfg: cfg, breakers: breakers}
}

// Execute runs fn, retrying on failure per the configured schedule until it
// succeeds, a non-retryable error is returned, the circuit is open, or the
// attempt/time budget is exhausted. op names the operation for circuit
// breaker bookkeeping and logging; it has no effect if the Executor has no
// Registry. fn's return value is threaded through to Result.Value on
// success, so callers no longer need a closure-captured variable to get a
// result out of Execute.
func (e *Executor) Execute(ctx context.Context, op string, retryable IsRetryable, fn func(ctx context.Context) (any, error)) Result {
	if retryable == nil {
		retryable = AlwaysRetryable
	}

	start := time.Now()
	attempts := 0
	var records []AttemptRecord
	var value any

	runCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.TotalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.TotalTimeout)
		defer cancel()
	}

	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var cb *CircuitBreaker
	if e.breakers != nil {
		cb = e.breakers.Get(op)
	}

	operation := func() error {
		attempts++
		attemptStart := time.Now()

		record := func(err error) error {
			records = append(records, AttemptRecord{N: attempts, Duration: time.Since(attemptStart), Err: err})
			return err
		}

		if cb != nil && !cb.CanExecute() {
			return record(backoff.Permanent(ErrCircuitOpen))
		}
		if cb != nil {
			cb.TransitionToHalfOpen()
		}

		attemptCtx := runCtx
		var attemptCancel context.CancelFunc
		if e.cfg.PerAttemptTimeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(runCtx, e.cfg.PerAttemptTimeout)
			defer attemptCancel()
		}

		v, err := fn(attemptCtx)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess(op)
			}
			value = v
			return record(nil)
		}

		if cb != nil {
			cb.RecordFailure(op)
		}
		if !retryable(err) {
			return record(backoff.Permanent(err))
		}
		return record(err)
	}

	notify := func(err error, wait time.Duration) {
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("retry: %q attempt %d failed (%v), retrying in %s", op, attempts, err, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.cfg.backoff(), uint64(maxAttempts-1)), runCtx)
	err := backoff.RetryNotify(operation, b, notify)

	result := Result{
		Attempts:      records,
		TotalDuration: time.Since(start),
	}

	if err == nil {
		result.Success = true
		result.Value = value
		return result
	}

	if errors.Is(err, context.DeadlineExceeded) && e.cfg.TotalTimeout > 0 {
		result.Err = ErrBudgetExhausted
		return result
	}

	result.Err = err
	return result
}
