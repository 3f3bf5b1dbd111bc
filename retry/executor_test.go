package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient failure")
var errPermanent = errors.New("permanent failure")

func fastConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialDelay:      time.Millisecond,
		Multiplier:        1.5,
		MaxDelay:          10 * time.Millisecond,
		Jitter:            0,
		PerAttemptTimeout: 50 * time.Millisecond,
		TotalTimeout:      time.Second,
	}
}

func TestExecutorSucceedsAfterTransientFailures(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	result := e.Execute(context.Background(), "flaky", AlwaysRetryable, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errTransient
		}
		return "done", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.AttemptCount())
	assert.NoError(t, result.Err)
	assert.Equal(t, "done", result.Value)

	records := result.Attempts
	assert.Len(t, records, 3)
	assert.ErrorIs(t, records[0].Err, errTransient)
	assert.ErrorIs(t, records[1].Err, errTransient)
	assert.NoError(t, records[2].Err)
}

func TestExecutorStopsOnNonRetryableError(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	isRetryable := func(err error) bool { return !errors.Is(err, errPermanent) }

	result := e.Execute(context.Background(), "fatal", isRetryable, func(ctx context.Context) (any, error) {
		calls++
		return nil, errPermanent
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, errPermanent)
	assert.Len(t, result.Attempts, 1)
}

func TestExecutorExhaustsMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	e := NewExecutor(cfg, nil)

	calls := 0
	result := e.Execute(context.Background(), "always-fails", AlwaysRetryable, func(ctx context.Context) (any, error) {
		calls++
		return nil, errTransient
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, result.Err, errTransient)
	assert.Equal(t, 3, result.AttemptCount())
}

func TestExecutorRespectsCircuitBreaker(t *testing.T) {
	reg := NewRegistry(1, time.Hour, 1)
	cb := reg.Get("guarded")
	cb.RecordFailure("guarded") // opens the breaker up front

	e := NewExecutor(fastConfig(), reg)

	calls := 0
	result := e.Execute(context.Background(), "guarded", AlwaysRetryable, func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, 0, calls, "fn must never run while the circuit is open")
	assert.ErrorIs(t, result.Err, ErrCircuitOpen)
}

func TestExecutorRecordsSuccessOnBreaker(t *testing.T) {
	reg := NewRegistry(3, time.Hour, 1)
	e := NewExecutor(fastConfig(), reg)

	result := e.Execute(context.Background(), "healthy", AlwaysRetryable, func(ctx context.Context) (any, error) {
		return nil, nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, Closed, reg.Get("healthy").State())
}
