package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second, 2)
	assert.True(t, cb.CanExecute())

	for i := 0; i < 3; i++ {
		cb.RecordFailure("op")
	}

	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond, 2)
	cb.RecordFailure("op")
	cb.RecordFailure("op")
	assert.Equal(t, Open, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.True(t, cb.TransitionToHalfOpen())
	assert.Equal(t, HalfOpen, cb.State())

	cb.RecordSuccess("op")
	assert.Equal(t, HalfOpen, cb.State(), "one success is not enough with halfOpenTests=2")

	cb.RecordSuccess("op")
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 1)
	cb.RecordFailure("op")
	assert.Equal(t, Open, cb.State())

	time.Sleep(20 * time.Millisecond)
	cb.TransitionToHalfOpen()
	assert.Equal(t, HalfOpen, cb.State())

	cb.RecordFailure("op")
	assert.Equal(t, Open, cb.State())
}

func TestRegistryKeysBreakersByOperation(t *testing.T) {
	r := NewRegistry(2, time.Second, 1)

	a := r.Get("op-a")
	b := r.Get("op-b")
	assert.NotSame(t, a, b)

	a.RecordFailure("op-a")
	a.RecordFailure("op-a")
	assert.Equal(t, Open, a.State())
	assert.Equal(t, Closed, b.State(), "failures on one operation must not affect another")

	again := r.Get("op-a")
	assert.Same(t, a, again)
}
