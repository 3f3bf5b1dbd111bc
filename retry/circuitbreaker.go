package retry

import (
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/rtlog"
)

// BreakerState is one of the three circuit breaker states (spec §4.7).
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// CircuitBreaker implements the Closed->Open->HalfOpen->Closed state
// machine, grounded directly on the teacher's concurrency.CircuitBreaker
// (concurrency/orchestrator.go), generalized here to guard an arbitrary
// operation name rather than a single agent.
type CircuitBreaker struct {
	mu sync.RWMutex

	maxFailures   int
	resetTimeout  time.Duration
	halfOpenTests int

	state            BreakerState
	failures         int
	lastFailureTime  time.Time
	consecutiveTests int
}

// NewCircuitBreaker builds a breaker that opens after maxFailures
// consecutive failures, waits resetTimeout before probing recovery, and
// requires halfOpenTests consecutive successes while half-open before
// closing again.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, halfOpenTests int) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if halfOpenTests <= 0 {
		halfOpenTests = 1
	}
	return &CircuitBreaker{
		maxFailures:   maxFailures,
		resetTimeout:  resetTimeout,
		halfOpenTests: halfOpenTests,
		state:         Closed,
	}
}

// CanExecute reports whether a call may proceed. An Open breaker whose
// resetTimeout has elapsed reports true so probe calls can go through; it
// does not limit how many callers pass, and it does not itself transition
// to HalfOpen — call TransitionToHalfOpen (or
// rely on Execute, which does it for you) to make that transition explicit
// and race-free.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case Closed, HalfOpen:
		return true
	case Open:
		return time.Since(cb.lastFailureTime) >= cb.resetTimeout
	default:
		return false
	}
}

// TransitionToHalfOpen moves an Open breaker whose reset timeout has
// elapsed into HalfOpen, returning whether the transition happened.
func (cb *CircuitBreaker) TransitionToHalfOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		cb.state = HalfOpen
		cb.consecutiveTests = 0
		return true
	}
	return false
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess(op string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.consecutiveTests++
		if cb.consecutiveTests >= cb.halfOpenTests {
			cb.state = Closed
			cb.failures = 0
			cb.consecutiveTests = 0
			if rtlog.InfoLog != nil {
				rtlog.InfoLog.Printf("retry: circuit %q closed after recovery", op)
			}
		}
	case Closed:
		cb.failures = 0
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure(op string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case Closed:
		if cb.failures >= cb.maxFailures {
			cb.state = Open
			if rtlog.WarningLog != nil {
				rtlog.WarningLog.Printf("retry: circuit %q opened after %d failures", op, cb.failures)
			}
		}
	case HalfOpen:
		cb.state = Open
		cb.consecutiveTests = 0
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("retry: circuit %q reopened during half-open probe", op)
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Registry keys circuit breakers by operation name, so distinct operations
// (e.g. "dispatch:agent-7" vs "webhook:pagerduty") fail independently
// instead of sharing one global breaker.
type Registry struct {
	mu       sync.Mutex
	maxFail  int
	reset    time.Duration
	halfOpen int
	breakers map[string]*CircuitBreaker
}

// NewRegistry builds a Registry whose breakers all share the same
// configuration. Breakers are created lazily on first use.
func NewRegistry(maxFailures int, resetTimeout time.Duration, halfOpenTests int) *Registry {
	return &Registry{
		maxFail:  maxFailures,
		reset:    resetTimeout,
		halfOpen: halfOpenTests,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for op, creating it if this is the first call for
// that operation name.
func (r *Registry) Get(op string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[op]
	if !ok {
		cb = NewCircuitBreaker(r.maxFail, r.reset, r.halfOpen)
		r.breakers[op] = cb
	}
	return cb
}
