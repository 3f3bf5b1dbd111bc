package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/bus"
	"github.com/gitmind-dev/gitmind/scheduler"
	"github.com/gitmind-dev/gitmind/task"
)

type stubAgent struct {
	id     string
	caps   agent.CapabilitySet
	health agent.HealthState

	mu          sync.Mutex
	initErr     error
	handleErr   error
	handleDelay time.Duration
	shutdownErr error
	handled     int32
}

func newStubAgent(id string, caps ...agent.Capability) *stubAgent {
	return &stubAgent{id: id, caps: agent.NewCapabilitySet(caps...), health: agent.HealthHealthy}
}

func (s *stubAgent) ID() string                     { return s.id }
func (s *stubAgent) Name() string                   { return s.id }
func (s *stubAgent) Type() string                   { return "stub" }
func (s *stubAgent) Version() string                { return "v0" }
func (s *stubAgent) Capabilities() agent.CapabilitySet { return s.caps }

func (s *stubAgent) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

func (s *stubAgent) HandleTask(ctx context.Context, t agent.Task) (agent.Result, error) {
	atomic.AddInt32(&s.handled, 1)
	if s.handleDelay > 0 {
		select {
		case <-time.After(s.handleDelay):
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		}
	}
	s.mu.Lock()
	err := s.handleErr
	s.mu.Unlock()
	if err != nil {
		return agent.Result{Success: false, Error: err}, nil
	}
	return agent.Result{Success: true, Payload: "ok"}, nil
}

func (s *stubAgent) HealthCheck(ctx context.Context) agent.HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *stubAgent) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownErr
}

func (s *stubAgent) Metrics() agent.Metrics {
	return agent.Metrics{LastActivity: time.Now()}
}

func (s *stubAgent) CanHandle(t agent.Task) bool { return true }

func (s *stubAgent) handledCount() int {
	return int(atomic.LoadInt32(&s.handled))
}

func newTestManager() (*Manager, *scheduler.Scheduler, *bus.Bus) {
	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.NewLeastLoadedPolicy())
	msgs := bus.New(8)
	m := New(DefaultConfig(), sched, msgs)
	return m, sched, msgs
}

func TestRegisterInitializesAndPublishesRoute(t *testing.T) {
	m, sched, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)

	require.NoError(t, m.Register(context.Background(), a))

	state, ok := m.Get("a1")
	require.True(t, ok)
	assert.Equal(t, agent.Idle, state)

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))
	_, agentID, ok := sched.ExecuteNext()
	require.True(t, ok)
	assert.Equal(t, "a1", agentID)
}

func TestRegisterFailsWhenAlreadyRegistered(t *testing.T) {
	m, _, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	require.NoError(t, m.Register(context.Background(), a))

	err := m.Register(context.Background(), newStubAgent("a1", agent.CapabilityCodeReview))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterFailsWhenMaxAgentsReached(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAgents = 1
	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.NewLeastLoadedPolicy())
	m := New(cfg, sched, nil)

	require.NoError(t, m.Register(context.Background(), newStubAgent("a1", agent.CapabilityCodeReview)))
	err := m.Register(context.Background(), newStubAgent("a2", agent.CapabilityCodeReview))
	assert.ErrorIs(t, err, ErrMaxAgentsReached)
}

func TestRegisterPropagatesInitializeFailure(t *testing.T) {
	m, _, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	a.initErr = assert.AnError

	err := m.Register(context.Background(), a)
	assert.ErrorIs(t, err, ErrInitializeFailed)

	_, ok := m.Get("a1")
	assert.False(t, ok, "a failed registration must not leave a residual entry")
}

func TestUnregisterShutsDownAndClearsScheduler(t *testing.T) {
	m, sched, msgs := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	require.NoError(t, m.Register(context.Background(), a))

	require.NoError(t, m.Unregister(context.Background(), "a1"))

	_, ok := m.Get("a1")
	assert.False(t, ok)

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))
	_, _, ok = sched.ExecuteNext()
	assert.False(t, ok, "removed agent must not receive new assignments")

	assert.Equal(t, 0, msgs.Stats().Registered, "unregister must have torn down a1's bus inbox")
}

func TestUnregisterUnknownAgentFails(t *testing.T) {
	m, _, _ := newTestManager()
	err := m.Unregister(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRunDispatchLoopExecutesAssignedTasks(t *testing.T) {
	m, sched, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	require.NoError(t, m.Register(context.Background(), a))

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunDispatchLoop(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		entry, ok := sched.Get(tk.ID)
		return ok && entry.Status == task.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, a.handledCount())
}

func TestRunDispatchLoopFailsTaskOnAgentError(t *testing.T) {
	m, sched, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	a.handleErr = assert.AnError
	require.NoError(t, m.Register(context.Background(), a))

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunDispatchLoop(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		entry, ok := sched.Get(tk.ID)
		return ok && entry.Status == task.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestHealthSweepMarksUnhealthyAgentIneligible(t *testing.T) {
	m, sched, _ := newTestManager()
	a := newStubAgent("a1", agent.CapabilityCodeReview)
	require.NoError(t, m.Register(context.Background(), a))

	a.mu.Lock()
	a.health = agent.HealthUnhealthy
	a.mu.Unlock()

	m.HealthSweep(context.Background())

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))
	_, _, ok := sched.ExecuteNext()
	assert.False(t, ok, "unhealthy agent must not receive new assignments")
}

func TestSystemStatusAggregatesAgentsAndSchedulerStats(t *testing.T) {
	m, sched, _ := newTestManager()
	require.NoError(t, m.Register(context.Background(), newStubAgent("a1", agent.CapabilityCodeReview)))
	require.NoError(t, m.Register(context.Background(), newStubAgent("a2", agent.CapabilityCodeReview)))

	tk := task.New(agent.CapabilityCodeReview, task.PriorityNormal, 0, nil)
	require.NoError(t, sched.Submit(tk))

	status := m.SystemStatus()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.ByState["Idle"])
	assert.Equal(t, 1, status.SchedulerStats.Pending)
}

func TestShutdownTearsDownEveryAgent(t *testing.T) {
	m, _, _ := newTestManager()
	require.NoError(t, m.Register(context.Background(), newStubAgent("a1", agent.CapabilityCodeReview)))
	require.NoError(t, m.Register(context.Background(), newStubAgent("a2", agent.CapabilityCodeReview)))

	require.NoError(t, m.Shutdown(context.Background()))

	status := m.SystemStatus()
	assert.Equal(t, 0, status.Total)
}
