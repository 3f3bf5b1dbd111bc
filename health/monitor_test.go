package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCheck struct {
	name   string
	status State
}

func (s *stubCheck) Name() string { return s.name }
func (s *stubCheck) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: s.status, Message: s.name + " result", Timestamp: time.Now()}
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSink) Name() string { return "recording" }
func (r *recordingSink) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}
func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestRegisterAgentAndCheckNow(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("agent-1", &stubCheck{name: "c1", status: StateHealthy}))

	status, err := m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, status)
}

func TestDoubleRegisterFails(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("agent-1"))
	err := m.RegisterAgent("agent-1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestCheckNowUnknownAgentFails(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	_, err := m.CheckNow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestAggregateStatusIsWorstOfChecks(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("agent-1",
		&stubCheck{name: "c1", status: StateHealthy},
		&stubCheck{name: "c2", status: StateDegraded},
	))

	status, err := m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, status)
}

func TestAlertFiresOnStatusChange(t *testing.T) {
	sink := &recordingSink{}
	m := NewMonitor(Config{CheckInterval: time.Hour, MaxConcurrentChecks: 4, AlertThrottle: 0})
	m.RegisterSink(sink)

	check := &stubCheck{name: "c1", status: StateHealthy}
	require.NoError(t, m.RegisterAgent("agent-1", check))

	_, err := m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	check.status = StateUnhealthy
	_, err = m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAlertThrottleSuppressesRepeats(t *testing.T) {
	sink := &recordingSink{}
	m := NewMonitor(Config{CheckInterval: time.Hour, MaxConcurrentChecks: 4, AlertThrottle: time.Hour})
	m.RegisterSink(sink)

	check := &stubCheck{name: "c1", status: StateHealthy}
	require.NoError(t, m.RegisterAgent("agent-1", check))
	_, _ = m.CheckNow(context.Background(), "agent-1")

	check.status = StateUnhealthy
	_, _ = m.CheckNow(context.Background(), "agent-1")
	check.status = StateHealthy
	_, _ = m.CheckNow(context.Background(), "agent-1")
	check.status = StateUnhealthy
	_, _ = m.CheckNow(context.Background(), "agent-1")

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, sink.count(), 3, "repeated unhealthy transitions within the throttle window should collapse")
}

type recoveryStub struct {
	executed atomic.Bool
	fail     bool
}

func (r *recoveryStub) Description() string { return "restart agent" }
func (r *recoveryStub) Execute(ctx context.Context) error {
	r.executed.Store(true)
	if r.fail {
		return errors.New("recovery failed")
	}
	return nil
}

func TestRecoveryActionRunsAfterMaxFailuresWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRecovery = true
	cfg.MaxFailures = 2
	cfg.RecoveryInterval = time.Hour
	m := NewMonitor(cfg)

	check := &stubCheck{name: "c1", status: StateUnhealthy}
	require.NoError(t, m.RegisterAgent("agent-1", check))

	recovery := &recoveryStub{}
	require.NoError(t, m.SetRecoveryAction("agent-1", recovery))

	_, err := m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.False(t, recovery.executed.Load(), "recovery must not fire before max_failures consecutive Unhealthy outcomes")

	_, err = m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return recovery.executed.Load() }, time.Second, 5*time.Millisecond)
}

func TestRecoveryActionDisabledByDefault(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	check := &stubCheck{name: "c1", status: StateUnhealthy}
	require.NoError(t, m.RegisterAgent("agent-1", check))

	recovery := &recoveryStub{}
	require.NoError(t, m.SetRecoveryAction("agent-1", recovery))

	for i := 0; i < 5; i++ {
		_, err := m.CheckNow(context.Background(), "agent-1")
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, recovery.executed.Load(), "EnableAutoRecovery defaults to false")
}

func TestRecoveryActionRespectsRecoveryInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRecovery = true
	cfg.MaxFailures = 1
	cfg.RecoveryInterval = time.Hour
	m := NewMonitor(cfg)

	check := &stubCheck{name: "c1", status: StateUnhealthy}
	require.NoError(t, m.RegisterAgent("agent-1", check))

	recovery := &recoveryStub{}
	require.NoError(t, m.SetRecoveryAction("agent-1", recovery))

	_, err := m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return recovery.executed.Load() }, time.Second, 5*time.Millisecond)

	recovery.executed.Store(false)
	_, err = m.CheckNow(context.Background(), "agent-1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, recovery.executed.Load(), "a second attempt within recovery_interval must not re-fire")
}

func TestHealthReportAggregatesAllAgents(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("a", &stubCheck{name: "c", status: StateHealthy}))
	require.NoError(t, m.RegisterAgent("b", &stubCheck{name: "c", status: StateDegraded}))

	_, _ = m.CheckNow(context.Background(), "a")
	_, _ = m.CheckNow(context.Background(), "b")

	report := m.HealthReport()
	assert.Equal(t, StateDegraded, report.Overall)
	assert.Equal(t, StateHealthy, report.Agents["a"].Status)
	assert.Equal(t, StateDegraded, report.Agents["b"].Status)
}

func TestHealthReportOverallDegradedWhenNotAllUnhealthy(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("a", &stubCheck{name: "c", status: StateHealthy}))
	require.NoError(t, m.RegisterAgent("b", &stubCheck{name: "c", status: StateHealthy}))
	require.NoError(t, m.RegisterAgent("c", &stubCheck{name: "c", status: StateUnhealthy}))

	_, _ = m.CheckNow(context.Background(), "a")
	_, _ = m.CheckNow(context.Background(), "b")
	_, _ = m.CheckNow(context.Background(), "c")

	report := m.HealthReport()
	assert.Equal(t, StateDegraded, report.Overall, "one unhealthy agent among healthy ones is Degraded, not Unhealthy")
}

func TestHealthReportOverallUnhealthyOnlyWhenAllUnhealthy(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("a", &stubCheck{name: "c", status: StateUnhealthy}))
	require.NoError(t, m.RegisterAgent("b", &stubCheck{name: "c", status: StateUnhealthy}))

	_, _ = m.CheckNow(context.Background(), "a")
	_, _ = m.CheckNow(context.Background(), "b")

	report := m.HealthReport()
	assert.Equal(t, StateUnhealthy, report.Overall)
}

func TestIsHealthyRequiresAllAgentsHealthy(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("a", &stubCheck{name: "c", status: StateHealthy}))
	_, _ = m.CheckNow(context.Background(), "a")
	assert.True(t, m.IsHealthy())

	require.NoError(t, m.RegisterAgent("b", &stubCheck{name: "c", status: StateUnhealthy}))
	_, _ = m.CheckNow(context.Background(), "b")
	assert.False(t, m.IsHealthy())
}

func TestUnregisterAgentRemovesFromReport(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	require.NoError(t, m.RegisterAgent("a", &stubCheck{name: "c", status: StateHealthy}))
	m.UnregisterAgent("a")
	m.UnregisterAgent("a") // idempotent

	report := m.HealthReport()
	_, ok := report.Agents["a"]
	assert.False(t, ok)
}
