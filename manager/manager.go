// Package manager implements the runtime's agent manager (spec §4.3): the
// registry that owns every Agent's lifecycle, feeds its capabilities and
// load into the scheduler's routing table, and runs the dispatch loop that
// turns scheduler assignments into HandleTask calls. Grounded on the
// teacher's concurrency.AgentOrchestrator/ManagedAgent
// (concurrency/orchestrator.go), generalized from wrapping a concrete
// session.Instance to wrapping the agent.Agent interface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/bus"
	"github.com/gitmind-dev/gitmind/retry"
	"github.com/gitmind-dev/gitmind/rtlog"
	"github.com/gitmind-dev/gitmind/scheduler"
	"github.com/gitmind-dev/gitmind/task"
)

var (
	ErrMaxAgentsReached  = errors.New("manager: max agents reached")
	ErrAlreadyRegistered = errors.New("manager: agent already registered")
	ErrUnknownAgent      = errors.New("manager: unknown agent")
	ErrInitializeFailed  = errors.New("manager: agent initialization failed")
)

// Config bounds the manager (spec §6: MaxAgents, AgentStartupTimeout,
// GracefulShutdownTimeout).
type Config struct {
	MaxAgents               int
	AgentStartupTimeout     time.Duration
	GracefulShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAgents:               32,
		AgentStartupTimeout:     30 * time.Second,
		GracefulShutdownTimeout: 15 * time.Second,
	}
}

// managedAgent wraps an agent.Agent with the manager's own lifecycle
// bookkeeping, grounded on the teacher's ManagedAgent
// (concurrency/orchestrator.go: state/createdAt/updatedAt/circuitBreaker
// fields), minus the circuit breaker — that concern now lives in the
// shared retry.Registry used by the scheduler/dispatch loop instead of
// being duplicated per agent.
type managedAgent struct {
	mu        sync.RWMutex
	impl      agent.Agent
	state     agent.LifecycleState
	createdAt time.Time
	updatedAt time.Time
}

func (m *managedAgent) getState() agent.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *managedAgent) setState(s agent.LifecycleState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.updatedAt = time.Now()
}

// SystemStatus is the manager's system_status() report.
type SystemStatus struct {
	Total       int
	ByState     map[string]int
	SchedulerStats scheduler.Stats
}

// Manager is the agent manager. The zero value is not usable; build one
// with New.
type Manager struct {
	cfg   Config
	sched *scheduler.Scheduler
	msgs  *bus.Bus

	mu     sync.RWMutex
	agents map[string]*managedAgent

	metrics  *Metrics
	executor *retry.Executor
}

// SetExecutor attaches a retry.Executor so every dispatched task runs under
// its retry schedule and per-operation circuit breaker (keyed by agent id),
// instead of a single direct HandleTask call. Must be set before
// RunDispatchLoop starts.
func (m *Manager) SetExecutor(e *retry.Executor) {
	m.executor = e
}

// New builds a Manager wired to sched (for routing-table updates and
// dispatch) and msgs (for per-agent inboxes); msgs may be nil if the
// collaboration orchestrator's message bus is not in use.
func New(cfg Config, sched *scheduler.Scheduler, msgs *bus.Bus) *Manager {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultConfig().MaxAgents
	}
	if cfg.AgentStartupTimeout <= 0 {
		cfg.AgentStartupTimeout = DefaultConfig().AgentStartupTimeout
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}
	return &Manager{
		cfg:    cfg,
		sched:  sched,
		msgs:   msgs,
		agents: make(map[string]*managedAgent),
	}
}

// Register adds a to the manager: initializes it (bounded by
// AgentStartupTimeout), installs its bus inbox, and publishes its
// capabilities to the scheduler's routing table.
func (m *Manager) Register(ctx context.Context, a agent.Agent) error {
	m.mu.Lock()
	if len(m.agents) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrMaxAgentsReached, m.cfg.MaxAgents)
	}
	if _, exists := m.agents[a.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.ID())
	}

	managed := &managedAgent{impl: a, state: agent.Initializing, createdAt: time.Now(), updatedAt: time.Now()}
	m.agents[a.ID()] = managed
	m.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.AgentStartupTimeout)
	defer cancel()

	if err := a.Initialize(initCtx); err != nil {
		managed.setState(agent.ErrorState)
		m.mu.Lock()
		delete(m.agents, a.ID())
		m.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrInitializeFailed, a.ID(), err)
	}

	managed.setState(agent.Idle)

	if m.msgs != nil {
		if _, err := m.msgs.Register(a.ID()); err != nil && rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("manager: bus registration for %s failed: %v", a.ID(), err)
		}
	}

	m.publishRoute(a)

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("manager: registered agent %s (%s)", a.ID(), a.Type())
	}
	return nil
}

func (m *Manager) publishRoute(a agent.Agent) {
	if m.sched == nil {
		return
	}
	metrics := a.Metrics()
	m.sched.UpdateAgent(scheduler.Candidate{
		ID:           a.ID(),
		Capabilities: a.Capabilities(),
		Load:         loadFromMetrics(metrics),
		Healthy:      true,
		Idle:         true,
		Score:        metrics.PerformanceScore(),
	})
}

func loadFromMetrics(m agent.Metrics) float64 {
	// A simple proxy for instantaneous load: error rate plus a small nudge
	// from recent response time, clamped to [0,1]. The scheduler only needs
	// a relative ordering across agents, not an absolute utilization figure.
	load := m.ErrorRate + m.AvgResponseTime.Seconds()/10.0
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

// Unregister gracefully shuts a down (bounded by GracefulShutdownTimeout),
// removes it from the scheduler's routing table and the message bus, and
// drops it from the registry. Idempotent: unregistering an unknown id
// returns ErrUnknownAgent but leaves no residual state either way.
func (m *Manager) Unregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	managed, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	managed.setState(agent.Shutting)

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.GracefulShutdownTimeout)
	defer cancel()

	err := managed.impl.Shutdown(shutdownCtx)
	managed.setState(agent.Shutdown)

	if m.sched != nil {
		if failed := m.sched.RemoveAgent(agentID); len(failed) > 0 && rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("manager: agent %s removed with %d in-flight task(s) failed: %v", agentID, len(failed), failed)
		}
	}
	if m.msgs != nil {
		m.msgs.Unregister(agentID)
	}

	if err != nil {
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("manager: agent %s shutdown error: %v", agentID, err)
		}
		return fmt.Errorf("manager: shutdown %s: %w", agentID, err)
	}

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("manager: unregistered agent %s", agentID)
	}
	return nil
}

// Dispatch submits t to the scheduler for eventual assignment. Actual
// execution happens in RunDispatchLoop; Dispatch only enqueues.
func (m *Manager) Dispatch(t *task.Task) error {
	if m.sched == nil {
		return errors.New("manager: no scheduler configured")
	}
	return m.sched.Submit(t)
}

// RunDispatchLoop repeatedly pulls the next ready assignment from the
// scheduler and runs it against the assigned agent, until ctx is done. It
// is meant to be run in its own goroutine; pollInterval controls how often
// ExecuteNext is retried when the queue is empty or no agent is eligible.
func (m *Manager) RunDispatchLoop(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry, agentID, ok := m.sched.ExecuteNext()
			if !ok {
				continue
			}
			go m.runOne(ctx, entry, agentID)
		}
	}
}

func (m *Manager) runOne(ctx context.Context, entry *task.LedgerEntry, agentID string) {
	m.mu.RLock()
	managed, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		_ = m.sched.Fail(entry.Task.ID, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID))
		return
	}

	if err := m.sched.MarkRunning(entry.Task.ID); err != nil {
		return
	}
	managed.setState(agent.Processing)

	runCtx := ctx
	var cancel context.CancelFunc
	if entry.Task.PerTaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, entry.Task.PerTaskTimeout)
		defer cancel()
	}

	at := agent.Task{ID: entry.Task.ID, Kind: string(entry.Task.Kind), Payload: entry.Task.Payload}

	var result agent.Result
	var taskErr error
	if m.executor != nil {
		res := m.executor.Execute(runCtx, agentID, retry.AlwaysRetryable, func(attemptCtx context.Context) (any, error) {
			r, err := managed.impl.HandleTask(attemptCtx, at)
			if err != nil {
				return nil, err
			}
			if !r.Success {
				if r.Error != nil {
					return nil, r.Error
				}
				return nil, fmt.Errorf("manager: agent %s reported failure for task %s", agentID, entry.Task.ID)
			}
			return r, nil
		})
		if res.Success {
			if r, ok := res.Value.(agent.Result); ok {
				result = r
			}
		} else {
			taskErr = res.Err
		}
	} else {
		result, taskErr = managed.impl.HandleTask(runCtx, at)
		if taskErr == nil && !result.Success {
			taskErr = result.Error
			if taskErr == nil {
				taskErr = fmt.Errorf("manager: agent %s reported failure for task %s", agentID, entry.Task.ID)
			}
		}
	}

	managed.setState(agent.Idle)
	m.publishRoute(managed.impl)

	if taskErr != nil {
		_ = m.sched.Fail(entry.Task.ID, taskErr)
		return
	}

	_ = m.sched.Complete(entry.Task.ID, &task.Result{
		TaskID:      entry.Task.ID,
		Success:     true,
		Payload:     result.Payload,
		AgentID:     agentID,
		CompletedAt: time.Now(),
	})
}

// HealthSweep runs a lightweight HealthCheck against every registered
// agent and reflects the result into the scheduler's routing table so an
// unhealthy agent stops receiving new assignments. It is distinct from the
// dedicated health monitor (package health), which runs deeper pluggable
// checks with alerting; this is the manager's own fast pass used between
// full sweeps.
func (m *Manager) HealthSweep(ctx context.Context) {
	m.mu.RLock()
	agents := make(map[string]*managedAgent, len(m.agents))
	for id, a := range m.agents {
		agents[id] = a
	}
	m.mu.RUnlock()

	for id, managed := range agents {
		state := managed.impl.HealthCheck(ctx)
		healthy := state == agent.HealthHealthy || state == agent.HealthDegraded

		if !healthy {
			managed.setState(agent.ErrorState)
		}

		if m.sched != nil {
			metrics := managed.impl.Metrics()
			m.sched.UpdateAgent(scheduler.Candidate{
				ID:           id,
				Capabilities: managed.impl.Capabilities(),
				Load:         loadFromMetrics(metrics),
				Healthy:      healthy,
				Idle:         managed.getState() == agent.Idle,
				Score:        metrics.PerformanceScore(),
			})
		}

		if !healthy && rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("manager: agent %s health check reported %s", id, state)
		}
	}
}

// SystemStatus reports the manager's view of every registered agent plus
// the scheduler's own stats.
func (m *Manager) SystemStatus() SystemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := SystemStatus{Total: len(m.agents), ByState: make(map[string]int)}
	for _, a := range m.agents {
		status.ByState[a.getState().String()]++
	}
	if m.sched != nil {
		status.SchedulerStats = m.sched.Stats()
	}
	if m.metrics != nil {
		m.metrics.refresh(status)
	}
	return status
}

// Shutdown gracefully tears down every registered agent concurrently,
// bounded overall by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = m.Unregister(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns a's lifecycle state, for callers (tests, health reporting)
// that need to observe it directly.
func (m *Manager) Get(agentID string) (agent.LifecycleState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	managed, ok := m.agents[agentID]
	if !ok {
		return agent.Uninitialized, false
	}
	return managed.getState(), true
}

// GetAgent returns the registered agent.Agent itself, for callers that need
// more than lifecycle state — the hot-swap manager's migration protocol in
// particular needs the concrete agent to type-assert for
// agent.StateMigratable.
func (m *Manager) GetAgent(agentID string) (agent.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	managed, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return managed.impl, true
}

// Has reports whether agentID is currently registered, without exposing
// lifecycle state or the agent itself.
func (m *Manager) Has(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}
