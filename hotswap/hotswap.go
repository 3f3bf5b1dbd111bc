// Package hotswap implements the hot-swap manager (spec §4.5): add,
// remove, replace, update, or restart agents while the system serves
// traffic, with an optional state-migration protocol for Replace.
// Grounded on the teacher's concurrency.WorkerPool priority queue
// (container/heap, concurrency/worker_pool.go) for request ordering and
// concurrency.AgentOrchestrator's AddAgent/RemoveAgent
// (concurrency/orchestrator.go) for the install/extract-under-lock shape,
// with the migration codec adapted from registry.MarshalInstanceWithType
// (see migration.go).
package hotswap

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/manager"
	"github.com/gitmind-dev/gitmind/rtlog"
)

func newRequestID() string { return uuid.NewString() }

// Operation is one of the hot-swap operation kinds (spec §4.5).
type Operation string

const (
	OpAdd     Operation = "add"
	OpRemove  Operation = "remove"
	OpReplace Operation = "replace"
	OpUpdate  Operation = "update"
	OpRestart Operation = "restart"
)

var (
	ErrInvalidRequest   = errors.New("hotswap: invalid request")
	ErrAgentExists      = errors.New("hotswap: agent already exists")
	ErrAgentNotFound    = errors.New("hotswap: agent not found")
	ErrUpdateReserved   = errors.New("hotswap: update is reserved, not implemented")
	ErrUnknownOperation = errors.New("hotswap: unknown operation")
	ErrQueueFull        = errors.New("hotswap: request queue full")
)

// Status is a hot-swap request's terminal outcome (spec §4.5).
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusTimedOut
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	case StatusTimedOut:
		return "TimedOut"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Request is a hot-swap request (spec §4.5). TargetID is required for
// Remove/Update/Restart, Factory for Add/Replace/Restart, both for Replace.
type Request struct {
	Operation        Operation
	TargetID         string
	Factory          any
	Graceful         bool
	TimeoutOverride  time.Duration
	Priority         int
	MigrationStrategy Strategy
	PartialKeys       []string
	CustomBlob        []byte
}

func (r Request) validate() error {
	switch r.Operation {
	case OpAdd:
		if r.Factory == nil {
			return fmt.Errorf("%w: add requires a factory", ErrInvalidRequest)
		}
	case OpRemove, OpUpdate, OpRestart:
		if r.TargetID == "" {
			return fmt.Errorf("%w: %s requires a target id", ErrInvalidRequest, r.Operation)
		}
		if r.Operation == OpRestart && r.Factory == nil {
			return fmt.Errorf("%w: restart requires a factory", ErrInvalidRequest)
		}
	case OpReplace:
		if r.TargetID == "" || r.Factory == nil {
			return fmt.Errorf("%w: replace requires both a target id and a factory", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOperation, r.Operation)
	}
	return nil
}

// Result is a completed hot-swap request's outcome (spec §4.5).
type Result struct {
	RequestID string
	Operation Operation
	Status    Status
	NewID     string
	Migration *MigrationOutcome
	Errors    []string
}

// Config bounds the hot-swap manager (spec §6).
type Config struct {
	MaxConcurrentOperations int
	InitializationTimeout   time.Duration
	GracefulShutdownTimeout time.Duration
	MaxQueueSize            int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentOperations: 4,
		InitializationTimeout:   30 * time.Second,
		GracefulShutdownTimeout: 15 * time.Second,
		MaxQueueSize:            256,
	}
}

// pendingRequest is one item in the priority queue.
type pendingRequest struct {
	id       string
	req      Request
	seq      int
	index    int
	resultCh chan Result
}

type requestHeap []*pendingRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *requestHeap) Push(x any) {
	pr := x.(*pendingRequest)
	pr.index = len(*h)
	*h = append(*h, pr)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Manager is the hot-swap manager. The zero value is not usable; build one
// with New.
type Manager struct {
	cfg     Config
	agents  *manager.Manager
	creator agent.Creator

	mu      sync.Mutex
	queue   requestHeap
	seq     int
	sem     chan struct{}
	results map[string]Result
	wg      sync.WaitGroup
}

// New builds a Manager that installs/removes agents through agents and
// creates new ones through creator.
func New(cfg Config, agents *manager.Manager, creator agent.Creator) *Manager {
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = DefaultConfig().MaxConcurrentOperations
	}
	if cfg.InitializationTimeout <= 0 {
		cfg.InitializationTimeout = DefaultConfig().InitializationTimeout
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	return &Manager{
		cfg:     cfg,
		agents:  agents,
		creator: creator,
		sem:     make(chan struct{}, cfg.MaxConcurrentOperations),
		results: make(map[string]Result),
	}
}

// Submit validates req synchronously (spec §4.5: "request-validity ... is
// checked synchronously on submit") and enqueues it for asynchronous
// execution, returning a request id immediately.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	id := newRequestID()
	pr := &pendingRequest{id: id, req: req, resultCh: make(chan Result, 1)}

	m.mu.Lock()
	if len(m.queue) >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	m.seq++
	pr.seq = m.seq
	heap.Push(&m.queue, pr)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx, pr)

	return id, nil
}

// worker waits for a semaphore slot, then pops the highest-priority ready
// request off the queue and executes it. It does not necessarily execute
// the request it was spawned for — a higher-priority request submitted
// later can jump the queue and be popped by an earlier worker's semaphore
// slot instead. This is safe because every Submit pushes its request onto
// the queue (synchronously, before spawning its worker) and every worker
// pops exactly once: the number of live-or-pending workers at any instant
// never exceeds the number of un-popped queue entries, so a worker that
// has acquired a semaphore slot always finds at least one entry to pop.
func (m *Manager) worker(ctx context.Context, self *pendingRequest) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.storeResult(self.id, self.req.Operation, Result{RequestID: self.id, Operation: self.req.Operation, Status: StatusCancelled, Errors: []string{ctx.Err().Error()}})
		return
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("hotswap: worker found an empty queue, this indicates a scheduling bug")
		}
		return
	}
	next := heap.Pop(&m.queue).(*pendingRequest)
	m.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	timeout := next.req.TimeoutOverride
	if timeout <= 0 {
		timeout = m.cfg.InitializationTimeout
	}
	runCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	result := m.execute(runCtx, next.req)
	result.RequestID = next.id

	m.storeResult(next.id, next.req.Operation, result)
}

func (m *Manager) storeResult(id string, op Operation, result Result) {
	m.mu.Lock()
	m.results[id] = result
	m.mu.Unlock()

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("hotswap: request %s (%s) finished status=%s", id, op, result.Status)
	}
}

// Result returns a previously submitted request's outcome, if it has
// finished.
func (m *Manager) Result(requestID string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[requestID]
	return r, ok
}

func (m *Manager) execute(ctx context.Context, req Request) Result {
	switch req.Operation {
	case OpAdd:
		return m.executeAdd(ctx, req)
	case OpRemove:
		return m.executeRemove(ctx, req)
	case OpReplace:
		return m.executeReplace(ctx, req)
	case OpRestart:
		return m.executeRestart(ctx, req)
	case OpUpdate:
		// reserved: implementations may no-op with a clear "not implemented"
		// status (spec §4.5).
		return Result{Operation: OpUpdate, Status: StatusFailed, Errors: []string{ErrUpdateReserved.Error()}}
	default:
		return Result{Operation: req.Operation, Status: StatusFailed, Errors: []string{ErrUnknownOperation.Error()}}
	}
}

func (m *Manager) executeAdd(ctx context.Context, req Request) Result {
	if m.creator == nil {
		return fail(req.Operation, errors.New("hotswap: no agent creator configured"))
	}
	if err := m.creator.ValidateFactory(req.Factory); err != nil {
		return fail(req.Operation, err)
	}

	newAgent, err := m.creator.CreateAgent(ctx, req.Factory)
	if err != nil {
		return fail(req.Operation, err)
	}

	if m.agents.Has(newAgent.ID()) {
		return fail(req.Operation, fmt.Errorf("%w: %s", ErrAgentExists, newAgent.ID()))
	}

	if err := m.agents.Register(ctx, newAgent); err != nil {
		return fail(req.Operation, err)
	}

	return Result{Operation: req.Operation, Status: StatusSucceeded, NewID: newAgent.ID()}
}

func (m *Manager) executeRemove(ctx context.Context, req Request) Result {
	if !m.agents.Has(req.TargetID) {
		return fail(req.Operation, fmt.Errorf("%w: %s", ErrAgentNotFound, req.TargetID))
	}

	removeCtx := ctx
	var cancel context.CancelFunc
	if req.Graceful {
		removeCtx, cancel = context.WithTimeout(ctx, m.cfg.GracefulShutdownTimeout)
		defer cancel()
	}

	if err := m.agents.Unregister(removeCtx, req.TargetID); err != nil {
		return fail(req.Operation, err)
	}
	return Result{Operation: req.Operation, Status: StatusSucceeded}
}

// executeReplace creates the new agent first (no traffic cut yet), migrates
// state into it if requested while the old agent is still installed, then
// unregisters the old agent and installs the new one under the same id as
// the old one (the Open Question resolution recorded in DESIGN.md) — spec
// §4.5. The old agent is not taken out of service before migration, so
// state it changes after SerializeState is not carried over.
func (m *Manager) executeReplace(ctx context.Context, req Request) Result {
	if m.creator == nil {
		return fail(req.Operation, errors.New("hotswap: no agent creator configured"))
	}

	oldAgent, ok := m.agents.GetAgent(req.TargetID)
	if !ok {
		return fail(req.Operation, fmt.Errorf("%w: %s", ErrAgentNotFound, req.TargetID))
	}

	if err := m.creator.ValidateFactory(req.Factory); err != nil {
		return fail(req.Operation, err)
	}
	newAgent, err := m.creator.CreateAgent(ctx, req.Factory)
	if err != nil {
		return fail(req.Operation, err)
	}

	var migrationOutcome *MigrationOutcome
	if req.MigrationStrategy != "" && req.MigrationStrategy != StrategyNone {
		outcome, err := migrate(ctx, oldAgent, newAgent, req.MigrationStrategy, req.PartialKeys, req.CustomBlob)
		if err != nil {
			// transactional: abandon the new agent, leave the old one installed.
			_ = newAgent.Shutdown(ctx)
			return fail(req.Operation, fmt.Errorf("migration failed: %w", err))
		}
		migrationOutcome = outcome
	}

	removeCtx, cancel := context.WithTimeout(ctx, m.cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := m.agents.Unregister(removeCtx, req.TargetID); err != nil {
		_ = newAgent.Shutdown(ctx)
		return fail(req.Operation, fmt.Errorf("could not remove old agent: %w", err))
	}

	newAgent = &idOverrideAgent{Agent: newAgent, id: req.TargetID}
	if err := m.agents.Register(ctx, newAgent); err != nil {
		return fail(req.Operation, fmt.Errorf("old agent removed but new agent failed to install: %w", err))
	}

	return Result{Operation: req.Operation, Status: StatusSucceeded, NewID: req.TargetID, Migration: migrationOutcome}
}

// executeRestart is Remove followed by Add with the same factory/id (spec
// §4.5).
func (m *Manager) executeRestart(ctx context.Context, req Request) Result {
	removeResult := m.executeRemove(ctx, Request{Operation: OpRemove, TargetID: req.TargetID, Graceful: req.Graceful})
	if removeResult.Status != StatusSucceeded {
		return Result{Operation: req.Operation, Status: removeResult.Status, Errors: removeResult.Errors}
	}

	addResult := m.executeAdd(ctx, Request{Operation: OpAdd, Factory: req.Factory})
	if addResult.Status != StatusSucceeded {
		return Result{Operation: req.Operation, Status: addResult.Status, Errors: addResult.Errors}
	}
	return Result{Operation: req.Operation, Status: StatusSucceeded, NewID: addResult.NewID}
}

func fail(op Operation, err error) Result {
	return Result{Operation: op, Status: StatusFailed, Errors: []string{err.Error()}}
}

// idOverrideAgent wraps a freshly created agent.Agent to report id instead
// of its own generated id, so Replace can install it under the old agent's
// id without requiring every agent.Creator implementation to support
// id injection. SerializeState/DeserializeState/EssentialStateKeys are
// forwarded explicitly (rather than relying on embedding's method
// promotion, which only promotes agent.Agent's own methods) so a
// previously replaced agent remains eligible as the source of a later
// Replace's state migration.
type idOverrideAgent struct {
	agent.Agent
	id string
}

func (a *idOverrideAgent) ID() string { return a.id }

func (a *idOverrideAgent) SerializeState(ctx context.Context) ([]byte, error) {
	m, ok := a.Agent.(agent.StateMigratable)
	if !ok {
		return nil, fmt.Errorf("hotswap: wrapped agent %s does not support state migration", a.id)
	}
	return m.SerializeState(ctx)
}

func (a *idOverrideAgent) DeserializeState(ctx context.Context, blob []byte) error {
	m, ok := a.Agent.(agent.StateMigratable)
	if !ok {
		return fmt.Errorf("hotswap: wrapped agent %s does not support state migration", a.id)
	}
	return m.DeserializeState(ctx, blob)
}

func (a *idOverrideAgent) EssentialStateKeys() []string {
	m, ok := a.Agent.(agent.StateMigratable)
	if !ok {
		return nil
	}
	return m.EssentialStateKeys()
}
