// Package scheduler implements the runtime's task scheduler (spec §4.2): a
// priority queue of pending tasks, pluggable agent-selection policies, and a
// janitor that sweeps expired tasks into TimedOut. Grounded on the teacher's
// concurrency.WorkerPool priority queue (concurrency/worker_pool.go) and
// concurrency.AgentOrchestrator's DistributeTask/selectAgent* dispatch loop
// (concurrency/orchestrator.go), generalized from a fixed worker pool to the
// capability-addressed, policy-pluggable scheduler the spec describes.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/retry"
	"github.com/gitmind-dev/gitmind/rtlog"
	"github.com/gitmind-dev/gitmind/task"
)

var (
	ErrQueueFull         = errors.New("scheduler: queue full")
	ErrUnknownTask       = errors.New("scheduler: unknown task")
	ErrInvalidTransition = errors.New("scheduler: invalid status transition")
	ErrAgentRemoved      = errors.New("scheduler: agent removed while task in flight")
)

// Config bounds the scheduler (spec §6: MaxQueueSize, MaxConcurrentTasksPerAgent).
type Config struct {
	MaxQueueSize               int
	MaxConcurrentTasksPerAgent int
	JanitorBaseInterval        time.Duration
	JanitorMaxInterval         time.Duration

	// SnapshotPath, if set, makes the janitor overwrite this file with the
	// current ledger on every sweep — a crash-visibility aid, not durable
	// storage: nothing ever reads it back in. Empty disables snapshotting.
	SnapshotPath string
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:               1000,
		MaxConcurrentTasksPerAgent: 4,
		JanitorBaseInterval:        time.Second,
		JanitorMaxInterval:         30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of scheduler state (spec's stats()).
type Stats struct {
	Pending   int
	Assigned  int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	TimedOut  int
	PerAgent  map[string]int // currently Assigned+Running, keyed by agent id
}

// Scheduler is the task scheduler. The zero value is not usable; build one
// with New.
type Scheduler struct {
	cfg    Config
	policy Policy

	mu      sync.Mutex
	pending *pendingQueue
	ledger  map[string]*task.LedgerEntry
	agents  map[string]Candidate
	inFlight map[string]int // agentID -> count of Assigned+Running tasks

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler using policy for agent selection (NewLeastLoadedPolicy
// if nil).
func New(cfg Config, policy Policy) *Scheduler {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.MaxConcurrentTasksPerAgent <= 0 {
		cfg.MaxConcurrentTasksPerAgent = DefaultConfig().MaxConcurrentTasksPerAgent
	}
	if cfg.JanitorBaseInterval <= 0 {
		cfg.JanitorBaseInterval = DefaultConfig().JanitorBaseInterval
	}
	if cfg.JanitorMaxInterval <= 0 {
		cfg.JanitorMaxInterval = DefaultConfig().JanitorMaxInterval
	}
	if policy == nil {
		policy = NewLeastLoadedPolicy()
	}

	return &Scheduler{
		cfg:      cfg,
		policy:   policy,
		pending:  newPendingQueue(),
		ledger:   make(map[string]*task.LedgerEntry),
		agents:   make(map[string]Candidate),
		inFlight: make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// SetPolicy swaps the agent-selection policy used by future ExecuteNext
// calls.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Submit enqueues t, returning ErrQueueFull if the scheduler is at MaxQueueSize.
func (s *Scheduler) Submit(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.len() >= s.cfg.MaxQueueSize {
		return fmt.Errorf("%w: %d", ErrQueueFull, s.cfg.MaxQueueSize)
	}

	entry := &task.LedgerEntry{Task: t, Status: task.StatusQueued}
	s.ledger[t.ID] = entry
	s.pending.push(entry)

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("scheduler: submitted task %s (kind=%s priority=%s)", t.ID, t.Kind, t.Priority)
	}
	return nil
}

// UpdateAgent upserts a candidate's routing snapshot, consulted by the next
// ExecuteNext call.
func (s *Scheduler) UpdateAgent(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[c.ID] = c
}

// RemoveAgent drops an agent from selection eligibility and fails every
// ledger entry still Assigned or Running against it (spec §4.3 I5), so I3
// (Σ inFlight = Assigned+Running) never transiently breaks between removal
// and whatever cleanup the caller runs next. Returns the ids of tasks it
// failed, for logging/observability.
func (s *Scheduler) RemoveAgent(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.agents, agentID)

	var failed []string
	cause := fmt.Errorf("%w: %s", ErrAgentRemoved, agentID)
	for _, e := range s.ledger {
		if e.AgentID != agentID || e.Status.IsTerminal() {
			continue
		}
		if !task.CanTransition(e.Status, task.StatusFailed) {
			continue
		}
		e.Status = task.StatusFailed
		e.CompletedAt = time.Now()
		e.Err = cause
		s.pending.remove(e.Task.ID)
		s.releaseLocked(e)
		failed = append(failed, e.Task.ID)
	}

	delete(s.inFlight, agentID)
	return failed
}

// ExecuteNext pops the highest-priority ready task and assigns it to an
// eligible agent chosen by the current Policy. If no eligible agent is
// available, the task is left at the head of the queue (not popped) and ok
// is false, so a later call can retry once agent state changes.
func (s *Scheduler) ExecuteNext() (entry *task.LedgerEntry, agentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	top, has := s.pending.peek()
	if !has {
		return nil, "", false
	}

	candidates := make([]Candidate, 0, len(s.agents))
	for id, c := range s.agents {
		c.Idle = c.Idle && s.inFlight[id] < s.cfg.MaxConcurrentTasksPerAgent
		candidates = append(candidates, c)
	}

	id, found := s.policy.Select(top.Task.Kind, candidates)
	if !found {
		top.NoCandidate = true
		return nil, "", false
	}

	popped, _ := s.pending.pop()
	popped.Status = task.StatusAssigned
	popped.AgentID = id
	popped.AssignedAt = time.Now()
	popped.NoCandidate = false
	s.inFlight[id]++

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("scheduler: assigned task %s to agent %s via %s", popped.Task.ID, id, s.policy.Name())
	}
	return popped, id, true
}

// MarkRunning transitions an Assigned task to Running.
func (s *Scheduler) MarkRunning(taskID string) error {
	return s.transition(taskID, task.StatusRunning, func(e *task.LedgerEntry) {
		e.StartedAt = time.Now()
	})
}

// Complete transitions a Running task to Completed and records result.
func (s *Scheduler) Complete(taskID string, result *task.Result) error {
	return s.transition(taskID, task.StatusCompleted, func(e *task.LedgerEntry) {
		e.CompletedAt = time.Now()
		e.Result = result
		s.releaseLocked(e)
	})
}

// Fail transitions a task to Failed, from Assigned or Running.
func (s *Scheduler) Fail(taskID string, cause error) error {
	return s.transition(taskID, task.StatusFailed, func(e *task.LedgerEntry) {
		e.CompletedAt = time.Now()
		e.Err = cause
		s.releaseLocked(e)
	})
}

// Cancel transitions taskID to Cancelled from any non-terminal state,
// removing it from the pending queue if it had not yet been assigned.
func (s *Scheduler) Cancel(taskID string) error {
	return s.transition(taskID, task.StatusCancelled, func(e *task.LedgerEntry) {
		e.CompletedAt = time.Now()
		s.pending.remove(taskID)
		s.releaseLocked(e)
	})
}

// releaseLocked frees the agent capacity slot a terminal task was holding.
// Caller must hold s.mu.
func (s *Scheduler) releaseLocked(e *task.LedgerEntry) {
	if e.AgentID == "" {
		return
	}
	if s.inFlight[e.AgentID] > 0 {
		s.inFlight[e.AgentID]--
	}
}

func (s *Scheduler) transition(taskID string, to task.Status, apply func(*task.LedgerEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if !task.CanTransition(entry.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
	}

	entry.Status = to
	apply(entry)
	return nil
}

// Get returns the ledger entry for taskID.
func (s *Scheduler) Get(taskID string) (*task.LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[taskID]
	return e, ok
}

// Stats returns a snapshot of the scheduler's current ledger composition.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{PerAgent: make(map[string]int, len(s.inFlight))}
	for _, e := range s.ledger {
		switch e.Status {
		case task.StatusQueued:
			stats.Pending++
		case task.StatusAssigned:
			stats.Assigned++
		case task.StatusRunning:
			stats.Running++
		case task.StatusCompleted:
			stats.Completed++
		case task.StatusFailed:
			stats.Failed++
		case task.StatusCancelled:
			stats.Cancelled++
		case task.StatusTimedOut:
			stats.TimedOut++
		}
	}
	for id, n := range s.inFlight {
		stats.PerAgent[id] = n
	}
	return stats
}

// RunJanitor launches the background timeout sweep. Its interval backs off
// (via strategy) after consecutive sweeps find nothing to time out, and
// resets to cfg.JanitorBaseInterval the moment a sweep does find an expired
// task — grounded on the teacher's ExponentialBackoff
// (concurrency/task_queue.go, generalized into retry.BackoffStrategy) used
// here for the sweep cadence instead of a retry delay.
func (s *Scheduler) RunJanitor(strategy retry.BackoffStrategy) {
	if strategy == nil {
		strategy = &retry.ExponentialBackoff{
			BaseDelay:  s.cfg.JanitorBaseInterval,
			MaxDelay:   s.cfg.JanitorMaxInterval,
			Multiplier: 2,
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		idleRounds := 0
		timer := time.NewTimer(s.cfg.JanitorBaseInterval)
		defer timer.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-timer.C:
				found := s.sweepExpired()
				s.writeSnapshot()
				if found > 0 {
					idleRounds = 0
					timer.Reset(s.cfg.JanitorBaseInterval)
				} else {
					idleRounds++
					timer.Reset(strategy.NextDelay(idleRounds))
				}
			}
		}
	}()
}

// StopJanitor ends the janitor goroutine and waits for it to exit.
func (s *Scheduler) StopJanitor() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) sweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, e := range s.ledger {
		if e.Status.IsTerminal() {
			continue
		}
		if !e.Task.IsExpired(now) {
			continue
		}
		if !task.CanTransition(e.Status, task.StatusTimedOut) {
			continue
		}

		e.Status = task.StatusTimedOut
		e.CompletedAt = now
		s.pending.remove(e.Task.ID)
		s.releaseLocked(e)
		count++

		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("scheduler: task %s timed out", e.Task.ID)
		}
	}
	return count
}
