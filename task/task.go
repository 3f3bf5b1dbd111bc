// Package task defines the immutable unit of work the scheduler queues
// and the agent manager dispatches, along with its status ledger. Grounded
// on the teacher's concurrency.Task/TaskResult and concurrency.QueueTask
// (concurrency/orchestrator.go, concurrency/task_queue.go), generalized to
// the capability-addressed, ledgered shape spec.md §3 describes.
package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/gitmind-dev/gitmind/agent"
)

// Priority orders tasks in the scheduler's queue: higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Task is immutable once submitted (spec §3). Kind is the capability tag
// the scheduler matches against registered agents.
type Task struct {
	ID             string
	Kind           agent.Capability
	Priority       Priority
	SubmitTime     time.Time
	Deadline       *time.Time
	PerTaskTimeout time.Duration
	Payload        any
}

// New builds a Task with a generated ID and SubmitTime set to now.
func New(kind agent.Capability, priority Priority, timeout time.Duration, payload any) *Task {
	return &Task{
		ID:             uuid.NewString(),
		Kind:           kind,
		Priority:       priority,
		SubmitTime:     time.Now(),
		PerTaskTimeout: timeout,
		Payload:        payload,
	}
}

// WithDeadline sets an explicit deadline, overriding the submit+timeout
// default used by IsExpired.
func (t *Task) WithDeadline(d time.Time) *Task {
	t.Deadline = &d
	return t
}

// IsExpired implements spec.md's `is_expired() = now > deadline ?? submit_time+timeout`.
func (t *Task) IsExpired(now time.Time) bool {
	if t.Deadline != nil {
		return now.After(*t.Deadline)
	}
	if t.PerTaskTimeout <= 0 {
		return false
	}
	return now.After(t.SubmitTime.Add(t.PerTaskTimeout))
}

// Status is the task's position in the monotone ledger state machine
// (spec §3 I4): Queued -> Assigned -> Running -> {Completed|Failed|TimedOut},
// with Cancelled reachable from any non-terminal state.
type Status int

const (
	StatusQueued Status = iota
	StatusAssigned
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusAssigned:
		return "Assigned"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is a terminal ledger state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// legalSuccessors enforces I4: only these forward transitions are allowed,
// plus Cancelled from any non-terminal state.
var legalSuccessors = map[Status][]Status{
	StatusQueued:   {StatusAssigned, StatusCancelled, StatusTimedOut},
	StatusAssigned: {StatusRunning, StatusCancelled, StatusFailed, StatusTimedOut},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
}

// CanTransition reports whether from->to is a legal ledger move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, s := range legalSuccessors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Result is what an agent hands back for a dispatched task (spec §3).
type Result struct {
	TaskID      string
	Success     bool
	Payload     any
	Error       error
	Duration    time.Duration
	AgentID     string
	CompletedAt time.Time
}

// LedgerEntry is the scheduler's record for a single submitted task: its
// current status plus enough bookkeeping to answer `system_status` and
// enforce I2/I3 without re-deriving everything from the priority queue.
type LedgerEntry struct {
	Task        *Task
	Status      Status
	AgentID     string
	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *Result
	Err         error
	NoCandidate bool
}
