// Package agent declares the contract the orchestration core depends on.
// It never implements a concrete agent — commit-message generation, code
// analysis, code review and the rest live outside this module as
// collaborators (see spec §1 and §6). Everything here exists only so the
// scheduler, manager, orchestrator and hot-swap manager can depend on an
// interface instead of a concrete type.
package agent

import (
	"context"
	"math"
	"time"
)

// Capability is a tag declaring what kind of task an agent can serve.
type Capability string

const (
	CapabilityCommitMessage   Capability = "commit_message"
	CapabilityCodeAnalysis    Capability = "code_analysis"
	CapabilityCodeReview      Capability = "code_review"
	CapabilitySemanticSearch  Capability = "semantic_search"
	CapabilityDocGen          Capability = "doc_gen"
	CapabilityRefactoring     Capability = "refactoring"
	CapabilityTestGen         Capability = "test_gen"
	CapabilityWorkflowAnalysis Capability = "workflow_analysis"
)

// CustomCapability builds a capability tag for a collaborator-defined kind
// that has no reserved constant above.
func CustomCapability(name string) Capability {
	return Capability("custom:" + name)
}

// CapabilitySet is a small set of capability tags.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// HasAll reports whether every capability in required is present in s.
func (s CapabilitySet) HasAll(required []Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// LifecycleState is one of the legal agent lifecycle states (spec §3).
type LifecycleState int

const (
	Uninitialized LifecycleState = iota
	Initializing
	Idle
	Processing
	ErrorState
	Shutting
	Shutdown
)

func (s LifecycleState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Idle:
		return "Idle"
	case Processing:
		return "Processing"
	case ErrorState:
		return "Error"
	case Shutting:
		return "Shutting"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// HealthState is the outcome of Agent.HealthCheck.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthShutdownState
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	case HealthShutdownState:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Metrics are the live measurements the runtime reads from an agent to
// compute load factor and feed selection policies.
type Metrics struct {
	TasksProcessed  int64
	AvgResponseTime time.Duration
	ErrorRate       float64 // [0,1]
	MemoryUsageMB   float64
	CPUUsagePercent float64
	LastActivity    time.Time
}

// PerformanceScore combines the metrics into the [0,1] score the
// capability-match selection policy uses (spec §4.2).
func (m Metrics) PerformanceScore() float64 {
	errorRate := m.ErrorRate
	if errorRate < 0 {
		errorRate = 0
	}
	if errorRate > 1 {
		errorRate = 1
	}

	responseFactor := 1.0 / (1.0 + m.AvgResponseTime.Seconds())

	experienceFactor := 1.0
	if m.TasksProcessed > 0 {
		experienceFactor = 1.0 + 0.1*math.Log(1+float64(m.TasksProcessed))
	}

	score := (1.0 - errorRate) * responseFactor * experienceFactor
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Task is the minimal shape an Agent needs to see of a unit of work. The
// full Task type with scheduling metadata lives in package task; this is
// the narrower slice an Agent actually consumes.
type Task struct {
	ID      string
	Kind    string
	Payload any
}

// Result is what an Agent hands back for a dispatched Task.
type Result struct {
	Success bool
	Payload any
	Error   error
}

// Agent is the contract every concrete worker (commit-message generator,
// code analyzer, reviewer, ...) implements. The orchestration core never
// depends on a concrete type, only on this interface.
type Agent interface {
	ID() string
	Name() string
	Type() string
	Version() string
	Capabilities() CapabilitySet

	Initialize(ctx context.Context) error
	HandleTask(ctx context.Context, task Task) (Result, error)
	HealthCheck(ctx context.Context) HealthState
	Shutdown(ctx context.Context) error

	Metrics() Metrics
	CanHandle(task Task) bool
}

// Creator constructs and validates agents from a factory value. Factory is
// left as `any` because concrete factory shapes belong to collaborators
// (e.g. "spawn a commit-message agent against model X"); the core only
// needs to create, validate and enumerate them.
type Creator interface {
	CreateAgent(ctx context.Context, factory any) (Agent, error)
	ValidateFactory(factory any) error
	SupportedTypes() []string
}

// StateMigratable is implemented by agents that support hot-swap state
// migration (spec §4.5.1). Agents that don't need migration simply don't
// implement it; the hot-swap manager type-asserts for it.
type StateMigratable interface {
	SerializeState(ctx context.Context) ([]byte, error)
	DeserializeState(ctx context.Context, blob []byte) error
	EssentialStateKeys() []string
}
