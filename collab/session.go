// Package collab implements the collaboration orchestrator (spec §4.4):
// multi-agent workflows driven over the Agent interface, one session per
// request. Grounded on the teacher's orchestrator/client.go request
// lifecycle logging convention and concurrency.AgentOrchestrator's
// fan-out/collect loop (concurrency/orchestrator.go), generalized from a
// single-task dispatch loop to the session/stage/contribution shape
// spec.md §3 and §4.4 describe.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind is a collaboration workflow kind (spec §3/§4.4).
type Kind string

const (
	KindSequential Kind = "sequential"
	KindParallel   Kind = "parallel"
	KindPipeline   Kind = "pipeline"
	KindConsensus  Kind = "consensus"
	// KindReview and KindResearch are reserved: spec.md §4.4 and §9 leave
	// their policy abstract. StartSession accepts them but resolves
	// immediately to StateFailed with ErrKindNotImplemented, matching the
	// teacher's own "Update: reserved, not implemented" convention used by
	// the hot-swap manager's Update operation.
	KindReview   Kind = "review"
	KindResearch Kind = "research"
)

// State is a CollaborationSession's lifecycle state (spec §3).
type State int

const (
	StateInitializing State = iota
	StateInProgress
	StateWaitingValidation
	StateCompleted
	StateFailed
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateInProgress:
		return "InProgress"
	case StateWaitingValidation:
		return "WaitingValidation"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

func (s State) isTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// ContributionStatus is the outcome of one agent's contribution to a
// session.
type ContributionStatus int

const (
	ContributionSucceeded ContributionStatus = iota
	ContributionFailed
)

// Contribution is what agent.process_collaboration_task returns (spec
// §4.4). A failing contribution has Status=ContributionFailed, an empty
// Payload, and populated Errors.
type Contribution struct {
	AgentID    string
	Payload    any
	Confidence float64 // [0,1]
	Duration   time.Duration
	Status     ContributionStatus
	Errors     []string
}

// QualityRequirements gates validation and consensus behavior (spec §3).
type QualityRequirements struct {
	MinConfidence   float64
	MinConsensus    float64
	MaxResponseTime time.Duration
	ValidationSteps []ValidationStep
}

// ValidationStep nominates a validator agent to check one contribution.
type ValidationStep struct {
	Name        string
	ValidatorID string
	Required    bool
}

// Session is a CollaborationSession (spec §3).
type Session struct {
	ID                  string
	Kind                Kind
	Participants        []string
	Context             any
	QualityRequirements QualityRequirements
	Contributions       map[string]Contribution
	ValidationResults   map[string]bool
	Stage               int
	State               State
	Priority            int
	CreatedAt           time.Time
	CompletedAt         time.Time // zero unless State is terminal (I6)
	Result              any
	ConsensusScore      float64
	Err                 error
}

func newSession(kind Kind, participants []string, ctx any, qr QualityRequirements, priority int) *Session {
	return &Session{
		ID:                  uuid.NewString(),
		Kind:                kind,
		Participants:        participants,
		Context:             ctx,
		QualityRequirements: qr,
		Contributions:       make(map[string]Contribution),
		ValidationResults:   make(map[string]bool),
		State:               StateInitializing,
		Priority:            priority,
		CreatedAt:           time.Now(),
	}
}

func (s *Session) finish(state State, result any, err error) {
	s.State = state
	s.Result = result
	s.Err = err
	s.CompletedAt = time.Now() // I6: set iff state is terminal, and every caller of finish uses a terminal state
}

var (
	ErrKindNotImplemented  = errors.New("collab: collaboration kind not implemented")
	ErrNoParticipants      = errors.New("collab: session requires at least one participant")
	ErrUnknownSession      = errors.New("collab: unknown session")
	ErrQueueFull           = errors.New("collab: session queue full")
	ErrConsensusNotReached = errors.New("collab: consensus not reached")
)

// Collaborator is the subset of agent.Agent the orchestrator invokes
// during a session. Concrete agents implement both Collaborator and
// agent.Agent; the orchestrator only depends on this narrower slice.
type Collaborator interface {
	ID() string
	ProcessCollaborationTask(ctx context.Context, request any, sessionContext any) (Contribution, error)
	ValidateContribution(ctx context.Context, contribution Contribution, sessionContext any) (bool, error)
}

// Registry resolves a participant id to a Collaborator, so the
// orchestrator never depends on how agents are looked up (manager,
// static map, test double).
type Registry interface {
	Get(agentID string) (Collaborator, bool)
}

// MapRegistry is a Registry backed by a plain map, handy for tests and
// small deployments that don't need the full agent manager.
type MapRegistry map[string]Collaborator

func (r MapRegistry) Get(agentID string) (Collaborator, bool) {
	c, ok := r[agentID]
	return c, ok
}
