package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/rtlog"
)

// Config bounds the orchestrator (spec §6: MaxConcurrentSessions).
type Config struct {
	MaxConcurrentSessions int
	MaxQueuedSessions     int
}

func DefaultConfig() Config {
	return Config{MaxConcurrentSessions: 8, MaxQueuedSessions: 256}
}

type queuedRequest struct {
	req      StartRequest
	priority int
	seq      int
	done     chan *Session
}

// Orchestrator runs collaboration sessions, grounded on
// concurrency.AgentOrchestrator's fan-out/collect loop
// (concurrency/orchestrator.go), generalized to the session/stage/
// contribution shape spec.md §3/§4.4 describe. The zero value is not
// usable; build one with New.
type Orchestrator struct {
	cfg      Config
	registry Registry

	mu       sync.Mutex
	active   int
	queue    []*queuedRequest
	seq      int
	sessions map[string]*Session
}

// New builds an Orchestrator resolving participant ids through registry.
func New(cfg Config, registry Registry) *Orchestrator {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultConfig().MaxConcurrentSessions
	}
	if cfg.MaxQueuedSessions <= 0 {
		cfg.MaxQueuedSessions = DefaultConfig().MaxQueuedSessions
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		sessions: make(map[string]*Session),
	}
}

// StartRequest is the input to StartSession.
type StartRequest struct {
	Kind                Kind
	Participants        []string
	Input               any
	QualityRequirements QualityRequirements
	Priority            int
	Timeout             time.Duration
}

// StartSession runs a collaboration session synchronously (it blocks the
// caller, but the orchestrator internally serializes against
// MaxConcurrentSessions with FIFO-by-priority queueing for callers beyond
// that bound) and returns the finished Session.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (*Session, error) {
	if len(req.Participants) == 0 && req.Kind != KindReview && req.Kind != KindResearch {
		return nil, ErrNoParticipants
	}

	admission, err := o.admit(req)
	if err != nil {
		return nil, err
	}
	defer o.release()

	<-admission // wait for our turn, if queued

	session := newSession(req.Kind, req.Participants, req.Input, req.QualityRequirements, req.Priority)
	o.mu.Lock()
	o.sessions[session.ID] = session
	o.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	o.run(runCtx, session)
	return session, nil
}

// admit takes a concurrency slot if one is free, or else queues the caller
// (FIFO-by-priority, see release) past MaxConcurrentSessions. It does not
// block: it returns a channel that is closed once this caller may proceed
// (already closed when a slot was free), and the caller waits on it.
func (o *Orchestrator) admit(req StartRequest) (<-chan struct{}, error) {
	ready := make(chan struct{})

	o.mu.Lock()
	if o.active < o.cfg.MaxConcurrentSessions {
		o.active++
		o.mu.Unlock()
		close(ready)
		return ready, nil
	}
	if len(o.queue) >= o.cfg.MaxQueuedSessions {
		o.mu.Unlock()
		return nil, ErrQueueFull
	}
	o.seq++
	qr := &queuedRequest{req: req, priority: req.Priority, seq: o.seq, done: make(chan *Session, 1)}
	o.queue = append(o.queue, qr)
	o.mu.Unlock()

	go func() {
		<-qr.done
		close(ready)
	}()
	return ready, nil
}

// release frees a concurrency slot and admits the next queued request (by
// priority desc, then FIFO).
func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		o.active--
		return
	}

	sort.SliceStable(o.queue, func(i, j int) bool {
		if o.queue[i].priority != o.queue[j].priority {
			return o.queue[i].priority > o.queue[j].priority
		}
		return o.queue[i].seq < o.queue[j].seq
	})

	next := o.queue[0]
	o.queue = o.queue[1:]
	close(next.done)
	// active stays the same: the slot this release() call freed is handed
	// directly to next rather than decremented and re-incremented.
}

func (o *Orchestrator) run(ctx context.Context, s *Session) {
	s.State = StateInProgress
	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("collab: session %s started kind=%s participants=%d", s.ID, s.Kind, len(s.Participants))
	}

	switch s.Kind {
	case KindSequential:
		o.runSequential(ctx, s, true)
	case KindPipeline:
		o.runSequential(ctx, s, false)
	case KindParallel:
		o.runParallel(ctx, s)
	case KindConsensus:
		o.runConsensus(ctx, s)
	case KindReview, KindResearch:
		s.finish(StateFailed, nil, ErrKindNotImplemented)
	default:
		s.finish(StateFailed, nil, fmt.Errorf("collab: unknown kind %q", s.Kind))
	}

	if err := ctx.Err(); err != nil && !s.State.isTerminal() {
		s.finish(StateTimeout, nil, err)
	}

	if !s.State.isTerminal() {
		// every branch above is expected to finish the session; this is a
		// defensive backstop so I6 never observes a non-terminal state with
		// CompletedAt unset.
		s.finish(StateFailed, nil, fmt.Errorf("collab: session %s ended without a terminal state", s.ID))
	}

	if err := o.runValidation(ctx, s); err != nil {
		s.finish(StateFailed, s.Result, err)
	}

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("collab: session %s finished state=%s", s.ID, s.State)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, agentID string, input any, s *Session) Contribution {
	c, ok := o.registry.Get(agentID)
	if !ok {
		return Contribution{AgentID: agentID, Status: ContributionFailed, Errors: []string{fmt.Sprintf("unknown participant %q", agentID)}}
	}

	start := time.Now()
	contribution, err := c.ProcessCollaborationTask(ctx, input, s.Context)
	contribution.AgentID = agentID
	contribution.Duration = time.Since(start)
	if err != nil {
		contribution.Status = ContributionFailed
		contribution.Payload = nil
		contribution.Errors = append(contribution.Errors, err.Error())
	}
	return contribution
}

// runSequential drives Sequential (merge=true: next input is the previous
// output) and Pipeline (merge=false: only the final contribution is the
// session result) per spec §4.4. First failure terminates the session.
func (o *Orchestrator) runSequential(ctx context.Context, s *Session, merge bool) {
	input := s.Context
	var last Contribution

	for i, pid := range s.Participants {
		s.Stage = i
		contribution := o.invoke(ctx, pid, input, s)
		s.Contributions[pid] = contribution

		if contribution.Status == ContributionFailed {
			if err := ctx.Err(); err != nil {
				s.finish(StateTimeout, nil, err)
				return
			}
			s.finish(StateFailed, nil, fmt.Errorf("collab: participant %s failed: %v", pid, contribution.Errors))
			return
		}

		last = contribution
		if merge {
			input = contribution.Payload
		}

		if err := ctx.Err(); err != nil {
			s.finish(StateTimeout, nil, err)
			return
		}
	}

	s.finish(StateCompleted, last.Payload, nil)
}

// runParallel invokes every participant concurrently on the same input;
// the session succeeds if at least one contribution succeeds. The minimum
// is fixed at one; it is not configurable.
func (o *Orchestrator) runParallel(ctx context.Context, s *Session) {
	results := o.fanOut(ctx, s)

	succeeded := 0
	for _, c := range results {
		s.Contributions[c.AgentID] = c
		if c.Status != ContributionFailed {
			succeeded++
		}
	}

	minSuccessful := 1
	if succeeded < minSuccessful {
		s.finish(StateFailed, nil, fmt.Errorf("collab: only %d/%d participants succeeded, need %d", succeeded, len(results), minSuccessful))
		return
	}

	s.finish(StateCompleted, aggregate(results), nil)
}

// runConsensus runs Parallel, then evaluates consensus_score =
// avg(contribution.confidence); success iff score >= consensus_threshold
// (spec §4.4).
func (o *Orchestrator) runConsensus(ctx context.Context, s *Session) {
	results := o.fanOut(ctx, s)

	var sum float64
	for _, c := range results {
		s.Contributions[c.AgentID] = c
		sum += c.Confidence
	}

	score := 0.0
	if len(results) > 0 {
		score = sum / float64(len(results))
	}
	s.ConsensusScore = score

	threshold := s.QualityRequirements.MinConsensus
	if score < threshold {
		s.finish(StateFailed, nil, fmt.Errorf("%w: score %.3f below threshold %.3f", ErrConsensusNotReached, score, threshold))
		return
	}

	s.finish(StateCompleted, aggregate(results), nil)
}

func (o *Orchestrator) fanOut(ctx context.Context, s *Session) []Contribution {
	results := make([]Contribution, len(s.Participants))
	var wg sync.WaitGroup
	for i, pid := range s.Participants {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			results[i] = o.invoke(ctx, pid, s.Context, s)
		}(i, pid)
	}
	wg.Wait()
	return results
}

func aggregate(results []Contribution) map[string]any {
	out := make(map[string]any, len(results))
	for _, c := range results {
		if c.Status != ContributionFailed {
			out[c.AgentID] = c.Payload
		}
	}
	return out
}

// runValidation runs each quality_requirements.validation_step against the
// session's contributions (spec §4.4). A failed required step fails the
// session.
func (o *Orchestrator) runValidation(ctx context.Context, s *Session) error {
	steps := s.QualityRequirements.ValidationSteps
	if len(steps) == 0 {
		return nil
	}
	if s.State != StateCompleted {
		return nil
	}

	s.State = StateWaitingValidation

	for _, step := range steps {
		validator, ok := o.registry.Get(step.ValidatorID)
		if !ok {
			if step.Required {
				return fmt.Errorf("collab: validator %q not found for step %q", step.ValidatorID, step.Name)
			}
			continue
		}

		for _, contribution := range s.Contributions {
			ok, err := validator.ValidateContribution(ctx, contribution, s.Context)
			if err != nil {
				ok = false
			}
			s.ValidationResults[step.Name+":"+contribution.AgentID] = ok
			if !ok && step.Required {
				return fmt.Errorf("collab: required validation step %q failed for %s", step.Name, contribution.AgentID)
			}
		}
	}

	s.State = StateCompleted
	return nil
}

// Get returns a previously started session by id.
func (o *Orchestrator) Get(sessionID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// ActiveCount reports the number of sessions currently occupying a
// concurrency slot.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
