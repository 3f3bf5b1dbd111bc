package scheduler

import (
	"sort"

	"github.com/gitmind-dev/gitmind/agent"
)

// Candidate is the scheduler's view of one registered agent: just enough to
// pick a destination for a task, refreshed by UpdateAgent whenever the
// agent manager or health monitor observes a change.
type Candidate struct {
	ID           string
	Capabilities agent.CapabilitySet
	Load         float64 // [0,1], 0 = idle
	Healthy      bool
	Idle         bool
	Score        float64 // agent.Metrics.PerformanceScore(), used by CapabilityMatchPolicy
}

func (c Candidate) eligible(kind agent.Capability) bool {
	return c.Healthy && c.Idle && c.Capabilities.Has(kind)
}

// Policy picks one eligible candidate for a task of the given capability
// kind, grounded on the teacher's selectAgentRoundRobin/selectAgentLeastLoaded
// (concurrency/orchestrator.go), generalized to filter by capability first.
type Policy interface {
	Name() string
	Select(kind agent.Capability, candidates []Candidate) (agentID string, ok bool)
}

func eligibleSorted(kind agent.Capability, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.eligible(kind) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoundRobinPolicy cycles through eligible agents in id order, remembering
// its position across calls the way the teacher's selectAgentRoundRobin
// remembers roundRobinIndex.
type RoundRobinPolicy struct {
	next int
}

func NewRoundRobinPolicy() *RoundRobinPolicy { return &RoundRobinPolicy{} }

func (p *RoundRobinPolicy) Name() string { return "round-robin" }

func (p *RoundRobinPolicy) Select(kind agent.Capability, candidates []Candidate) (string, bool) {
	eligible := eligibleSorted(kind, candidates)
	if len(eligible) == 0 {
		return "", false
	}
	idx := p.next % len(eligible)
	p.next = (idx + 1) % len(eligible)
	return eligible[idx].ID, true
}

// LeastLoadedPolicy picks the eligible agent reporting the lowest Load,
// grounded on selectAgentLeastLoaded.
type LeastLoadedPolicy struct{}

func NewLeastLoadedPolicy() *LeastLoadedPolicy { return &LeastLoadedPolicy{} }

func (p *LeastLoadedPolicy) Name() string { return "least-loaded" }

func (p *LeastLoadedPolicy) Select(kind agent.Capability, candidates []Candidate) (string, bool) {
	eligible := eligibleSorted(kind, candidates)
	if len(eligible) == 0 {
		return "", false
	}

	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.Load < best.Load {
			best = c
		}
	}
	return best.ID, true
}

// CapabilityMatchPolicy scores each eligible agent as
// 0.5*capability_fit + 0.3*(1-load_factor) + 0.2*performance_score and
// picks the max, per the spec's capability-match table. This is the one
// policy with no direct teacher analogue (the teacher never scored agents
// by capability fit); it is grounded on agent.Metrics.PerformanceScore and
// the spec's own selection formula.
type CapabilityMatchPolicy struct{}

func NewCapabilityMatchPolicy() *CapabilityMatchPolicy { return &CapabilityMatchPolicy{} }

func (p *CapabilityMatchPolicy) Name() string { return "capability-match" }

// capabilityFit grades the fraction of required capabilities the candidate
// holds. Candidates reaching this point have already passed eligible()'s
// Has(kind) filter for single-capability tasks, so fit is 1.0 in that case;
// the fractional form generalizes to tasks that one day require more than
// one capability tag.
func capabilityFit(required []agent.Capability, have agent.CapabilitySet) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, r := range required {
		if have.Has(r) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func (p *CapabilityMatchPolicy) Select(kind agent.Capability, candidates []Candidate) (string, bool) {
	eligible := eligibleSorted(kind, candidates)
	if len(eligible) == 0 {
		return "", false
	}

	required := []agent.Capability{kind}
	score := func(c Candidate) float64 {
		fit := capabilityFit(required, c.Capabilities)
		return 0.5*fit + 0.3*(1-c.Load) + 0.2*c.Score
	}

	best := eligible[0]
	bestScore := score(best)
	for _, c := range eligible[1:] {
		s := score(c)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.ID, true
}
