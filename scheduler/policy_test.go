package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gitmind-dev/gitmind/agent"
)

func TestRoundRobinCyclesThroughEligibleAgents(t *testing.T) {
	p := NewRoundRobinPolicy()
	candidates := []Candidate{
		idleCandidate("a1", agent.CapabilityCodeReview),
		idleCandidate("a2", agent.CapabilityCodeReview),
	}

	first, ok := p.Select(agent.CapabilityCodeReview, candidates)
	assert.True(t, ok)
	second, ok := p.Select(agent.CapabilityCodeReview, candidates)
	assert.True(t, ok)
	third, ok := p.Select(agent.CapabilityCodeReview, candidates)
	assert.True(t, ok)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestLeastLoadedPicksLowestLoad(t *testing.T) {
	p := NewLeastLoadedPolicy()
	busy := idleCandidate("busy", agent.CapabilityCodeReview)
	busy.Load = 0.9
	free := idleCandidate("free", agent.CapabilityCodeReview)
	free.Load = 0.1

	id, ok := p.Select(agent.CapabilityCodeReview, []Candidate{busy, free})
	assert.True(t, ok)
	assert.Equal(t, "free", id)
}

func TestCapabilityMatchFiltersIneligibleAgents(t *testing.T) {
	p := NewCapabilityMatchPolicy()
	reviewer := idleCandidate("reviewer", agent.CapabilityCodeReview)
	reviewer.Score = 0.5
	unrelated := idleCandidate("unrelated", agent.CapabilityDocGen)
	unrelated.Score = 0.9

	id, ok := p.Select(agent.CapabilityCodeReview, []Candidate{reviewer, unrelated})
	assert.True(t, ok)
	assert.Equal(t, "reviewer", id)
}

func TestCapabilityMatchBreaksTiesOnLoad(t *testing.T) {
	p := NewCapabilityMatchPolicy()
	a := idleCandidate("a", agent.CapabilityCodeReview)
	a.Score, a.Load = 0.5, 0.8
	b := idleCandidate("b", agent.CapabilityCodeReview)
	b.Score, b.Load = 0.5, 0.2

	id, ok := p.Select(agent.CapabilityCodeReview, []Candidate{a, b})
	assert.True(t, ok)
	assert.Equal(t, "b", id)
}

func TestSelectReturnsFalseWhenNoneEligible(t *testing.T) {
	p := NewLeastLoadedPolicy()
	unhealthy := idleCandidate("a1", agent.CapabilityCodeReview)
	unhealthy.Healthy = false

	_, ok := p.Select(agent.CapabilityCodeReview, []Candidate{unhealthy})
	assert.False(t, ok)
}
