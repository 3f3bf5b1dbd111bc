package cmdagent

import (
	"context"
	"fmt"
	"time"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/collab"
)

// collaboratorAdapter lets a CommandAgent double as a collab.Collaborator,
// so the same external program registered with the agent manager for
// scheduled tasks can also take part in collaboration sessions without a
// second process-management implementation.
type collaboratorAdapter struct {
	agent *CommandAgent
}

// AsCollaborator wraps a CommandAgent for use in a collab.Registry.
func AsCollaborator(a *CommandAgent) collab.Collaborator {
	return &collaboratorAdapter{agent: a}
}

func (c *collaboratorAdapter) ID() string { return c.agent.ID() }

func (c *collaboratorAdapter) ProcessCollaborationTask(ctx context.Context, request any, sessionContext any) (collab.Contribution, error) {
	start := time.Now()
	result, err := c.agent.HandleTask(ctx, agent.Task{ID: c.agent.ID() + ":collab", Kind: "collaborate", Payload: request})
	duration := time.Since(start)

	if err != nil {
		return collab.Contribution{
			AgentID:  c.agent.ID(),
			Duration: duration,
			Status:   collab.ContributionFailed,
			Errors:   []string{err.Error()},
		}, err
	}
	if !result.Success {
		errMsg := "collaboration task failed"
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
		return collab.Contribution{
			AgentID:  c.agent.ID(),
			Duration: duration,
			Status:   collab.ContributionFailed,
			Errors:   []string{errMsg},
		}, nil
	}

	return collab.Contribution{
		AgentID:    c.agent.ID(),
		Payload:    result.Payload,
		Confidence: 1.0,
		Duration:   duration,
		Status:     collab.ContributionSucceeded,
	}, nil
}

// ValidateContribution asks the same external program to judge a peer's
// contribution, by running it once more with a "validate" task kind.
func (c *collaboratorAdapter) ValidateContribution(ctx context.Context, contribution collab.Contribution, sessionContext any) (bool, error) {
	result, err := c.agent.HandleTask(ctx, agent.Task{
		ID:   c.agent.ID() + ":validate",
		Kind: "validate",
		Payload: map[string]any{
			"contribution": contribution.Payload,
			"context":      sessionContext,
		},
	})
	if err != nil {
		return false, fmt.Errorf("cmdagent: %s validation failed: %w", c.agent.ID(), err)
	}
	return result.Success, nil
}
