package cmdagent

import (
	"context"
	"fmt"

	"github.com/gitmind-dev/gitmind/agent"
)

// Creator builds CommandAgents from Factory values. It is the
// agent.Creator the hot-swap manager's Add/Replace/Restart operations call
// into.
type Creator struct{}

func NewCreator() *Creator { return &Creator{} }

func (c *Creator) ValidateFactory(factory any) error {
	f, ok := factory.(Factory)
	if !ok {
		return fmt.Errorf("cmdagent: factory must be cmdagent.Factory, got %T", factory)
	}
	if f.ID == "" {
		return fmt.Errorf("cmdagent: factory.ID must not be empty")
	}
	if f.Command == "" {
		return fmt.Errorf("cmdagent: factory.Command must not be empty")
	}
	if len(f.Capabilities) == 0 {
		return fmt.Errorf("cmdagent: factory %s must declare at least one capability", f.ID)
	}
	return nil
}

func (c *Creator) CreateAgent(ctx context.Context, factory any) (agent.Agent, error) {
	if err := c.ValidateFactory(factory); err != nil {
		return nil, err
	}
	f := factory.(Factory)
	return newCommandAgent(f), nil
}

func (c *Creator) SupportedTypes() []string {
	return []string{"command"}
}
