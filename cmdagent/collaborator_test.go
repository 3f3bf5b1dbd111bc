package cmdagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitmind-dev/gitmind/collab"
)

func TestAsCollaboratorFailsGracefullyAgainstMissingBinary(t *testing.T) {
	c := NewCreator()
	f := echoFactory("a1")
	f.Command = "definitely-not-a-real-binary-xyz"

	a, err := c.CreateAgent(context.Background(), f)
	require.NoError(t, err)

	collaborator := AsCollaborator(a.(*CommandAgent))
	assert.Equal(t, "a1", collaborator.ID())

	contribution, err := collaborator.ProcessCollaborationTask(context.Background(), "do the thing", nil)
	assert.Equal(t, collab.ContributionFailed, contribution.Status)
	assert.NoError(t, err)
}
