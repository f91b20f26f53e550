package commandqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
)

func TestEnqueueDrain_FIFOOrderAndEmptiesOnSecondDrain(t *testing.T) {
	q := New(t.TempDir(), zap.NewNop())

	_, err := q.Enqueue("raspi-001", model.CommandDeployAgent, model.CommandPayload{AgentID: "A"})
	require.NoError(t, err)
	_, err = q.Enqueue("raspi-001", model.CommandDeployAgent, model.CommandPayload{AgentID: "B"})
	require.NoError(t, err)

	cmds, err := q.Drain("raspi-001")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "A", cmds[0].Payload.AgentID)
	assert.Equal(t, "B", cmds[1].Payload.AgentID)
	assert.NotNil(t, cmds[0].DeliveredAt)

	cmds2, err := q.Drain("raspi-001")
	require.NoError(t, err)
	assert.Empty(t, cmds2)
}

func TestDrain_EmptyQueueReturnsImmediately(t *testing.T) {
	q := New(t.TempDir(), zap.NewNop())
	cmds, err := q.Drain("unknown-slave")
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestRequeue_BoundedByMaxRedeliveries(t *testing.T) {
	q := New(t.TempDir(), zap.NewNop())
	cmd, err := q.Enqueue("raspi-001", model.CommandDeployAgent, model.CommandPayload{AgentID: "A"})
	require.NoError(t, err)

	drained, err := q.Drain("raspi-001")
	require.NoError(t, err)
	cmd = drained[0]

	for i := 0; i < MaxRedeliveries; i++ {
		ok := q.Requeue(cmd)
		require.True(t, ok, "redelivery %d should succeed", i)
		drained, err = q.Drain("raspi-001")
		require.NoError(t, err)
		require.Len(t, drained, 1)
		cmd = drained[0]
	}

	ok := q.Requeue(cmd)
	assert.False(t, ok, "redelivery beyond max_redeliveries must fail")
}

func TestUnregister_NoSubsequentDrainReturnsCommand(t *testing.T) {
	q := New(t.TempDir(), zap.NewNop())
	_, err := q.Enqueue("raspi-001", model.CommandDeployAgent, model.CommandPayload{AgentID: "A"})
	require.NoError(t, err)

	require.NoError(t, q.Purge("raspi-001"))

	cmds, err := q.Drain("raspi-001")
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
