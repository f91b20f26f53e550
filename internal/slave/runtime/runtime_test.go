package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
)

func genomeFor(t *testing.T, payload string) model.Genome {
	t.Helper()
	sum := sha256.Sum256([]byte(payload))
	return model.Genome{Bytes: []byte(payload), Hash: hex.EncodeToString(sum[:])}
}

func TestVerifyGenome(t *testing.T) {
	g := genomeFor(t, `{"k":"v"}`)
	assert.True(t, VerifyGenome(g))

	g.Hash = "deadbeef"
	assert.False(t, VerifyGenome(g))
}

func TestDeploy_DuplicateAgentIDRejected(t *testing.T) {
	rt := New(nil, zap.NewNop())
	g := genomeFor(t, "one")

	require.NoError(t, rt.Deploy("agent-1", g))
	err := rt.Deploy("agent-1", g)
	assert.Error(t, err)
	assert.Equal(t, 1, rt.Count())
}

func TestDestroy_UnknownAgentIsNoOp(t *testing.T) {
	rt := New(nil, zap.NewNop())
	rt.Destroy("never-deployed")
	assert.Equal(t, 0, rt.Count())
}

func TestDestroy_RemovesAgentAndWaitsForExit(t *testing.T) {
	rt := New(nil, zap.NewNop())
	g := genomeFor(t, "one")
	require.NoError(t, rt.Deploy("agent-1", g))
	require.Equal(t, 1, rt.Count())

	rt.Destroy("agent-1")
	assert.Equal(t, 0, rt.Count())
	assert.Empty(t, rt.Report())
}

func TestUpdateGenome_ReplacesRunningAgent(t *testing.T) {
	rt := New(nil, zap.NewNop())
	first := genomeFor(t, "first")
	second := genomeFor(t, "second")

	require.NoError(t, rt.Deploy("agent-1", first))
	require.NoError(t, rt.UpdateGenome("agent-1", second))

	assert.Equal(t, 1, rt.Count())
	_, exists := rt.Report()["agent-1"]
	assert.True(t, exists)
}

func TestReport_ReflectsDeployedAgents(t *testing.T) {
	rt := New(nil, zap.NewNop())
	require.NoError(t, rt.Deploy("a", genomeFor(t, "a")))
	require.NoError(t, rt.Deploy("b", genomeFor(t, "b")))

	report := rt.Report()
	require.Len(t, report, 2)
	assert.Equal(t, "active", report["a"])
	assert.Equal(t, "active", report["b"])
}

func TestDeploy_ConcurrentDeploysDistinctIDs(t *testing.T) {
	rt := New(nil, zap.NewNop())
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		go func(id string) {
			_ = rt.Deploy(id, genomeFor(t, id))
			done <- struct{}{}
		}(id)
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for concurrent deploys")
		}
	}
	assert.Equal(t, 10, rt.Count())
}
