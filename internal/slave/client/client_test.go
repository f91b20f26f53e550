package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/slave/runtime"
)

func TestNew_GeneratesAndPersistsSlaveIDWhenEmpty(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	dir := t.TempDir()

	c, err := New(Config{StateDir: dir}, rt, zap.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, c.SlaveID())

	c2, err := New(Config{StateDir: dir}, rt, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, c.SlaveID(), c2.SlaveID())
}

func TestNew_ExplicitSlaveIDWins(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "slave-fixed", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "slave-fixed", c.SlaveID())
}

func TestRegister_RetriesUntilServerAnswers(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body registerBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "slave-fixed", body.SlaveID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "slave-fixed", MasterAddr: srv.URL, StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Register(ctx))
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestRegister_CancelledContextStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "slave-fixed", MasterAddr: srv.URL, StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = c.Register(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApply_DeployAgentRejectsGenomeHashMismatch(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	cmd := &model.Command{
		Type: model.CommandDeployAgent,
		Payload: model.CommandPayload{
			AgentID: "agent-1",
			Genome:  &model.Genome{Bytes: []byte("x"), Hash: "wrong"},
		},
	}
	c.apply(cmd)
	assert.Equal(t, 0, rt.Count())
}

func TestApply_DeployAgentWithValidGenomeDeploys(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	genome := model.ParseGenome(json.RawMessage(`{"k":"v"}`))
	cmd := &model.Command{
		Type:    model.CommandDeployAgent,
		Payload: model.CommandPayload{AgentID: "agent-1", Genome: &genome},
	}
	c.apply(cmd)
	assert.Equal(t, 1, rt.Count())
}

func TestApply_DestroyAgentRemovesIt(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	genome := model.ParseGenome(json.RawMessage(`{"k":"v"}`))
	require.NoError(t, rt.Deploy("agent-1", genome))

	c.apply(&model.Command{Type: model.CommandDestroyAgent, Payload: model.CommandPayload{AgentID: "agent-1"}})
	assert.Equal(t, 0, rt.Count())
}

func TestApply_UnknownCommandTypeIsIgnored(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)

	c.apply(&model.Command{Type: model.CommandType("bogus")})
	assert.Equal(t, 0, rt.Count())
}

func TestAuthHeaders_EmptySecretYieldsNoHeader(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir()}, rt, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, c.authHeaders())
}

func TestAuthHeaders_SetsBearerToken(t *testing.T) {
	rt := runtime.New(nil, zap.NewNop())
	c, err := New(Config{SlaveID: "s1", StateDir: t.TempDir(), SharedSecret: "tok"}, rt, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", c.authHeaders()["Authorization"])
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, backoffMax, d)
}

func TestJitter_StaysWithinFractionBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := jitter(base)
		assert.InDelta(t, float64(base), float64(j), float64(base)*jitterFraction+1)
	}
}
