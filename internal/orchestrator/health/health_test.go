package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
	"github.com/d8ops/controlplane/internal/transport"
)

func TestSweep_MarksStaleSlaveOfflineAndOrphansAgents(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.New(dir, "abc123", zap.NewNop())
	require.NoError(t, err)
	q := commandqueue.New(dir, zap.NewNop())
	p, err := pool.New(reg, q, dir, zap.NewNop())
	require.NoError(t, err)

	_, err = reg.Register("raspi-001", "10.0.0.1", 8080, model.DeviceSingleBoard,
		model.Capabilities{MaxAgents: 8}, model.VersionFingerprint{GitCommit: "abc123"}, "ref")
	require.NoError(t, err)
	agent, err := p.Deploy(model.Genome{Hash: "h1"})
	require.NoError(t, err)

	reg.Heartbeat("raspi-001", map[string]string{agent.AgentID: "active"}, model.ResourceUsage{}, model.VersionFingerprint{GitCommit: "abc123"})
	p.Reconcile("raspi-001", map[string]string{agent.AgentID: "active"})

	client := transport.New(transport.Config{MaxRetries: 0}, zap.NewNop())
	mon, err := New(reg, p, client, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	// simulate missed heartbeats by waiting past the liveness window
	time.Sleep(60 * time.Millisecond)

	mon.sweep(context.Background())

	got, ok := reg.Get("raspi-001")
	require.True(t, ok)
	assert.Equal(t, model.SlaveOffline, got.Status)

	gotAgent, ok := p.Get(agent.AgentID)
	require.True(t, ok)
	assert.Equal(t, model.AgentOrphaned, gotAgent.Status)
}

func TestProbeOne_FlagsVersionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","git_commit":"zzz999","runtime_version":"go1.26"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	reg, err := registry.New(dir, "abc123", zap.NewNop())
	require.NoError(t, err)
	q := commandqueue.New(dir, zap.NewNop())
	p, err := pool.New(reg, q, dir, zap.NewNop())
	require.NoError(t, err)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	_, err = reg.Register("raspi-001", u.Hostname(), port, model.DeviceSingleBoard,
		model.Capabilities{MaxAgents: 8}, model.VersionFingerprint{GitCommit: "abc123"}, "ref")
	require.NoError(t, err)

	client := transport.New(transport.Config{MaxRetries: 0}, zap.NewNop())
	mon, err := New(reg, p, client, time.Second, time.Minute, zap.NewNop())
	require.NoError(t, err)

	s, _ := reg.Get("raspi-001")
	mon.probeOne(context.Background(), s)

	got, ok := reg.Get("raspi-001")
	require.True(t, ok)
	assert.Equal(t, model.SlaveVersionMismatch, got.Status)
}
