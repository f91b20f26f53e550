package installer

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

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/transport"
)

func newTestInstaller(t *testing.T) (*Installer, *Store, *humanrequests.Store) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(dir)
	hrStore, err := humanrequests.New(dir, zap.NewNop())
	require.NoError(t, err)
	client := transport.New(transport.Config{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond, OverallTimeout: 2 * time.Second}, zap.NewNop())
	inst := New(client, store, hrStore, "test-secret", zap.NewNop())
	inst.strategyRetries = 1
	inst.healthProbeWindow = 50 * time.Millisecond
	inst.probePollInterval = 5 * time.Millisecond
	return inst, store, hrStore
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

// TestRun_UnreachableTargetFailsAtConnectivity covers the simplest failure
// path: a target that never answers never gets past connectivity_check and
// never produces an escalation, since it was never a reachable host to
// begin with.
func TestRun_UnreachableTargetFailsAtConnectivity(t *testing.T) {
	inst, _, hrStore := newTestInstaller(t)

	target := model.InstallTarget{Host: "127.0.0.1", Port: 1} // nothing listens on port 1
	run, err := inst.Run(context.Background(), target)
	require.Error(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.InstallationFailedConnectivity, run.Status)
	assert.True(t, errs.Is(err, errs.KindInstaller))
	assert.Empty(t, hrStore.List(""))
}

// TestRun_AllStrategiesExhaustedEscalates mirrors the fail-all-strategies
// scenario: /execute always succeeds but /health never responds once the
// strategy loop starts probing, so every strategy exhausts its retries and
// the run escalates to a pending, high-priority HumanRequest.
func TestRun_AllStrategiesExhaustedEscalates(t *testing.T) {
	var healthCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" && r.Method == http.MethodGet:
			healthCalls++
			if healthCalls == 1 {
				w.WriteHeader(http.StatusOK) // satisfies connectivity_check only
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.URL.Path == "/execute":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"output":"ok","exit_code":0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	inst, store, hrStore := newTestInstaller(t)
	host, port := hostPort(t, srv.URL)
	target := model.InstallTarget{Host: host, Port: port}

	run, err := inst.Run(context.Background(), target)
	require.Error(t, err)

	assert.Equal(t, model.InstallationEscalated, run.Status)
	assert.NotEmpty(t, run.StrategyAttempts)

	requests := hrStore.List(model.RequestPending)
	require.Len(t, requests, 1)
	assert.Equal(t, model.RequestOther, requests[0].Type)
	assert.GreaterOrEqual(t, requests[0].Priority, 7)

	persisted, ok := store.Get(run.RunID)
	require.True(t, ok)
	assert.Equal(t, model.InstallationEscalated, persisted.Status)
}

// TestRun_SucceedsAfterContainerStrategyFailsFast exercises the happy path
// end to end: the container strategy fails immediately (no reachable
// docker daemon on the target) and the loop falls through to the next
// strategy, whose health probe succeeds.
func TestRun_SucceedsAfterContainerStrategyFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/execute":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"output":"ok","exit_code":0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	inst, _, hrStore := newTestInstaller(t)
	host, port := hostPort(t, srv.URL)
	target := model.InstallTarget{Host: host, Port: port}

	run, err := inst.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, model.InstallationSucceeded, run.Status)
	assert.NotEmpty(t, run.ResultingSlaveID)
	assert.Empty(t, hrStore.List(""))
}
