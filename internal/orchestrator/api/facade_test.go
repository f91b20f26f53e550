package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/events"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
	metricspkg "github.com/d8ops/controlplane/internal/orchestrator/metrics"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
)

const testSecret = "test-secret"

func buildTestRouter(t *testing.T, masterCommit string) http.Handler {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	reg, err := registry.New(dir, masterCommit, logger)
	require.NoError(t, err)
	queue := commandqueue.New(dir, logger)
	agentPool, err := pool.New(reg, queue, dir, logger)
	require.NoError(t, err)
	humanReqs, err := humanrequests.New(dir, logger)
	require.NoError(t, err)
	hub := events.NewHub(logger)
	installStore := installer.NewStore(dir)
	inst := installer.New(nil, installStore, humanReqs, testSecret, logger)
	promReg := prometheus.NewRegistry()
	collector := metricspkg.NewCollector(reg, agentPool, promReg)

	return NewRouter(RouterConfig{
		Registry:          reg,
		Queue:             queue,
		Pool:              agentPool,
		Installer:         inst,
		InstallationStore: installStore,
		HumanRequests:     humanReqs,
		Hub:               hub,
		PromRegistry:      promReg,
		Collector:         collector,
		SharedSecret:      testSecret,
		Logger:            logger,
	})
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testSecret)
	return req
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req = authed(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerBody(slaveID string) map[string]any {
	return map[string]any{
		"slave_id":    slaveID,
		"host":        "10.0.0.1",
		"port":        9000,
		"device_type": string(model.DeviceSingleBoard),
		"resources": map[string]any{
			"cpu_cores":  4,
			"memory_gb":  8.0,
			"max_agents": 2,
			"gpu_present": false,
		},
		"capabilities": map[string]any{"llm_providers": []string{"local"}},
		"version":      map[string]string{"git_commit": "abc123", "git_branch": "main", "runtime_version": "1.0.0"},
	}
}

// Scenario 1: register a slave, then deploy an agent — it should land on
// the freshly registered slave.
func TestScenario_RegisterThenDeployAgent(t *testing.T) {
	router := buildTestRouter(t, "abc123")

	rec := doJSON(t, router, http.MethodPost, "/api/slaves/register", registerBody("raspi-001"), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deployBody := map[string]any{"genome": json.RawMessage(`{"kind":"echo"}`)}
	rec = doJSON(t, router, http.MethodPost, "/api/agents/deploy", deployBody, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var agent model.HostedAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "raspi-001", agent.SlaveID)
	assert.Equal(t, model.AgentPendingDeploy, agent.Status)

	rec = doJSON(t, router, http.MethodGet, "/api/slaves/raspi-001/commands", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var cr struct {
		Commands []*model.Command `json:"commands"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	require.Len(t, cr.Commands, 1)
	assert.Equal(t, model.CommandDeployAgent, cr.Commands[0].Type)
}

// Scenario 2: a heartbeat reconciles agent status reported by the slave.
func TestScenario_HeartbeatReconcilesAgentStatus(t *testing.T) {
	router := buildTestRouter(t, "abc123")

	rec := doJSON(t, router, http.MethodPost, "/api/slaves/register", registerBody("raspi-002"), true)
	require.Equal(t, http.StatusOK, rec.Code)

	deployBody := map[string]any{"genome": json.RawMessage(`{"kind":"echo"}`)}
	rec = doJSON(t, router, http.MethodPost, "/api/agents/deploy", deployBody, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var agent model.HostedAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))

	hb := map[string]any{
		"agents_status": map[string]any{agent.AgentID: map[string]string{"status": "active"}},
		"resources_usage": map[string]any{"cpu_percent": 10.0},
		"version":         map[string]string{"git_commit": "abc123"},
	}
	rec = doJSON(t, router, http.MethodPost, "/api/slaves/raspi-002/heartbeat", hb, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/agents/placements", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var placements map[string]placementView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placements))
	require.Contains(t, placements, agent.AgentID)
}

// Scenario 3: a slave that registers with a git commit different from the
// master's is flagged version_mismatch and excluded from placement.
func TestScenario_VersionMismatchRefusesDispatch(t *testing.T) {
	router := buildTestRouter(t, "master-commit")

	body := registerBody("raspi-003")
	body["version"] = map[string]string{"git_commit": "stale-commit"}
	rec := doJSON(t, router, http.MethodPost, "/api/slaves/register", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var slave model.Slave
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slave))
	assert.Equal(t, model.SlaveVersionMismatch, slave.Status)

	deployBody := map[string]any{"genome": json.RawMessage(`{"kind":"echo"}`)}
	rec = doJSON(t, router, http.MethodPost, "/api/agents/deploy", deployBody, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	var errBody errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "NoCapacity", string(errBody.Kind))
}

func TestRegister_MissingAuthRejected(t *testing.T) {
	router := buildTestRouter(t, "abc123")
	rec := doJSON(t, router, http.MethodPost, "/api/slaves/register", registerBody("raspi-004"), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlavesList_OpenRead(t *testing.T) {
	router := buildTestRouter(t, "abc123")
	rec := doJSON(t, router, http.MethodPost, "/api/slaves/register", registerBody("raspi-005"), true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/slaves/list", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listBody))
	slaves, ok := listBody["slaves"].([]any)
	require.True(t, ok)
	assert.Len(t, slaves, 1)
}
