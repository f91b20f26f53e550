package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
)

// SlaveHandler groups the slave-lifecycle endpoints of §4.8.
type SlaveHandler struct {
	reg    *registry.Registry
	queue  *commandqueue.Queue
	pool   *pool.Pool
	logger *zap.Logger
}

// NewSlaveHandler constructs a SlaveHandler.
func NewSlaveHandler(reg *registry.Registry, queue *commandqueue.Queue, p *pool.Pool, logger *zap.Logger) *SlaveHandler {
	return &SlaveHandler{reg: reg, queue: queue, pool: p, logger: logger.Named("slave_handler")}
}

// registerRequest mirrors the wire shape of POST /api/slaves/register: the
// spec's "resources" (hardware capacity) and "capabilities" (software
// capability list) are two separate JSON objects that fold into one
// model.Capabilities.
type registerRequest struct {
	SlaveID    string                   `json:"slave_id"`
	Host       string                   `json:"host"`
	Port       int                      `json:"port"`
	DeviceType model.DeviceType         `json:"device_type"`
	Resources  struct {
		CPUCores  int     `json:"cpu_cores"`
		MemoryGB  float64 `json:"memory_gb"`
		MaxAgents int     `json:"max_agents"`
		GPU       bool    `json:"gpu_present"`
	} `json:"resources"`
	Capabilities struct {
		LLMProviders []string `json:"llm_providers"`
	} `json:"capabilities"`
	Version   model.VersionFingerprint `json:"version"`
	SecretRef string                   `json:"secret_ref"`
}

// Register handles POST /api/slaves/register.
func (h *SlaveHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SlaveID == "" {
		WriteError(w, errs.New(errs.KindFatal, "slave_id is required"))
		return
	}

	caps := model.Capabilities{
		CPUCores:     req.Resources.CPUCores,
		MemoryGB:     req.Resources.MemoryGB,
		MaxAgents:    req.Resources.MaxAgents,
		GPUPresent:   req.Resources.GPU,
		LLMProviders: req.Capabilities.LLMProviders,
	}

	s, err := h.reg.Register(req.SlaveID, req.Host, req.Port, req.DeviceType, caps, req.Version, req.SecretRef)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, s)
}

// heartbeatRequest mirrors POST /api/slaves/{id}/heartbeat.
type heartbeatRequest struct {
	AgentsStatus map[string]struct {
		Status string `json:"status"`
	} `json:"agents_status"`
	ResourcesUsage model.ResourceUsage      `json:"resources_usage"`
	Version        model.VersionFingerprint `json:"version"`
}

// Heartbeat handles POST /api/slaves/{id}/heartbeat.
func (h *SlaveHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	slaveID := chi.URLParam(r, "id")
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report := make(map[string]string, len(req.AgentsStatus))
	for agentID, st := range req.AgentsStatus {
		report[agentID] = st.Status
	}

	result, err := h.reg.Heartbeat(slaveID, report, req.ResourcesUsage, req.Version)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.pool.Reconcile(slaveID, result.AgentsReport)
	Ok(w, result.Slave)
}

// Commands handles GET /api/slaves/{id}/commands.
func (h *SlaveHandler) Commands(w http.ResponseWriter, r *http.Request) {
	slaveID := chi.URLParam(r, "id")
	cmds, err := h.queue.Drain(slaveID)
	if err != nil {
		WriteError(w, errs.Wrap(errs.KindFatal, "drain command queue", err))
		return
	}
	if cmds == nil {
		cmds = []*model.Command{}
	}
	Ok(w, map[string]any{"commands": cmds, "count": len(cmds)})
}

// Unregister handles POST /api/slaves/{id}/unregister.
func (h *SlaveHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	slaveID := chi.URLParam(r, "id")
	if err := h.reg.Unregister(slaveID); err != nil {
		WriteError(w, err)
		return
	}
	h.pool.MarkOrphansForSlave(slaveID)
	if err := h.queue.Purge(slaveID); err != nil {
		h.logger.Warn("purge command queue after unregister failed", zap.String("slave_id", slaveID), zap.Error(err))
	}
	Ok(w, map[string]string{"status": "unregistered"})
}

// List handles GET /api/slaves/list.
func (h *SlaveHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"slaves": h.reg.Snapshot()})
}
