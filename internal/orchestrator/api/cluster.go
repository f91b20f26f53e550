package api

import (
	"net/http"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/events"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
	"github.com/d8ops/controlplane/internal/orchestrator/metrics"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
)

// ClusterHandler groups GET /api/cluster/* and GET /health.
type ClusterHandler struct {
	reg       *registry.Registry
	pool      *pool.Pool
	hrStore   *humanrequests.Store
	instStore *installer.Store
	hub       *events.Hub
}

// NewClusterHandler constructs a ClusterHandler.
func NewClusterHandler(reg *registry.Registry, p *pool.Pool, hrStore *humanrequests.Store, instStore *installer.Store, hub *events.Hub) *ClusterHandler {
	return &ClusterHandler{reg: reg, pool: p, hrStore: hrStore, instStore: instStore, hub: hub}
}

// Stats handles GET /api/cluster/stats.
func (h *ClusterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	Ok(w, metrics.Compute(h.reg, h.pool))
}

// componentStatus is one entry in the dashboard's component breakdown.
type componentStatus struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
}

// Dashboard handles GET /api/cluster/dashboard. Per §7 this endpoint always
// succeeds and marks degraded components explicitly instead of erroring.
func (h *ClusterHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats := metrics.Compute(h.reg, h.pool)

	slaves := h.reg.Snapshot()
	offline := 0
	mismatched := 0
	for _, s := range slaves {
		switch s.Status {
		case model.SlaveOffline:
			offline++
		case model.SlaveVersionMismatch:
			mismatched++
		}
	}

	components := []componentStatus{
		{Name: "registry", Healthy: true},
		{Name: "pool", Healthy: true},
		{Name: "fleet", Healthy: offline == 0, Detail: boolDetail(offline > 0, "slaves offline")},
		{Name: "version_parity", Healthy: mismatched == 0, Detail: boolDetail(mismatched > 0, "slaves version-mismatched")},
	}

	pendingRequests := h.hrStore.List(model.RequestPending)
	escalated := 0
	for _, run := range h.instStore.List() {
		if run.Status == model.InstallationEscalated {
			escalated++
		}
	}
	components = append(components, componentStatus{
		Name:    "installer",
		Healthy: escalated == 0,
		Detail:  boolDetail(escalated > 0, "installation runs escalated"),
	})

	Ok(w, map[string]any{
		"stats":                   stats,
		"components":              components,
		"slaves_offline":          offline,
		"slaves_version_mismatch": mismatched,
		"pending_human_requests":  len(pendingRequests),
		"websocket_subscribers":   h.hub.ConnectedCount(),
	})
}

func boolDetail(bad bool, msg string) string {
	if bad {
		return msg
	}
	return ""
}

// Health handles GET /health — orchestrator liveness and brief counts.
func (h *ClusterHandler) Health(w http.ResponseWriter, r *http.Request) {
	slaves := h.reg.Snapshot()
	Ok(w, map[string]any{
		"status":        "ok",
		"slaves_known":  len(slaves),
		"agents_placed": len(h.pool.Placements()),
	})
}
