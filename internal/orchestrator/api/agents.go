package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
)

// AgentHandler groups the hosted-agent endpoints of §4.8.
type AgentHandler struct {
	pool   *pool.Pool
	logger *zap.Logger
}

// NewAgentHandler constructs an AgentHandler.
func NewAgentHandler(p *pool.Pool, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{pool: p, logger: logger.Named("agent_handler")}
}

type deployRequest struct {
	Genome json.RawMessage `json:"genome"`
}

// Deploy handles POST /api/agents/deploy.
func (h *AgentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Genome) == 0 {
		WriteError(w, errs.New(errs.KindFatal, "genome is required"))
		return
	}

	genome := model.ParseGenome(req.Genome)
	agent, err := h.pool.Deploy(genome)
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, agent)
}

// Destroy handles POST /api/agents/{id}/destroy.
func (h *AgentHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := h.pool.Destroy(agentID); err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, map[string]string{"status": "pending_destroy"})
}

type updateGenomeRequest struct {
	Genome json.RawMessage `json:"genome"`
}

// UpdateGenome handles POST /api/agents/{id}/update_genome.
func (h *AgentHandler) UpdateGenome(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req updateGenomeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	genome := model.ParseGenome(req.Genome)
	if err := h.pool.UpdateGenome(agentID, genome); err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, map[string]string{"status": "pending_update"})
}

// placementView is the wire shape of one entry in GET /api/agents/placements.
type placementView struct {
	SlaveID  string `json:"slave_id"`
	PlacedAt string `json:"placed_at"`
}

// Placements handles GET /api/agents/placements.
func (h *AgentHandler) Placements(w http.ResponseWriter, r *http.Request) {
	agents := h.pool.Placements()
	out := make(map[string]placementView, len(agents))
	for id, a := range agents {
		out[id] = placementView{SlaveID: a.SlaveID, PlacedAt: a.PlacedAt.UTC().Format("2006-01-02T15:04:05Z07:00")}
	}
	Ok(w, out)
}
