package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
)

// defaultPageLimit bounds GET /api/human_requests when no limit is given.
const defaultPageLimit = 50

// parsePage reads limit/offset query params, defaulting limit to
// defaultPageLimit and clamping both to non-negative values.
func parsePage(r *http.Request) model.Page {
	page := model.Page{Limit: defaultPageLimit, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Offset = n
		}
	}
	return page
}

// HumanRequestHandler exposes the Human Request Store over HTTP. This
// surface is additive to §4.8's bit-exact list — the store needs some way
// for an operator or dashboard to resolve an escalation.
type HumanRequestHandler struct {
	store *humanrequests.Store
}

// NewHumanRequestHandler constructs a HumanRequestHandler.
func NewHumanRequestHandler(store *humanrequests.Store) *HumanRequestHandler {
	return &HumanRequestHandler{store: store}
}

// List handles GET /api/human_requests?state=pending&limit=20&offset=0.
func (h *HumanRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	state := model.RequestState(r.URL.Query().Get("state"))
	page := parsePage(r)

	all := h.store.List(state)
	total := int64(len(all))

	start := page.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit
	if end > len(all) {
		end = len(all)
	}

	Ok(w, model.PagedResult[*model.HumanRequest]{
		Items: all[start:end],
		Total: total,
		Page:  page,
	})
}

// Get handles GET /api/human_requests/{id}.
func (h *HumanRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.store.Get(id)
	if !ok {
		WriteError(w, errs.New(errs.KindNotFound, "unknown human request "+id))
		return
	}
	Ok(w, req)
}

// Approve handles POST /api/human_requests/{id}/approve.
func (h *HumanRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.store.Approve(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, req)
}

// Reject handles POST /api/human_requests/{id}/reject.
func (h *HumanRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.store.Reject(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, req)
}

type completeHumanRequestBody struct {
	ActualCost *float64 `json:"actual_cost"`
	Notes      string   `json:"notes"`
}

// Complete handles POST /api/human_requests/{id}/complete.
func (h *HumanRequestHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body completeHumanRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := h.store.Complete(id, body.ActualCost, body.Notes)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, req)
}

// Cancel handles POST /api/human_requests/{id}/cancel.
func (h *HumanRequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.store.Cancel(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, req)
}
