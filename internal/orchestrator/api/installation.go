package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
)

// InstallationHandler groups the remote-installer endpoints of §4.8. Start
// kicks off a run owned entirely by this process; progress/complete let an
// installation target (or the installer itself, out of band) push updates
// into the matching InstallationRun once it becomes reachable.
type InstallationHandler struct {
	inst   *installer.Installer
	store  *installer.Store
	logger *zap.Logger
}

// NewInstallationHandler constructs an InstallationHandler.
func NewInstallationHandler(inst *installer.Installer, store *installer.Store, logger *zap.Logger) *InstallationHandler {
	return &InstallationHandler{inst: inst, store: store, logger: logger.Named("installation_handler")}
}

type startInstallationRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	CredentialsRef string `json:"credentials_ref"`
}

// Start handles POST /api/installation/start. The installation run owns its
// own goroutine — per §5, an installer run never blocks other tasks — and
// the handler returns 201 immediately with {"status": "started", "host"}.
// The response does not include the run's run_id.
func (h *InstallationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startInstallationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.Port == 0 {
		WriteError(w, errs.New(errs.KindFatal, "host and port are required"))
		return
	}

	target := model.InstallTarget{Host: req.Host, Port: req.Port, CredentialsRef: req.CredentialsRef}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.inst.Run(ctx, target); err != nil {
			h.logger.Warn("installation run ended with error", zap.String("host", req.Host), zap.Error(err))
		}
	}()

	Created(w, map[string]string{"status": "started", "host": req.Host})
}

type progressRequest struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Progress handles POST /api/installation/progress — a target pushes a
// structured log line directly into its own run.
func (h *InstallationHandler) Progress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	run, ok := h.store.Get(req.RunID)
	if !ok {
		WriteError(w, errs.New(errs.KindNotFound, "unknown installation run "+req.RunID))
		return
	}
	run.StructuredLog = append(run.StructuredLog, model.LogLine{
		Timestamp: time.Now().UTC(),
		Stage:     req.Stage,
		Message:   req.Message,
	})
	if err := h.store.Save(run); err != nil {
		WriteError(w, errs.Wrap(errs.KindFatal, "persist installation progress", err))
		return
	}
	Ok(w, run)
}

type completeRequest struct {
	RunID   string `json:"run_id"`
	Status  model.InstallationStatus `json:"status"`
	SlaveID string                   `json:"resulting_slave_id"`
}

// Complete handles POST /api/installation/complete.
func (h *InstallationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	run, ok := h.store.Get(req.RunID)
	if !ok {
		WriteError(w, errs.New(errs.KindNotFound, "unknown installation run "+req.RunID))
		return
	}
	run.Status = req.Status
	run.ResultingSlaveID = req.SlaveID
	now := time.Now().UTC()
	run.EndedAt = &now
	if err := h.store.Save(run); err != nil {
		WriteError(w, errs.Wrap(errs.KindFatal, "persist installation completion", err))
		return
	}
	Ok(w, run)
}

// Status handles GET /api/installation/status — a summary across all runs.
func (h *InstallationHandler) Status(w http.ResponseWriter, r *http.Request) {
	runs := h.store.List()
	counts := map[model.InstallationStatus]int{}
	for _, run := range runs {
		counts[run.Status]++
	}
	Ok(w, map[string]any{"total": len(runs), "by_status": counts})
}

// Detail handles GET /api/installation/{id}.
func (h *InstallationHandler) Detail(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, ok := h.store.Get(runID)
	if !ok {
		WriteError(w, errs.New(errs.KindNotFound, "unknown installation run "+runID))
		return
	}
	Ok(w, run)
}
