// Package api exposes the slave's own HTTP surface: health, version, and
// the trusted /execute bootstrap endpoint the Remote Installer drives
// during isolated_runtime and native strategy attempts.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/slave/executor"
	"github.com/d8ops/controlplane/internal/slave/runtime"
)

// Config assembles everything the slave's router needs.
type Config struct {
	Runtime             *runtime.Runtime
	Executor            *executor.Runner
	SharedSecret        string
	Version             model.VersionFingerprint
	AvailableStrategies []model.InstallMethod
	Logger              *zap.Logger
}

// NewRouter builds the slave's HTTP router. /execute is bearer-gated with
// the same shared secret the orchestrator uses against slaves; /health
// and /version are open, matching the orchestrator facade's own
// read-is-open convention.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := &handler{cfg: cfg}

	r.Get("/health", h.health)
	r.Get("/version", h.version)

	r.Route("/", func(r chi.Router) {
		r.Use(requireSharedSecret(cfg.SharedSecret))
		r.Post("/execute", h.execute)
	})

	return r
}

type handler struct {
	cfg Config
}

type healthResponse struct {
	Status              string               `json:"status"`
	RuntimeVersion       string               `json:"runtime_version"`
	GitCommit            string               `json:"git_commit"`
	GitBranch            string               `json:"git_branch"`
	AvailableStrategies  []model.InstallMethod `json:"available_strategies"`
	HostedAgents         int                  `json:"hosted_agents"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:              "ok",
		RuntimeVersion:      h.cfg.Version.RuntimeVersion,
		GitCommit:           h.cfg.Version.GitCommit,
		GitBranch:           h.cfg.Version.GitBranch,
		AvailableStrategies: h.cfg.AvailableStrategies,
	}
	if h.cfg.Runtime != nil {
		resp.HostedAgents = h.cfg.Runtime.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Version)
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.cfg.Executor.Run(r.Context(), req.Command)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Output: result.Output, ExitCode: result.ExitCode})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requireSharedSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
				subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
