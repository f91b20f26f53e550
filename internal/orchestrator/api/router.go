package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/events"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
	metricspkg "github.com/d8ops/controlplane/internal/orchestrator/metrics"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
)

// RouterConfig holds every dependency the facade needs, assembled in
// main.go once all components are constructed.
type RouterConfig struct {
	Registry         *registry.Registry
	Queue            *commandqueue.Queue
	Pool             *pool.Pool
	Installer        *installer.Installer
	InstallationStore *installer.Store
	HumanRequests    *humanrequests.Store
	Hub              *events.Hub
	PromRegistry     *prometheus.Registry
	Collector        *metricspkg.Collector
	SharedSecret     string
	Logger           *zap.Logger
}

// NewRouter builds the fully configured Chi router for the orchestrator.
// Write endpoints require the shared bearer token; reads are open for
// local dashboard use, matching §4.8's authentication rule.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	slaveHandler := NewSlaveHandler(cfg.Registry, cfg.Queue, cfg.Pool, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Pool, cfg.Logger)
	clusterHandler := NewClusterHandler(cfg.Registry, cfg.Pool, cfg.HumanRequests, cfg.InstallationStore, cfg.Hub)
	installationHandler := NewInstallationHandler(cfg.Installer, cfg.InstallationStore, cfg.Logger)
	humanRequestHandler := NewHumanRequestHandler(cfg.HumanRequests)

	auth := RequireSharedSecret(cfg.SharedSecret)

	r.Get("/health", clusterHandler.Health)
	r.Handle("/metrics", metricsHandler(cfg.Collector, cfg.PromRegistry))
	r.Get("/ws/events", cfg.Hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/slaves", func(r chi.Router) {
			r.With(auth).Post("/register", slaveHandler.Register)
			r.With(auth).Post("/{id}/heartbeat", slaveHandler.Heartbeat)
			r.Get("/{id}/commands", slaveHandler.Commands)
			r.With(auth).Post("/{id}/unregister", slaveHandler.Unregister)
			r.Get("/list", slaveHandler.List)
		})

		r.Route("/agents", func(r chi.Router) {
			r.With(auth).Post("/deploy", agentHandler.Deploy)
			r.With(auth).Post("/{id}/destroy", agentHandler.Destroy)
			r.With(auth).Post("/{id}/update_genome", agentHandler.UpdateGenome)
			r.Get("/placements", agentHandler.Placements)
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/stats", clusterHandler.Stats)
			r.Get("/dashboard", clusterHandler.Dashboard)
		})

		r.Route("/installation", func(r chi.Router) {
			r.With(auth).Post("/start", installationHandler.Start)
			r.With(auth).Post("/progress", installationHandler.Progress)
			r.With(auth).Post("/complete", installationHandler.Complete)
			r.Get("/status", installationHandler.Status)
			r.Get("/{id}", installationHandler.Detail)
		})

		r.Route("/human_requests", func(r chi.Router) {
			r.Get("/", humanRequestHandler.List)
			r.Get("/{id}", humanRequestHandler.Get)
			r.With(auth).Post("/{id}/approve", humanRequestHandler.Approve)
			r.With(auth).Post("/{id}/reject", humanRequestHandler.Reject)
			r.With(auth).Post("/{id}/complete", humanRequestHandler.Complete)
			r.With(auth).Post("/{id}/cancel", humanRequestHandler.Cancel)
		})
	})

	return r
}

// metricsHandler refreshes the collector's gauges on every scrape (pull
// model) before delegating to the standard Prometheus handler.
func metricsHandler(c *metricspkg.Collector, reg *prometheus.Registry) http.Handler {
	inner := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Refresh()
		inner.ServeHTTP(w, r)
	})
}
