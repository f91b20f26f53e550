// Package health is the Health Monitor: a background sweep that probes
// every known slave's /health endpoint, updates status, flags version
// mismatch, detects orphaned agents on offline slaves, and triggers
// recovery.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
	"github.com/d8ops/controlplane/internal/transport"
)

// ProbeInterval is the default cadence of the health sweep.
const ProbeInterval = 30 * time.Second

// LivenessWindow is the default threshold past which a slave is offline.
const LivenessWindow = 90 * time.Second

// healthPayload mirrors the slave's GET /health response.
type healthPayload struct {
	Status            string   `json:"status"`
	RuntimeVersion    string   `json:"runtime_version"`
	GitCommit         string   `json:"git_commit"`
	GitBranch         string   `json:"git_branch"`
	AvailableStrategies []string `json:"available_strategies"`
}

// Monitor is the master-side Health Monitor.
type Monitor struct {
	reg    *registry.Registry
	pool   *pool.Pool
	client *transport.Client
	logger *zap.Logger

	probeInterval  time.Duration
	livenessWindow time.Duration
	probeConcurrency int

	cron gocron.Scheduler
}

// New constructs a Monitor. probeInterval/livenessWindow default to the
// documented values when zero.
func New(reg *registry.Registry, p *pool.Pool, client *transport.Client, probeInterval, livenessWindow time.Duration, logger *zap.Logger) (*Monitor, error) {
	if probeInterval == 0 {
		probeInterval = ProbeInterval
	}
	if livenessWindow == 0 {
		livenessWindow = LivenessWindow
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("health: create scheduler: %w", err)
	}

	return &Monitor{
		reg:              reg,
		pool:             p,
		client:           client,
		logger:           logger.Named("health"),
		probeInterval:    probeInterval,
		livenessWindow:   livenessWindow,
		probeConcurrency: 16,
		cron:             s,
	}, nil
}

// Start registers the periodic sweep and begins running it in the
// background. Returns once the job is scheduled; the sweep itself runs on
// the scheduler's own goroutines until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.probeInterval),
		gocron.NewTask(func() { m.sweep(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("health: schedule sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop cancels the scheduler cleanly; in-flight probes are allowed to
// return via their own per-probe context, which the caller's ctx passed
// to Start controls.
func (m *Monitor) Stop() error {
	return m.cron.Shutdown()
}

// sweep runs one full probe cycle: concurrently calls every known slave's
// /health, reconciles status, then sweeps for liveness-window staleness
// and triggers orphan recovery for anything that just went offline.
func (m *Monitor) sweep(ctx context.Context) {
	slaves := m.reg.Snapshot()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeConcurrency)

	for _, s := range slaves {
		s := s
		g.Go(func() error {
			m.probeOne(gctx, s)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error; recorded via logging instead

	transitioned := m.reg.SweepOffline(ctx, m.livenessWindow)
	for _, id := range transitioned {
		m.logger.Info("slave transitioned offline", zap.String("slave_id", id))
		m.pool.MarkOrphansForSlave(id)
	}
	if len(transitioned) > 0 {
		recovered := m.pool.RecoverOrphans()
		if len(recovered) > 0 {
			m.logger.Info("recovered orphaned agents", zap.Strings("agent_ids", recovered))
		}
	}
}

// probeOne calls one slave's /health and updates its status. Errors never
// propagate out of the Health Monitor — per §7, TransportError here just
// updates status and is retried next sweep.
func (m *Monitor) probeOne(ctx context.Context, s *model.Slave) {
	resp, err := m.client.Request(ctx, "GET", s.Endpoint()+"/health", nil, nil)
	if err != nil {
		m.logger.Warn("health probe failed", zap.String("slave_id", s.SlaveID), zap.Error(err))
		return
	}

	var hp healthPayload
	if err := transport.DecodeJSON(resp, &hp); err != nil {
		m.logger.Warn("health probe decode failed", zap.String("slave_id", s.SlaveID), zap.Error(err))
		return
	}

	status := model.SlaveOnline
	if hp.GitCommit != "" && m.reg.MasterCommit() != "" && hp.GitCommit != m.reg.MasterCommit() {
		status = model.SlaveVersionMismatch
	}
	if err := m.reg.UpdateStatus(s.SlaveID, status); err != nil {
		m.logger.Warn("status update failed", zap.String("slave_id", s.SlaveID), zap.Error(err))
	}
}
