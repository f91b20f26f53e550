// Package registry is the Slave Registry: a durable, in-memory map of
// known slaves, protected by a single serializing primitive and
// snapshotted to disk atomically on every mutation.
package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/storage"
)

// snapshot is the on-disk document written to slaves/config.json.
type snapshot struct {
	Version int            `json:"version"`
	Slaves  []*model.Slave `json:"slaves"`
}

// LivenessWindow is the duration after which a slave that hasn't
// heartbeated is considered offline.
const LivenessWindow = 90 * time.Second

// Registry is the master-side Slave Registry. All reads and writes are
// serialized through mu — the same lock the Agent Pool takes via Lock/Unlock,
// so placement decisions and registry mutations never interleave unsafely.
type Registry struct {
	mu      sync.Mutex
	slaves  map[string]*model.Slave
	dataDir string
	logger  *zap.Logger

	masterCommit string
}

// New constructs a Registry rooted at dataDir, loading any existing
// snapshot. masterCommit is the orchestrator's own git_commit, used for
// version reconciliation on every heartbeat.
func New(dataDir, masterCommit string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		slaves:       make(map[string]*model.Slave),
		dataDir:      dataDir,
		logger:       logger.Named("registry"),
		masterCommit: masterCommit,
	}

	var snap snapshot
	err := storage.ReadJSON(r.path(), &snap)
	if err == nil {
		for _, s := range snap.Slaves {
			r.slaves[s.SlaveID] = s
		}
	}
	return r, nil
}

func (r *Registry) path() string {
	return filepath.Join(r.dataDir, "slaves", "config.json")
}

// Lock and Unlock expose the registry's serializing primitive so the
// Agent Pool can compose placement decisions atomically with registry
// reads under the identical lock.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

func (r *Registry) persistLocked() error {
	snap := snapshot{Version: 1, Slaves: r.allLocked()}
	return storage.WriteJSON(r.path(), snap)
}

func (r *Registry) allLocked() []*model.Slave {
	out := make([]*model.Slave, 0, len(r.slaves))
	for _, s := range r.slaves {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Register adds or re-registers a slave. Idempotent when the descriptor's
// endpoint matches an existing binding for the same slave_id; rejects
// with Conflict when slave_id is already bound to a different endpoint.
func (r *Registry) Register(slaveID, host string, port int, deviceType model.DeviceType, caps model.Capabilities, version model.VersionFingerprint, secretRef string) (*model.Slave, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.slaves[slaveID]; ok {
		if existing.Host != host || existing.Port != port {
			return nil, errs.New(errs.KindConflict, "slave_id "+slaveID+" already bound to a different endpoint")
		}
		existing.Capabilities = caps
		existing.Version = version
		existing.DeviceType = deviceType
		existing.LastSeenAt = now
		existing.Status = r.reconcileStatusLocked(existing)
		if err := r.persistLocked(); err != nil {
			return nil, errs.Wrap(errs.KindFatal, "persist registry", err)
		}
		cp := *existing
		return &cp, nil
	}

	s := &model.Slave{
		SlaveID:       slaveID,
		Host:          host,
		Port:          port,
		DeviceType:    deviceType,
		Capabilities:  caps,
		Version:       version,
		Status:        model.SlaveOnline,
		LastSeenAt:    now,
		InstallMethod: model.InstallUnknown,
		SecretRef:     secretRef,
		RegisteredAt:  now,
	}
	s.Status = r.reconcileStatusLocked(s)
	r.slaves[slaveID] = s

	if err := r.persistLocked(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist registry", err)
	}
	cp := *s
	return &cp, nil
}

// reconcileStatusLocked flips status to version_mismatch when the slave's
// reported commit differs from the master's, preserving offline/degraded
// if already set more severely.
func (r *Registry) reconcileStatusLocked(s *model.Slave) model.SlaveStatus {
	if s.Status == model.SlaveOffline || s.Status == model.SlaveDegraded {
		return s.Status
	}
	if r.masterCommit != "" && s.Version.GitCommit != "" && s.Version.GitCommit != r.masterCommit {
		return model.SlaveVersionMismatch
	}
	return model.SlaveOnline
}

// HeartbeatResult carries the reconciled slave plus the raw agents_status
// report, for the Agent Pool's reconciliation pass.
type HeartbeatResult struct {
	Slave        *model.Slave
	AgentsReport map[string]string
}

// Heartbeat updates last_seen_at, resource usage, and reconciles version.
func (r *Registry) Heartbeat(slaveID string, agentsReport map[string]string, usage model.ResourceUsage, version model.VersionFingerprint) (*HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slaves[slaveID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown slave "+slaveID)
	}

	s.LastSeenAt = time.Now().UTC()
	s.WentOfflineAt = nil
	s.Version = version
	s.ResourcesUsage = usage
	s.AgentsCount = len(agentsReport)
	s.Status = r.reconcileStatusLocked(s)

	if err := r.persistLocked(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist registry", err)
	}

	cp := *s
	return &HeartbeatResult{Slave: &cp, AgentsReport: agentsReport}, nil
}

// Snapshot returns a consistent, independent copy of all known slaves.
func (r *Registry) Snapshot() []*model.Slave {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked()
}

// AllLocked is the exported form of allLocked, for callers (the Agent Pool)
// that already hold r's lock via Lock/Unlock and would deadlock calling
// Snapshot, whose own locking assumes the caller does not hold mu.
func (r *Registry) AllLocked() []*model.Slave {
	return r.allLocked()
}

// Get returns a copy of one slave by id.
func (r *Registry) Get(slaveID string) (*model.Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[slaveID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// MarkOffline transitions a slave to offline, recording when.
func (r *Registry) MarkOffline(slaveID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slaves[slaveID]
	if !ok {
		return errs.New(errs.KindNotFound, "unknown slave "+slaveID)
	}
	if s.Status == model.SlaveOffline {
		return nil
	}
	now := time.Now().UTC()
	s.Status = model.SlaveOffline
	s.WentOfflineAt = &now
	return r.persistLocked()
}

// Unregister removes a slave entirely.
func (r *Registry) Unregister(slaveID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slaves[slaveID]; !ok {
		return errs.New(errs.KindNotFound, "unknown slave "+slaveID)
	}
	delete(r.slaves, slaveID)
	return r.persistLocked()
}

// SweepOffline marks any slave whose last_seen_at exceeds the liveness
// window as offline, returning the ids that transitioned. Intended to be
// called by the Health Monitor.
func (r *Registry) SweepOffline(ctx context.Context, window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var transitioned []string
	now := time.Now().UTC()
	for id, s := range r.slaves {
		if s.Status == model.SlaveOffline {
			continue
		}
		if now.Sub(s.LastSeenAt) > window {
			s.Status = model.SlaveOffline
			s.WentOfflineAt = &now
			transitioned = append(transitioned, id)
		}
	}
	if len(transitioned) > 0 {
		if err := r.persistLocked(); err != nil {
			r.logger.Error("persist registry after offline sweep failed", zap.Error(err))
		}
	}
	return transitioned
}

// UpdateStatus sets status directly (used by the Health Monitor after a
// successful probe) and refreshes last_seen_at, since a successful /health
// probe is itself evidence of liveness.
func (r *Registry) UpdateStatus(slaveID string, status model.SlaveStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[slaveID]
	if !ok {
		return errs.New(errs.KindNotFound, "unknown slave "+slaveID)
	}
	s.Status = status
	s.LastSeenAt = time.Now().UTC()
	s.WentOfflineAt = nil
	return r.persistLocked()
}

// MasterCommit returns the orchestrator's own commit used for reconciliation.
func (r *Registry) MasterCommit() string { return r.masterCommit }
