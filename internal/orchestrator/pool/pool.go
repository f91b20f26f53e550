// Package pool is the Agent Pool Manager: the placement engine that picks
// a slave for a new hosted agent, enforces per-slave quotas, tracks
// placements, and reconciles observed agent lists against expected state.
package pool

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
	"github.com/d8ops/controlplane/internal/storage"
)

// GraceWindow is how long an agent with a pending transition may be
// missing from its slave's heartbeat report before the reconciler marks it
// orphaned. The reconciler does not re-enqueue the pending command.
const GraceWindow = 60 * time.Second

// DefaultOverbookingFactors are the per-device-class multipliers from §4.3.
func DefaultOverbookingFactors() map[model.DeviceType]float64 {
	return map[model.DeviceType]float64{
		model.DeviceSingleBoard: 1.0,
		model.DeviceDesktop:     1.5,
		model.DeviceServer:      2.0,
	}
}

type poolDoc struct {
	Agents []*model.HostedAgent `json:"agents"`
}

// Pool is the master-side Agent Pool Manager. It takes the registry's own
// lock (reg.Lock/Unlock) as its serializing primitive — placement decisions read registry state and
// mutate pool state under the identical lock, so the two can never
// observe an inconsistent interleaving (spec §5: "every mutation goes
// through it").
type Pool struct {
	reg   *registry.Registry
	queue *commandqueue.Queue

	agents  map[string]*model.HostedAgent
	factors map[model.DeviceType]float64
	dataDir string
	logger  *zap.Logger
}

// New constructs a Pool backed by reg (for candidate slaves) and queue
// (for dispatching deploy/destroy/update commands).
func New(reg *registry.Registry, queue *commandqueue.Queue, dataDir string, logger *zap.Logger) (*Pool, error) {
	p := &Pool{
		reg:     reg,
		queue:   queue,
		agents:  make(map[string]*model.HostedAgent),
		factors: DefaultOverbookingFactors(),
		dataDir: dataDir,
		logger:  logger.Named("pool"),
	}

	var doc poolDoc
	if err := storage.ReadJSON(p.path(), &doc); err == nil {
		for _, a := range doc.Agents {
			p.agents[a.AgentID] = a
		}
	}
	return p, nil
}

func (p *Pool) path() string {
	return filepath.Join(p.dataDir, "agents", "pool.json")
}

// SetOverbookingFactor overrides the multiplier for a device class.
func (p *Pool) SetOverbookingFactor(dt model.DeviceType, factor float64) {
	p.reg.Lock()
	defer p.reg.Unlock()
	p.factors[dt] = factor
}

func (p *Pool) persistLocked() error {
	out := make([]*model.HostedAgent, 0, len(p.agents))
	for _, a := range p.agents {
		cp := *a
		out = append(out, &cp)
	}
	return storage.WriteJSON(p.path(), poolDoc{Agents: out})
}

func (p *Pool) overbookingFactor(dt model.DeviceType) float64 {
	if f, ok := p.factors[dt]; ok {
		return f
	}
	return 1.0
}

// candidate ranks a slave for placement.
type candidate struct {
	slave     *model.Slave
	headroom  int
	avgLatency float64
}

// selectSlaveLocked implements the deterministic placement algorithm of
// §4.3: filter online + version-matched + under-quota, rank by headroom
// then latency. Caller must hold p.reg's lock; it reads p.reg's state via
// AllLocked rather than Snapshot, since Snapshot takes the lock itself and
// p.reg's mutex is not reentrant.
func (p *Pool) selectSlaveLocked() (*model.Slave, error) {
	all := p.reg.AllLocked()
	var candidates []candidate
	for _, s := range all {
		if s.Status != model.SlaveOnline {
			continue
		}
		ceiling := int(float64(s.Capabilities.MaxAgents) * p.overbookingFactor(s.DeviceType))
		count := p.countForSlaveLocked(s.SlaveID)
		if count >= ceiling {
			continue
		}
		candidates = append(candidates, candidate{
			slave:      s,
			headroom:   ceiling - count,
			avgLatency: s.ResourcesUsage.AvgLatencyMs,
		})
	}

	if len(candidates) == 0 {
		return nil, errs.New(errs.KindNoCapacity, "no eligible slave for deploy")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].headroom != candidates[j].headroom {
			return candidates[i].headroom > candidates[j].headroom
		}
		return candidates[i].avgLatency < candidates[j].avgLatency
	})

	return candidates[0].slave, nil
}

func (p *Pool) countForSlaveLocked(slaveID string) int {
	n := 0
	for _, a := range p.agents {
		if a.SlaveID != slaveID {
			continue
		}
		switch a.Status {
		case model.AgentActive, model.AgentPendingDeploy, model.AgentPendingUpdate:
			n++
		}
	}
	return n
}

// Deploy allocates an agent_id, places the genome as given (its hash is
// not recomputed here) on the best candidate slave, and enqueues a
// deploy_agent command.
func (p *Pool) Deploy(genome model.Genome) (*model.HostedAgent, error) {
	p.reg.Lock()
	defer p.reg.Unlock()

	slave, err := p.selectSlaveLocked()
	if err != nil {
		return nil, err
	}

	agent := &model.HostedAgent{
		AgentID:  uuid.NewString(),
		Genome:   genome,
		SlaveID:  slave.SlaveID,
		PlacedAt: time.Now().UTC(),
		Status:   model.AgentPendingDeploy,
	}
	pendingAt := time.Now().UTC()
	agent.PendingAt = &pendingAt
	p.agents[agent.AgentID] = agent

	if err := p.persistLocked(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist pool", err)
	}

	if _, err := p.queue.Enqueue(slave.SlaveID, model.CommandDeployAgent, model.CommandPayload{
		AgentID: agent.AgentID,
		Genome:  &genome,
	}); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "enqueue deploy command", err)
	}

	cp := *agent
	return &cp, nil
}

// Destroy transitions an agent to pending_destroy and enqueues the
// corresponding command.
func (p *Pool) Destroy(agentID string) error {
	p.reg.Lock()
	defer p.reg.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return errs.New(errs.KindNotFound, "unknown agent "+agentID)
	}
	a.Status = model.AgentPendingDestroy
	now := time.Now().UTC()
	a.PendingAt = &now

	if err := p.persistLocked(); err != nil {
		return errs.Wrap(errs.KindFatal, "persist pool", err)
	}
	_, err := p.queue.Enqueue(a.SlaveID, model.CommandDestroyAgent, model.CommandPayload{AgentID: agentID})
	return err
}

// UpdateGenome transitions an agent to pending_update and enqueues the
// corresponding command with the new genome.
func (p *Pool) UpdateGenome(agentID string, genome model.Genome) error {
	p.reg.Lock()
	defer p.reg.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return errs.New(errs.KindNotFound, "unknown agent "+agentID)
	}
	a.Status = model.AgentPendingUpdate
	now := time.Now().UTC()
	a.PendingAt = &now

	if err := p.persistLocked(); err != nil {
		return errs.Wrap(errs.KindFatal, "persist pool", err)
	}
	_, err := p.queue.Enqueue(a.SlaveID, model.CommandUpdateGenome, model.CommandPayload{AgentID: agentID, Genome: &genome})
	return err
}

// Get returns a copy of one hosted agent.
func (p *Pool) Get(agentID string) (*model.HostedAgent, bool) {
	p.reg.Lock()
	defer p.reg.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Placements returns a snapshot of agent_id → {slave_id, placed_at}.
func (p *Pool) Placements() map[string]*model.HostedAgent {
	p.reg.Lock()
	defer p.reg.Unlock()
	out := make(map[string]*model.HostedAgent, len(p.agents))
	for id, a := range p.agents {
		cp := *a
		out[id] = &cp
	}
	return out
}

// Reconcile applies one slave's heartbeat agents_report: agents the
// master knows about get their observed status updated and pending flags
// cleared; agents the master does not know about are instructed to be
// destroyed (stale); agents the master expects on this slave but missing
// from the report are left as they are while their pending transition is
// younger than GraceWindow, and marked orphaned otherwise. No command is
// re-enqueued for them.
func (p *Pool) Reconcile(slaveID string, report map[string]string) {
	p.reg.Lock()
	defer p.reg.Unlock()

	seen := make(map[string]bool, len(report))
	for agentID, status := range report {
		seen[agentID] = true
		a, ok := p.agents[agentID]
		if !ok {
			// Master has no record of this agent: instruct destruction.
			if _, err := p.queue.Enqueue(slaveID, model.CommandDestroyAgent, model.CommandPayload{AgentID: agentID}); err != nil {
				p.logger.Error("enqueue destroy for stale agent failed", zap.String("agent_id", agentID), zap.Error(err))
			}
			continue
		}
		if status == "active" {
			a.Status = model.AgentActive
			a.PendingAt = nil
		}
	}

	now := time.Now().UTC()
	for agentID, a := range p.agents {
		if a.SlaveID != slaveID {
			continue
		}
		if seen[agentID] {
			continue
		}
		if a.Status == model.AgentOrphaned {
			continue
		}
		if a.PendingAt != nil && now.Sub(*a.PendingAt) < GraceWindow {
			continue
		}
		a.Status = model.AgentOrphaned
	}

	if err := p.persistLocked(); err != nil {
		p.logger.Error("persist pool after reconcile failed", zap.Error(err))
	}
}

// RecoverOrphans re-places every orphaned agent owned by a now-offline
// slave onto another eligible slave, preserving agent_id and genome.
// Returns the ids it successfully re-placed.
func (p *Pool) RecoverOrphans() []string {
	p.reg.Lock()
	var orphans []*model.HostedAgent
	for _, a := range p.agents {
		if a.Status == model.AgentOrphaned {
			orphans = append(orphans, a)
		}
	}
	p.reg.Unlock()

	var recovered []string
	for _, a := range orphans {
		p.reg.Lock()
		slave, err := p.selectSlaveLocked()
		if err != nil {
			p.reg.Unlock()
			continue
		}
		a.SlaveID = slave.SlaveID
		a.Status = model.AgentPendingDeploy
		now := time.Now().UTC()
		a.PlacedAt = now
		a.PendingAt = &now
		persistErr := p.persistLocked()
		p.reg.Unlock()
		if persistErr != nil {
			p.logger.Error("persist pool after orphan recovery failed", zap.Error(persistErr))
			continue
		}

		if _, err := p.queue.Enqueue(slave.SlaveID, model.CommandDeployAgent, model.CommandPayload{
			AgentID: a.AgentID,
			Genome:  &a.Genome,
		}); err != nil {
			p.logger.Error("enqueue recovery deploy failed", zap.String("agent_id", a.AgentID), zap.Error(err))
			continue
		}
		recovered = append(recovered, a.AgentID)
	}
	return recovered
}

// MarkOrphansForSlave transitions every active/pending agent on slaveID
// to orphaned. Called by the Health Monitor when a slave goes offline.
func (p *Pool) MarkOrphansForSlave(slaveID string) {
	p.reg.Lock()
	defer p.reg.Unlock()

	changed := false
	for _, a := range p.agents {
		if a.SlaveID != slaveID {
			continue
		}
		switch a.Status {
		case model.AgentActive, model.AgentPendingDeploy, model.AgentPendingUpdate, model.AgentPendingDestroy:
			a.Status = model.AgentOrphaned
			changed = true
		}
	}
	if changed {
		if err := p.persistLocked(); err != nil {
			p.logger.Error("persist pool after orphaning failed", zap.Error(err))
		}
	}
}
