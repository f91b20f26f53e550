// Package runtime holds the slave's in-process registry of hosted agents.
// Unlike the teacher's backup-job executor, which runs one job at a time
// from a queue, hosted agents run concurrently and indefinitely — each
// occupies a map slot from deploy until destroy.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
)

// LLMInvoker is the boundary contract a hosted agent may use to call out
// to a language model. No implementation lives in this repo — the Runtime
// receives it via constructor injection (New) and stores it, hosted agents
// are not handed it, and the control plane itself never calls it.
type LLMInvoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// hostedAgent is one running instance, keyed by AgentID.
type hostedAgent struct {
	agentID string
	genome  model.Genome

	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is the concurrent registry of hosted agents running on this
// slave. It is safe for concurrent use.
type Runtime struct {
	mu     sync.Mutex
	agents map[string]*hostedAgent

	invoker LLMInvoker
	logger  *zap.Logger
}

// New creates an empty Runtime. invoker may be nil — agents that never
// call out to an LLM work fine without one.
func New(invoker LLMInvoker, logger *zap.Logger) *Runtime {
	return &Runtime{
		agents:  make(map[string]*hostedAgent),
		invoker: invoker,
		logger:  logger.Named("runtime"),
	}
}

// VerifyGenome recomputes the sha256 of genome.Bytes and reports whether
// it matches genome.Hash. A command whose genome fails this check is
// rejected rather than applied — the master and slave must agree on
// exactly what bytes are being deployed.
func VerifyGenome(genome model.Genome) bool {
	sum := sha256.Sum256(genome.Bytes)
	return hex.EncodeToString(sum[:]) == genome.Hash
}

// Deploy starts a new hosted agent under agentID. Returns an error if an
// agent with that ID is already running.
func (r *Runtime) Deploy(agentID string, genome model.Genome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return fmt.Errorf("runtime: agent %s already deployed", agentID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ha := &hostedAgent{
		agentID: agentID,
		genome:  genome,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.agents[agentID] = ha
	go r.run(ctx, ha)

	r.logger.Info("agent deployed", zap.String("agent_id", agentID), zap.String("genome_hash", genome.Hash))
	return nil
}

// Destroy stops and removes a hosted agent. A destroy of an unknown
// agent is a no-op — the slave may be catching up on a command whose
// effect it already applied.
func (r *Runtime) Destroy(agentID string) {
	r.mu.Lock()
	ha, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	ha.cancel()
	<-ha.done
	r.logger.Info("agent destroyed", zap.String("agent_id", agentID))
}

// UpdateGenome replaces a hosted agent's behavior by destroying the
// existing instance and deploying a fresh one under the new genome.
// Hosted-agent behavior is opaque to the runtime, so there is no general
// way to apply a genome change in place without the agent's cooperation;
// destroy+recreate is always safe.
func (r *Runtime) UpdateGenome(agentID string, genome model.Genome) error {
	r.Destroy(agentID)
	return r.Deploy(agentID, genome)
}

// Report returns the status string the slave includes in its heartbeat's
// agents_status map for every agent currently tracked.
func (r *Runtime) Report() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.agents))
	for id := range r.agents {
		out[id] = "active"
	}
	return out
}

// Count returns the number of hosted agents currently running.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// run is the hosted agent's lifetime goroutine. A genome describes
// behavior opaquely; absent a concrete agent kind to execute, run simply
// idles until cancelled — genome-specific behavior plugs in here.
func (r *Runtime) run(ctx context.Context, ha *hostedAgent) {
	defer close(ha.done)
	<-ctx.Done()
}
