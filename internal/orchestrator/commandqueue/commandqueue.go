// Package commandqueue is the per-slave FIFO of pending directives a slave
// pulls when it polls /api/slaves/{id}/commands.
package commandqueue

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/storage"
)

// MaxRedeliveries bounds how many times an unacknowledged command is
// re-enqueued before the hosting intent is failed and surfaced.
const MaxRedeliveries = 3

// queueDoc is the on-disk document at commands/<slave_id>.json.
type queueDoc struct {
	Commands []*model.Command `json:"commands"`
}

// Queue is the master-side Command Queue, one FIFO per slave_id.
type Queue struct {
	mu      sync.Mutex
	bySlave map[string][]*model.Command
	dataDir string
	logger  *zap.Logger
}

// New constructs a Queue rooted at dataDir. Existing per-slave files are
// not eagerly loaded (slave ids are not known ahead of time); each is
// lazily loaded on first touch via loadLocked.
func New(dataDir string, logger *zap.Logger) *Queue {
	return &Queue{
		bySlave: make(map[string][]*model.Command),
		dataDir: dataDir,
		logger:  logger.Named("commandqueue"),
	}
}

func (q *Queue) path(slaveID string) string {
	return filepath.Join(q.dataDir, "commands", slaveID+".json")
}

func (q *Queue) loadLocked(slaveID string) {
	if _, ok := q.bySlave[slaveID]; ok {
		return
	}
	var doc queueDoc
	if err := storage.ReadJSON(q.path(slaveID), &doc); err == nil {
		q.bySlave[slaveID] = doc.Commands
	} else {
		q.bySlave[slaveID] = nil
	}
}

func (q *Queue) persistLocked(slaveID string) error {
	return storage.WriteJSON(q.path(slaveID), queueDoc{Commands: q.bySlave[slaveID]})
}

// Enqueue builds a command for slaveID from typ and payload, assigning a
// fresh command_id and enqueued_at, and appends it to the slave's FIFO.
func (q *Queue) Enqueue(slaveID string, typ model.CommandType, payload model.CommandPayload) (*model.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(slaveID)

	cmd := &model.Command{
		CommandID:  uuid.NewString(),
		SlaveID:    slaveID,
		Type:       typ,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	q.bySlave[slaveID] = append(q.bySlave[slaveID], cmd)
	if err := q.persistLocked(slaveID); err != nil {
		return nil, err
	}
	cp := *cmd
	return &cp, nil
}

// Drain returns and removes all currently enqueued commands for slaveID,
// marking each delivered_at = now. Called by the slave's /commands poll.
// An empty queue returns immediately with an empty slice — never blocks.
func (q *Queue) Drain(slaveID string) ([]*model.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(slaveID)

	cmds := q.bySlave[slaveID]
	if len(cmds) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]*model.Command, len(cmds))
	for i, c := range cmds {
		c.DeliveredAt = &now
		cp := *c
		out[i] = &cp
	}
	q.bySlave[slaveID] = nil
	if err := q.persistLocked(slaveID); err != nil {
		return nil, err
	}
	return out, nil
}

// Requeue re-enqueues a command that went unacknowledged within the grace
// window, bumping its redelivery count. Returns false (and does not
// requeue) once max_redeliveries is exceeded — the caller should then fail
// and surface the hosting intent.
func (q *Queue) Requeue(cmd *model.Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd.Redeliveries >= MaxRedeliveries {
		return false
	}
	q.loadLocked(cmd.SlaveID)

	fresh := *cmd
	fresh.DeliveredAt = nil
	fresh.Redeliveries++
	fresh.EnqueuedAt = time.Now().UTC()
	q.bySlave[cmd.SlaveID] = append(q.bySlave[cmd.SlaveID], &fresh)
	if err := q.persistLocked(cmd.SlaveID); err != nil {
		q.logger.Error("persist requeue failed", zap.Error(err))
		return false
	}
	return true
}

// Purge removes all queue state for a slave (used on Unregister).
func (q *Queue) Purge(slaveID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bySlave[slaveID] = nil
	return q.persistLocked(slaveID)
}

// Pending returns a snapshot of a slave's currently queued (undelivered)
// commands without draining them, for diagnostics.
func (q *Queue) Pending(slaveID string) []*model.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked(slaveID)
	out := make([]*model.Command, len(q.bySlave[slaveID]))
	for i, c := range q.bySlave[slaveID] {
		cp := *c
		out[i] = &cp
	}
	return out
}
