package installer

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/storage"
)

// Store persists InstallationRun documents, one file per run_id, and
// keeps an in-memory index for fast lookup.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*model.InstallationRun
	dataDir string
}

// NewStore constructs a Store rooted at dataDir, loading any existing run
// files found under installations/.
func NewStore(dataDir string) *Store {
	s := &Store{runs: make(map[string]*model.InstallationRun), dataDir: dataDir}

	entries, err := filepath.Glob(filepath.Join(dataDir, "installations", "*.json"))
	if err == nil {
		for _, path := range entries {
			var run model.InstallationRun
			if storage.ReadJSON(path, &run) == nil {
				s.runs[run.RunID] = &run
			}
		}
	}
	return s
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dataDir, "installations", runID+".json")
}

// New allocates a fresh, persisted InstallationRun in state in_progress.
func (s *Store) New(target model.InstallTarget) (*model.InstallationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &model.InstallationRun{
		RunID:     uuid.NewString(),
		Target:    target,
		Status:    model.InstallationInProgress,
		StartedAt: time.Now().UTC(),
	}
	s.runs[run.RunID] = run
	if err := storage.WriteJSON(s.path(run.RunID), run); err != nil {
		return nil, err
	}
	cp := *run
	return &cp, nil
}

// Save persists the current in-memory state of run (caller owns
// synchronization of the run's own mutation — one goroutine per run).
func (s *Store) Save(run *model.InstallationRun) error {
	s.mu.Lock()
	s.runs[run.RunID] = run
	s.mu.Unlock()
	return storage.WriteJSON(s.path(run.RunID), run)
}

// Get returns a copy of one run.
func (s *Store) Get(runID string) (*model.InstallationRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// List returns a snapshot of every known run.
func (s *Store) List() []*model.InstallationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.InstallationRun, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
