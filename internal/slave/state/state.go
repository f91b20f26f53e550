// Package state persists the slave's own identity across restarts, the way
// a fresh bootstrap doesn't re-register under a new slave_id every time the
// process is relaunched.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Local is the on-disk document at <state-dir>/slave-state.json.
type Local struct {
	SlaveID string `json:"slave_id"`
}

func filePath(stateDir string) string {
	return filepath.Join(stateDir, "slave-state.json")
}

// Load reads the persisted state, returning a zero-value Local (no error)
// if the file does not exist yet.
func Load(stateDir string) (Local, error) {
	data, err := os.ReadFile(filePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Local{}, nil
		}
		return Local{}, fmt.Errorf("state: read state file: %w", err)
	}
	var s Local
	if err := json.Unmarshal(data, &s); err != nil {
		return Local{}, fmt.Errorf("state: corrupted state file: %w", err)
	}
	return s, nil
}

// Save writes the slave state atomically via temp-file-plus-rename.
func Save(stateDir string, s Local) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("state: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("state: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "slave-state.*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath(stateDir)); err != nil {
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	ok = true
	return nil
}
