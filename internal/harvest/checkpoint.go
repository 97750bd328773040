// Package harvest implements the collection pipeline: the batched
// fetch worker pool, the enrichment stage, checkpointing, and the run
// coordinator that wires them together.
package harvest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/litharvest/internal/model"
)

// Snapshot is the durable progress of one run: the run state plus the
// records accumulated so far. A resumed run subtracts the completed
// identifier set from the full set and continues on the remainder.
type Snapshot struct {
	State   *model.RunState         `json:"state"`
	Records []model.CollectedRecord `json:"records"`
	SavedAt time.Time               `json:"saved_at"`
}

// CheckpointManager persists snapshots to a single JSON file. Writes go
// to a temp file in the same directory followed by a rename, so a crash
// mid-write never corrupts the last good checkpoint. Saves are
// serialized behind a mutex.
type CheckpointManager struct {
	path string
	mu   sync.Mutex
}

// NewCheckpointManager creates a manager writing to path.
func NewCheckpointManager(path string) *CheckpointManager {
	return &CheckpointManager{path: path}
}

// Save atomically replaces the checkpoint file with snap.
func (m *CheckpointManager) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.SavedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal snapshot")
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()          //nolint:errcheck
		os.Remove(tmpName)   //nolint:errcheck
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()          //nolint:errcheck
		os.Remove(tmpName)   //nolint:errcheck
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "checkpoint: close temp file")
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "checkpoint: replace checkpoint file")
	}
	return nil
}

// Load reads the latest checkpoint. A missing file returns (nil, nil):
// the run starts fresh.
func (m *CheckpointManager) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: read checkpoint file")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "checkpoint: unmarshal snapshot")
	}
	if snap.State != nil && snap.State.Completed == nil {
		snap.State.Completed = make(map[model.Identifier]model.Outcome)
	}
	return &snap, nil
}

// Clear removes the checkpoint file after a run completes cleanly.
func (m *CheckpointManager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "checkpoint: remove checkpoint file")
	}
	return nil
}

// Path returns the checkpoint file location.
func (m *CheckpointManager) Path() string {
	return m.path
}
