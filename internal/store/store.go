// Package store persists collected records and run statistics behind a
// driver-agnostic interface with SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/litharvest/internal/model"
)

// Sentinel lookup errors shared by both implementations.
var (
	ErrRecordNotFound = eris.New("store: record not found")
	ErrRunNotFound    = eris.New("store: run not found")
)

// RecordFilter specifies criteria for listing collected records.
type RecordFilter struct {
	RunID        string        `json:"run_id,omitempty"`
	Outcome      model.Outcome `json:"outcome,omitempty"`
	EnrichedOnly bool          `json:"enriched_only,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Phase        model.Phase `json:"phase,omitempty"`
	Query        string      `json:"query,omitempty"`
	StartedAfter time.Time   `json:"started_after,omitempty"`
	Limit        int         `json:"limit,omitempty"`
}

// FailedRecord is one identifier that did not collect cleanly, with
// its reason, for reprocessing.
type FailedRecord struct {
	Identifier model.Identifier `json:"identifier"`
	Outcome    model.Outcome    `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
}

// Store defines the persistence interface for the harvesting pipeline.
// UpsertRecord is idempotent by identifier: re-collecting a record
// overwrites the stored row, never duplicates it.
type Store interface {
	// Records
	UpsertRecord(ctx context.Context, rec model.CollectedRecord) error
	UpsertRecords(ctx context.Context, recs []model.CollectedRecord) error
	GetRecord(ctx context.Context, pmid string) (*model.CollectedRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.CollectedRecord, error)
	ListFailed(ctx context.Context, runID string) ([]FailedRecord, error)

	// Runs
	SaveRunStats(ctx context.Context, state model.RunState) error
	GetRun(ctx context.Context, runID string) (*model.RunState, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
