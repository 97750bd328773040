package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/litharvest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	pmid                 TEXT PRIMARY KEY,
	title                TEXT,
	abstract             TEXT,
	full_text            TEXT,
	has_full_text        INTEGER NOT NULL DEFAULT 0,
	authors              TEXT,
	journal              TEXT,
	year                 INTEGER,
	mesh_terms           TEXT,
	doi                  TEXT,
	pmcid                TEXT,
	outcome              TEXT NOT NULL,
	fail_reason          TEXT,
	enrichment           TEXT,
	enrichment_retrieved INTEGER NOT NULL DEFAULT 0,
	run_id               TEXT NOT NULL,
	fetched_at           DATETIME NOT NULL,
	collected_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	query            TEXT NOT NULL,
	phase            TEXT NOT NULL,
	total_found      INTEGER NOT NULL DEFAULT 0,
	identifier_count INTEGER NOT NULL DEFAULT 0,
	counts           TEXT NOT NULL,
	started_at       DATETIME NOT NULL,
	finished_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_records_run_id ON records(run_id);
CREATE INDEX IF NOT EXISTS idx_records_outcome ON records(outcome);
CREATE INDEX IF NOT EXISTS idx_records_doi ON records(doi);
CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertRecord = `
INSERT INTO records (
	pmid, title, abstract, full_text, has_full_text, authors, journal,
	year, mesh_terms, doi, pmcid, outcome, fail_reason, enrichment,
	enrichment_retrieved, run_id, fetched_at, collected_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pmid) DO UPDATE SET
	title = excluded.title,
	abstract = excluded.abstract,
	full_text = excluded.full_text,
	has_full_text = excluded.has_full_text,
	authors = excluded.authors,
	journal = excluded.journal,
	year = excluded.year,
	mesh_terms = excluded.mesh_terms,
	doi = excluded.doi,
	pmcid = excluded.pmcid,
	outcome = excluded.outcome,
	fail_reason = excluded.fail_reason,
	enrichment = excluded.enrichment,
	enrichment_retrieved = excluded.enrichment_retrieved,
	run_id = excluded.run_id,
	fetched_at = excluded.fetched_at,
	collected_at = excluded.collected_at`

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.CollectedRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertRecord, args...)
	return eris.Wrapf(err, "sqlite: upsert record %s", rec.Identifier)
}

func (s *SQLiteStore) UpsertRecords(ctx context.Context, recs []model.CollectedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertRecord)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, rec := range recs {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert record %s", rec.Identifier)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert tx")
}

const recordColumns = `pmid, title, abstract, full_text, has_full_text, authors, journal,
	year, mesh_terms, doi, pmcid, outcome, fail_reason, enrichment,
	enrichment_retrieved, run_id, fetched_at, collected_at`

func (s *SQLiteStore) GetRecord(ctx context.Context, pmid string) (*model.CollectedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE pmid = ?`, pmid)
	return scanRecord(row)
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.CollectedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.EnrichedOnly {
		query += ` AND enrichment_retrieved = 1`
	}
	query += ` ORDER BY pmid`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.CollectedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ListFailed(ctx context.Context, runID string) ([]FailedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pmid, outcome, COALESCE(fail_reason, '') FROM records
		 WHERE run_id = ? AND outcome != ? ORDER BY pmid`,
		runID, string(model.OutcomeOK),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed")
	}
	defer rows.Close()

	var out []FailedRecord
	for rows.Next() {
		var f FailedRecord
		var pmid, outcome string
		if err := rows.Scan(&pmid, &outcome, &f.Reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed record")
		}
		f.Identifier = model.Identifier(pmid)
		f.Outcome = model.Outcome(outcome)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failed iterate")
}

func (s *SQLiteStore) SaveRunStats(ctx context.Context, state model.RunState) error {
	countsJSON, err := json.Marshal(state.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}
	var finished any
	if !state.FinishedAt.IsZero() {
		finished = state.FinishedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, query, phase, total_found, identifier_count, counts, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			total_found = excluded.total_found,
			identifier_count = excluded.identifier_count,
			counts = excluded.counts,
			finished_at = excluded.finished_at`,
		state.RunID, state.Query, string(state.Phase), state.TotalFound,
		state.IdentifierCount, string(countsJSON), state.StartedAt, finished,
	)
	return eris.Wrapf(err, "sqlite: save run stats %s", state.RunID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.RunState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, phase, total_found, identifier_count, counts, started_at, finished_at
		 FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunState, error) {
	query := `SELECT id, query, phase, total_found, identifier_count, counts, started_at, finished_at
		 FROM runs WHERE 1=1`
	var args []any

	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(filter.Phase))
	}
	if filter.Query != "" {
		query += ` AND query = ?`
		args = append(args, filter.Query)
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunState
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

// recordArgs flattens a CollectedRecord into the column order shared by
// both upsert statements.
func recordArgs(rec model.CollectedRecord) ([]any, error) {
	authorsJSON, err := json.Marshal(rec.Authors)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal authors")
	}
	meshJSON, err := json.Marshal(rec.MeshTerms)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal mesh terms")
	}
	var enrichmentJSON any
	if rec.Enrichment != nil {
		data, err := json.Marshal(rec.Enrichment)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal enrichment")
		}
		enrichmentJSON = string(data)
	}
	return []any{
		string(rec.Identifier), rec.Title, rec.Abstract, rec.FullText,
		rec.HasFullText, string(authorsJSON), rec.Journal, rec.Year,
		string(meshJSON), rec.DOI, rec.PMCID, string(rec.Outcome),
		rec.FailReason, enrichmentJSON, rec.Enriched(), rec.RunID,
		rec.FetchedAt, rec.CollectedAt,
	}, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.CollectedRecord, error) {
	var rec model.CollectedRecord
	var pmid, outcome, authorsJSON, meshJSON string
	var failReason, enrichmentJSON sql.NullString
	var enriched bool

	err := row.Scan(&pmid, &rec.Title, &rec.Abstract, &rec.FullText,
		&rec.HasFullText, &authorsJSON, &rec.Journal, &rec.Year,
		&meshJSON, &rec.DOI, &rec.PMCID, &outcome, &failReason,
		&enrichmentJSON, &enriched, &rec.RunID, &rec.FetchedAt,
		&rec.CollectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan record")
	}

	rec.Identifier = model.Identifier(pmid)
	rec.Outcome = model.Outcome(outcome)
	rec.FailReason = failReason.String
	if err := json.Unmarshal([]byte(authorsJSON), &rec.Authors); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal authors")
	}
	if err := json.Unmarshal([]byte(meshJSON), &rec.MeshTerms); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal mesh terms")
	}
	if enrichmentJSON.Valid {
		rec.Enrichment = &model.Enrichment{}
		if err := json.Unmarshal([]byte(enrichmentJSON.String), rec.Enrichment); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal enrichment")
		}
	}
	return &rec, nil
}

func scanRun(row scannable) (*model.RunState, error) {
	var r model.RunState
	var phase, countsJSON string
	var finished sql.NullTime

	err := row.Scan(&r.RunID, &r.Query, &phase, &r.TotalFound,
		&r.IdentifierCount, &countsJSON, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}

	r.Phase = model.Phase(phase)
	if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal counts")
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

var _ Store = (*SQLiteStore)(nil)
