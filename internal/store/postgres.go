package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/litharvest/internal/db"
	"github.com/sells-group/litharvest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// recordCols is the records column order shared by upserts and scans.
var recordCols = []string{
	"pmid", "title", "abstract", "full_text", "has_full_text", "authors",
	"journal", "year", "mesh_terms", "doi", "pmcid", "outcome",
	"fail_reason", "enrichment", "enrichment_retrieved", "run_id",
	"fetched_at", "collected_at",
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"upsert_record": `INSERT INTO records (
		pmid, title, abstract, full_text, has_full_text, authors, journal,
		year, mesh_terms, doi, pmcid, outcome, fail_reason, enrichment,
		enrichment_retrieved, run_id, fetched_at, collected_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (pmid) DO UPDATE SET
		title = EXCLUDED.title,
		abstract = EXCLUDED.abstract,
		full_text = EXCLUDED.full_text,
		has_full_text = EXCLUDED.has_full_text,
		authors = EXCLUDED.authors,
		journal = EXCLUDED.journal,
		year = EXCLUDED.year,
		mesh_terms = EXCLUDED.mesh_terms,
		doi = EXCLUDED.doi,
		pmcid = EXCLUDED.pmcid,
		outcome = EXCLUDED.outcome,
		fail_reason = EXCLUDED.fail_reason,
		enrichment = EXCLUDED.enrichment,
		enrichment_retrieved = EXCLUDED.enrichment_retrieved,
		run_id = EXCLUDED.run_id,
		fetched_at = EXCLUDED.fetched_at,
		collected_at = EXCLUDED.collected_at`,
	"get_record": `SELECT pmid, title, abstract, full_text, has_full_text, authors, journal,
		year, mesh_terms, doi, pmcid, outcome, fail_reason, enrichment,
		enrichment_retrieved, run_id, fetched_at, collected_at
		FROM records WHERE pmid = $1`,
	"save_run": `INSERT INTO runs (id, query, phase, total_found, identifier_count, counts, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			total_found = EXCLUDED.total_found,
			identifier_count = EXCLUDED.identifier_count,
			counts = EXCLUDED.counts,
			finished_at = EXCLUDED.finished_at`,
	"get_run": `SELECT id, query, phase, total_found, identifier_count, counts, started_at, finished_at
		FROM runs WHERE id = $1`,
	"list_failed": `SELECT pmid, outcome, COALESCE(fail_reason, '') FROM records
		WHERE run_id = $1 AND outcome != 'ok' ORDER BY pmid`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; tests inject pgxmock here.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	pmid                 TEXT PRIMARY KEY,
	title                TEXT,
	abstract             TEXT,
	full_text            TEXT,
	has_full_text        BOOLEAN NOT NULL DEFAULT FALSE,
	authors              JSONB,
	journal              TEXT,
	year                 INTEGER,
	mesh_terms           JSONB,
	doi                  TEXT,
	pmcid                TEXT,
	outcome              TEXT NOT NULL,
	fail_reason          TEXT,
	enrichment           JSONB,
	enrichment_retrieved BOOLEAN NOT NULL DEFAULT FALSE,
	run_id               TEXT NOT NULL,
	fetched_at           TIMESTAMPTZ NOT NULL,
	collected_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	query            TEXT NOT NULL,
	phase            TEXT NOT NULL,
	total_found      INTEGER NOT NULL DEFAULT 0,
	identifier_count INTEGER NOT NULL DEFAULT 0,
	counts           JSONB NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_records_run_id ON records(run_id);
CREATE INDEX IF NOT EXISTS idx_records_outcome ON records(outcome);
CREATE INDEX IF NOT EXISTS idx_records_doi ON records(doi);
CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.CollectedRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, "upsert_record", args...)
	return eris.Wrapf(err, "postgres: upsert record %s", rec.Identifier)
}

// UpsertRecords merges a whole batch through a temp table and one
// INSERT ... ON CONFLICT, which is much cheaper than per-row round
// trips for the thousands of records a run produces.
func (s *PostgresStore) UpsertRecords(ctx context.Context, recs []model.CollectedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		rows = append(rows, args)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "records",
		Columns:      recordCols,
		ConflictKeys: []string{"pmid"},
	}, rows)
	return eris.Wrap(err, "postgres: bulk upsert records")
}

func (s *PostgresStore) GetRecord(ctx context.Context, pmid string) (*model.CollectedRecord, error) {
	row := s.pool.QueryRow(ctx, "get_record", pmid)
	rec, err := scanRecord(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.CollectedRecord, error) {
	query := `SELECT pmid, title, abstract, full_text, has_full_text, authors, journal,
		year, mesh_terms, doi, pmcid, outcome, fail_reason, enrichment,
		enrichment_retrieved, run_id, fetched_at, collected_at
		FROM records WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return placeholder(n)
	}

	if filter.RunID != "" {
		query += ` AND run_id = ` + arg(filter.RunID)
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ` + arg(string(filter.Outcome))
	}
	if filter.EnrichedOnly {
		query += ` AND enrichment_retrieved`
	}
	query += ` ORDER BY pmid`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
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
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ListFailed(ctx context.Context, runID string) ([]FailedRecord, error) {
	rows, err := s.pool.Query(ctx, "list_failed", runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed")
	}
	defer rows.Close()

	var out []FailedRecord
	for rows.Next() {
		var f FailedRecord
		var pmid, outcome string
		if err := rows.Scan(&pmid, &outcome, &f.Reason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed record")
		}
		f.Identifier = model.Identifier(pmid)
		f.Outcome = model.Outcome(outcome)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failed iterate")
}

func (s *PostgresStore) SaveRunStats(ctx context.Context, state model.RunState) error {
	countsJSON, err := json.Marshal(state.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}
	var finished any
	if !state.FinishedAt.IsZero() {
		finished = state.FinishedAt
	}
	_, err = s.pool.Exec(ctx, "save_run",
		state.RunID, state.Query, string(state.Phase), state.TotalFound,
		state.IdentifierCount, string(countsJSON), state.StartedAt, finished,
	)
	return eris.Wrapf(err, "postgres: save run stats %s", state.RunID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.RunState, error) {
	row := s.pool.QueryRow(ctx, "get_run", runID)
	run, err := scanRun(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunState, error) {
	query := `SELECT id, query, phase, total_found, identifier_count, counts, started_at, finished_at
		FROM runs WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return placeholder(n)
	}

	if filter.Phase != "" {
		query += ` AND phase = ` + arg(string(filter.Phase))
	}
	if filter.Query != "" {
		query += ` AND query = ` + arg(filter.Query)
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ` + arg(filter.StartedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

var _ Store = (*PostgresStore)(nil)
