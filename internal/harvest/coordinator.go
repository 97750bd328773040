package harvest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/resolver"
	"github.com/sells-group/litharvest/internal/store"
	"github.com/sells-group/litharvest/pkg/openalex"
)

// Config holds the coordinator's pipeline knobs.
type Config struct {
	// FetchBatchSize is the identifiers-per-request ceiling for the
	// primary service. Default 200.
	FetchBatchSize int

	// CheckpointEvery is the number of completed batches between
	// checkpoint saves. Default 32.
	CheckpointEvery int

	// AbortOnPartial makes a partial identifier resolution fatal
	// instead of harvesting the partial set.
	AbortOnPartial bool

	// EnrichmentEnabled toggles the secondary citation lookups.
	EnrichmentEnabled bool
}

func (c Config) withDefaults() Config {
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = 200
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 32
	}
	return c
}

// Summary reports how a run ended.
type Summary struct {
	State       *model.RunState
	Partial     bool
	Interrupted bool
	Resumed     bool
}

// Coordinator wires the resolver, fetch pool, enrichment stage,
// checkpoint manager, and store into one pipeline run. All mutation of
// run state and the accumulated record set happens on the coordinator's
// own goroutine; workers hand results over a channel.
type Coordinator struct {
	resolver    *resolver.Resolver
	fetcher     *Fetcher
	enricher    *Enricher
	checkpoints *CheckpointManager
	store       store.Store
	cfg         Config
}

// NewCoordinator assembles a pipeline. enricher may be nil when
// enrichment is disabled.
func NewCoordinator(res *resolver.Resolver, f *Fetcher, e *Enricher, cp *CheckpointManager, st store.Store, cfg Config) *Coordinator {
	return &Coordinator{
		resolver:    res,
		fetcher:     f,
		enricher:    e,
		checkpoints: cp,
		store:       st,
		cfg:         cfg.withDefaults(),
	}
}

// Run executes the pipeline for query. With resume set, the latest
// checkpoint (if any) seeds the completed set and counters so finished
// identifiers are never re-fetched. The returned Summary always carries
// a finalized RunState, including after an interrupt.
func (c *Coordinator) Run(ctx context.Context, query string, maxResults int, resume bool) (*Summary, error) {
	state := model.NewRunState(uuid.NewString(), query)
	var records []model.CollectedRecord
	summary := &Summary{State: state}

	if resume {
		snap, err := c.checkpoints.Load()
		if err != nil {
			return nil, err
		}
		if snap != nil && snap.State != nil {
			if snap.State.Query != query {
				return nil, eris.Errorf(
					"harvest: checkpoint belongs to query %q, not %q; clear it or rerun the original query",
					snap.State.Query, query)
			}
			state = snap.State
			records = snap.Records
			summary.State = state
			summary.Resumed = true
			zap.L().Info("resuming from checkpoint",
				zap.String("run_id", state.RunID),
				zap.Int("completed", len(state.Completed)),
				zap.Time("saved_at", snap.SavedAt),
			)
		}
	}

	c.setPhase(state, model.PhaseResolving)
	resolved, err := c.resolver.Resolve(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	summary.Partial = resolved.Partial
	if resolved.Partial {
		if c.cfg.AbortOnPartial {
			return nil, eris.Errorf("harvest: resolved only %d of a reported %d identifiers",
				len(resolved.IDs), resolved.TotalFound)
		}
		zap.L().Warn("proceeding with partial identifier set",
			zap.Int("resolved", len(resolved.IDs)),
			zap.Int("reported_total", resolved.TotalFound),
		)
	}
	state.TotalFound = resolved.TotalFound
	state.IdentifierCount = len(resolved.IDs)
	state.Counts.Found = len(resolved.IDs)

	remaining := state.Remaining(resolved.IDs)
	zap.L().Info("identifier set resolved",
		zap.String("run_id", state.RunID),
		zap.Int("total", len(resolved.IDs)),
		zap.Int("remaining", len(remaining)),
	)

	c.setPhase(state, model.PhaseFetching)
	batches := SplitBatches(remaining, c.cfg.FetchBatchSize)
	// Buffered to the batch count so workers never block behind a slow
	// enrichment or merge step: a rate-limited secondary service must
	// not starve primary fetching.
	results := make(chan []model.RawRecord, len(batches))

	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- c.fetcher.Run(ctx, batches, results)
	}()

	batchesSinceCheckpoint := 0
	for batch := range results {
		collected := c.collectBatch(ctx, state, batch)
		for _, rec := range collected {
			state.MarkCompleted(rec.Identifier, rec)
			records = append(records, rec)
		}

		batchesSinceCheckpoint++
		if batchesSinceCheckpoint >= c.cfg.CheckpointEvery {
			batchesSinceCheckpoint = 0
			if err := c.checkpoints.Save(&Snapshot{State: state, Records: records}); err != nil {
				zap.L().Error("checkpoint save failed", zap.Error(err))
			}
		}
	}
	<-fetchDone

	summary.Interrupted = ctx.Err() != nil
	if summary.Interrupted {
		c.setPhase(state, model.PhaseInterrupted)
	}

	return summary, c.finalize(ctx, state, records, summary)
}

// collectBatch enriches one fetched batch and merges results into
// CollectedRecords. Called only from the coordinator goroutine.
func (c *Coordinator) collectBatch(ctx context.Context, state *model.RunState, batch []model.RawRecord) []model.CollectedRecord {
	var dois []string
	for _, rec := range batch {
		if rec.Outcome == model.OutcomeOK && rec.DOI != "" {
			dois = append(dois, rec.DOI)
		}
	}

	var enriched map[string]model.Enrichment
	if c.cfg.EnrichmentEnabled && c.enricher != nil && len(dois) > 0 && ctx.Err() == nil {
		c.setPhase(state, model.PhaseEnriching)
		enriched = c.enricher.EnrichBatch(ctx, dois)
		c.setPhase(state, model.PhaseFetching)
	}

	collected := make([]model.CollectedRecord, 0, len(batch))
	for _, rec := range batch {
		cr := model.CollectedRecord{
			RawRecord:   rec,
			RunID:       state.RunID,
			CollectedAt: rec.FetchedAt,
		}
		if rec.DOI != "" {
			if e, ok := enriched[openalex.NormalizeDOI(rec.DOI)]; ok {
				cr.Enrichment = &e
			}
		}
		collected = append(collected, cr)
	}
	return collected
}

// finalize always runs: final checkpoint, storage merge, run stats.
// Storage operations use a context detached from the interrupt signal
// so a Ctrl-C still gets a clean flush.
func (c *Coordinator) finalize(ctx context.Context, state *model.RunState, records []model.CollectedRecord, summary *Summary) error {
	c.setPhase(state, model.PhaseFinalizing)

	if err := c.checkpoints.Save(&Snapshot{State: state, Records: records}); err != nil {
		zap.L().Error("final checkpoint save failed", zap.Error(err))
	}

	flushCtx := context.WithoutCancel(ctx)
	if err := c.store.UpsertRecords(flushCtx, records); err != nil {
		// The checkpoint above survives, so a rerun resumes here.
		return eris.Wrap(err, "harvest: merge records into store")
	}

	terminal := model.PhaseDone
	if summary.Interrupted {
		terminal = model.PhaseInterrupted
	}
	state.Finalize(terminal)

	if err := c.store.SaveRunStats(flushCtx, *state); err != nil {
		return eris.Wrap(err, "harvest: persist run statistics")
	}

	if !summary.Interrupted {
		if err := c.checkpoints.Clear(); err != nil {
			zap.L().Warn("could not remove checkpoint", zap.Error(err))
		}
	}

	zap.L().Info("run finalized",
		zap.String("run_id", state.RunID),
		zap.String("phase", string(state.Phase)),
		zap.Int("processed", state.Counts.Processed),
		zap.Int("with_full_text", state.Counts.WithFullText),
		zap.Int("with_enrichment", state.Counts.WithEnrichment),
		zap.Int("failed", state.Counts.Failed),
		zap.Duration("duration", state.Duration()),
	)
	return nil
}

func (c *Coordinator) setPhase(state *model.RunState, p model.Phase) {
	if state.Phase == p {
		return
	}
	state.Phase = p
	zap.L().Debug("phase transition",
		zap.String("run_id", state.RunID),
		zap.String("phase", string(p)),
	)
}
