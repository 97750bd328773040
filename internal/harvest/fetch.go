package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/pkg/entrez"
)

// Fetcher is the primary-metadata worker pool. Workers are pure
// functions from an identifier batch to RawRecords: they acquire the
// rate limiter before each outbound call, retry transient failures
// through the shared policy, and never touch storage.
type Fetcher struct {
	client      entrez.Client
	limiter     *ratelimit.Limiter
	retry       resilience.RetryConfig
	concurrency int
	fullText    bool
}

// NewFetcher creates a fetch pool with the given worker count.
func NewFetcher(client entrez.Client, limiter *ratelimit.Limiter, retry resilience.RetryConfig, concurrency int, fullText bool) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{
		client:      client,
		limiter:     limiter,
		retry:       retry,
		concurrency: concurrency,
		fullText:    fullText,
	}
}

// Run fetches every batch and sends one RawRecord slice per batch on
// out, then closes it. Per-identifier failures are mapped onto outcome
// fields and never abort the pool; Run returns an error only when the
// context is canceled before all batches complete.
func (f *Fetcher) Run(ctx context.Context, batches [][]model.Identifier, out chan<- []model.RawRecord) error {
	defer close(out)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for _, batch := range batches {
		g.Go(func() error {
			records := f.fetchBatch(ctx, batch)
			if len(records) == 0 {
				return ctx.Err()
			}
			select {
			case out <- records:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// fetchBatch retrieves one identifier batch, producing one RawRecord
// per input identifier. A batch aborted by cancellation produces no
// records at all.
func (f *Fetcher) fetchBatch(ctx context.Context, batch []model.Identifier) []model.RawRecord {
	pmids := make([]string, len(batch))
	for i, id := range batch {
		pmids[i] = string(id)
	}

	articles, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]entrez.Article, error) {
		identity, err := f.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		arts, err := f.client.FetchArticles(ctx, pmids, entrez.WithAPIKey(identity.APIKey))
		if err != nil {
			if resilience.IsRateLimited(err) {
				f.limiter.ReportRateLimited(identity)
			}
			return nil, err
		}
		f.limiter.ReportSuccess(identity)
		return arts, nil
	})

	now := time.Now().UTC()
	if err != nil {
		// Cancellation is an interrupt, not a per-identifier failure:
		// emit nothing so the batch stays un-completed and a resumed run
		// fetches it again.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return failBatch(batch, err, now)
	}

	byPMID := make(map[model.Identifier]entrez.Article, len(articles))
	for _, a := range articles {
		byPMID[model.Identifier(a.PMID)] = a
	}

	records := make([]model.RawRecord, 0, len(batch))
	for _, id := range batch {
		a, ok := byPMID[id]
		if !ok {
			// The service silently drops unknown identifiers from a
			// multi-id efetch.
			records = append(records, model.RawRecord{
				Identifier: id,
				FetchedAt:  now,
				Outcome:    model.OutcomeNotFound,
				FailReason: "no article in fetch response",
			})
			continue
		}
		rec := model.RawRecord{
			Identifier: id,
			Title:      a.Title,
			Abstract:   a.Abstract,
			Journal:    a.Journal,
			Year:       a.Year,
			Authors:    a.Authors,
			MeshTerms:  a.MeshTerms,
			DOI:        a.DOI,
			PMCID:      a.PMCID,
			FetchedAt:  now,
			Outcome:    model.OutcomeOK,
		}
		if f.fullText && a.PMCID != "" {
			f.attachFullText(ctx, &rec)
		}
		records = append(records, rec)
	}
	return records
}

// attachFullText tries PMC for the article body. Failure is recorded
// by leaving HasFullText false; full text is best-effort.
func (f *Fetcher) attachFullText(ctx context.Context, rec *model.RawRecord) {
	text, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (string, error) {
		identity, err := f.limiter.Acquire(ctx)
		if err != nil {
			return "", err
		}
		body, err := f.client.FetchFullText(ctx, rec.PMCID, entrez.WithAPIKey(identity.APIKey))
		if err != nil {
			if resilience.IsRateLimited(err) {
				f.limiter.ReportRateLimited(identity)
			}
			return "", err
		}
		f.limiter.ReportSuccess(identity)
		return body, nil
	})
	if err != nil || text == "" {
		zap.L().Debug("full text unavailable",
			zap.String("pmid", string(rec.Identifier)),
			zap.String("pmcid", rec.PMCID),
			zap.Error(err),
		)
		return
	}
	rec.FullText = text
	rec.HasFullText = true
}

// failBatch classifies a batch-level failure onto each identifier. The
// reason carries the transient/permanent classification so the failed
// listing shows which identifiers are worth reprocessing.
func failBatch(batch []model.Identifier, err error, now time.Time) []model.RawRecord {
	outcome := model.OutcomeFailed
	if errors.Is(err, resilience.ErrNotFound) {
		outcome = model.OutcomeNotFound
	}
	reason := fmt.Sprintf("%s: %s", resilience.ClassifyError(err), eris.ToString(err, false))

	records := make([]model.RawRecord, len(batch))
	for i, id := range batch {
		records[i] = model.RawRecord{
			Identifier: id,
			FetchedAt:  now,
			Outcome:    outcome,
			FailReason: reason,
		}
	}
	return records
}

// SplitBatches chunks ids into batches of at most size, preserving
// order.
func SplitBatches(ids []model.Identifier, size int) [][]model.Identifier {
	if size <= 0 {
		size = 200
	}
	var batches [][]model.Identifier
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}
	return batches
}
