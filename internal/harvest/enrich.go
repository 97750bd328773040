package harvest

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/pkg/openalex"
)

// Enricher is the citation-lookup stage. It mirrors the fetch pool
// against the secondary service with its own limiter, batch ceiling,
// and worker bound, wrapped in a circuit breaker so a dead service
// degrades to skipped enrichment instead of stalling the run.
type Enricher struct {
	client      openalex.Client
	limiter     *ratelimit.Limiter
	retry       resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	batchSize   int
	concurrency int
}

// NewEnricher creates the enrichment stage.
func NewEnricher(client openalex.Client, limiter *ratelimit.Limiter, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker, batchSize, concurrency int) *Enricher {
	if batchSize <= 0 || batchSize > openalex.MaxBatchSize {
		batchSize = openalex.MaxBatchSize
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Enricher{
		client:      client,
		limiter:     limiter,
		retry:       retry,
		breaker:     breaker,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// EnrichBatch looks up citation metadata for the given DOIs, keyed by
// normalized DOI. Lookups that fail after retries are simply absent
// from the result; enrichment is best-effort and never produces an
// error for the caller to handle.
func (e *Enricher) EnrichBatch(ctx context.Context, dois []string) map[string]model.Enrichment {
	out := make(map[string]model.Enrichment)
	if len(dois) == 0 {
		return out
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(dois); start += e.batchSize {
		chunk := dois[start:min(start+e.batchSize, len(dois))]
		g.Go(func() error {
			works, err := e.lookup(ctx, chunk)
			if err != nil {
				zap.L().Warn("enrichment lookup failed, continuing without",
					zap.Int("dois", len(chunk)),
					zap.Error(err),
				)
				return nil // best-effort: never abort the run
			}
			mu.Lock()
			for doi, w := range works {
				out[doi] = model.Enrichment{
					DOI:                doi,
					CitedByCount:       w.CitedByCount,
					CitationPercentile: w.CitationPercentile,
					OpenAccessURL:      w.OpenAccessURL,
					Topic: model.TopicClassification{
						Domain:   w.Domain,
						Field:    w.Field,
						Subfield: w.Subfield,
						Topic:    w.TopicName,
					},
					Retrieved: true,
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers only ever return nil
	return out
}

// lookup runs one chunk through the breaker, limiter, and retry
// policy. Any failure surfaces as ErrEnrichmentUnavailable; the owning
// records are still stored without enrichment.
func (e *Enricher) lookup(ctx context.Context, dois []string) (map[string]openalex.Work, error) {
	works, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (map[string]openalex.Work, error) {
		return resilience.DoVal(ctx, e.retry, func(ctx context.Context) (map[string]openalex.Work, error) {
			identity, err := e.limiter.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			works, err := e.client.LookupBatch(ctx, dois)
			if err != nil {
				if resilience.IsRateLimited(err) {
					e.limiter.ReportRateLimited(identity)
				}
				return nil, err
			}
			e.limiter.ReportSuccess(identity)
			return works, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(resilience.ErrEnrichmentUnavailable, err.Error())
	}
	return works, nil
}
