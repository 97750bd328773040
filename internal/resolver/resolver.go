// Package resolver turns a search query into an ordered, deduplicated
// set of record identifiers by paging the primary search service.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/pkg/entrez"
)

// searchWindow is the deepest offset the search service will page to
// for a single query. Queries with more hits are split by publication
// year and merged.
const searchWindow = 10000

// earliestSplitYear bounds the year-split walk for oversized queries.
const earliestSplitYear = 1900

// Result is the outcome of resolving one query.
type Result struct {
	IDs        []model.Identifier
	TotalFound int
	// Partial is set when a mid-pagination failure exhausted the retry
	// budget; IDs holds everything gathered before the failure and the
	// caller decides whether to proceed or abort.
	Partial bool
}

// Resolver pages the search service, deduplicating identifiers across
// pages in first-seen order.
type Resolver struct {
	client   entrez.Client
	limiter  *ratelimit.Limiter
	retry    resilience.RetryConfig
	pageSize int
}

// New creates a Resolver. pageSize is the esearch retmax per request.
func New(client entrez.Client, limiter *ratelimit.Limiter, retry resilience.RetryConfig, pageSize int) *Resolver {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Resolver{
		client:   client,
		limiter:  limiter,
		retry:    retry,
		pageSize: pageSize,
	}
}

// Resolve collects up to maxResults identifiers for query. The first
// unreachable page is fatal (ErrSourceUnavailable); a later failure
// surfaces the identifiers gathered so far with Partial set.
func (r *Resolver) Resolve(ctx context.Context, query string, maxResults int) (*Result, error) {
	first, err := r.searchPage(ctx, query, 0)
	if err != nil {
		return nil, eris.Wrap(resilience.ErrSourceUnavailable, err.Error())
	}

	res := &Result{TotalFound: first.Count}
	seen := make(map[model.Identifier]struct{})
	appendIDs(res, seen, first.IDs, maxResults)

	want := min(maxResults, first.Count)
	if first.Count > searchWindow && maxResults > searchWindow {
		zap.L().Info("query exceeds search window, splitting by year",
			zap.String("query", query),
			zap.Int("total_found", first.Count),
		)
		r.resolveByYear(ctx, query, maxResults, res, seen)
	} else {
		r.resolvePages(ctx, query, first.Count, maxResults, res, seen)
	}

	// The enumerated set is authoritative; a drifting service-reported
	// total is logged, never fatal.
	if !res.Partial && len(res.IDs) != want {
		zap.L().Warn("resolved identifier count disagrees with reported total",
			zap.String("query", query),
			zap.Int("reported", res.TotalFound),
			zap.Int("enumerated", len(res.IDs)),
		)
	}

	return res, nil
}

// resolvePages continues paging one query whose first page has already
// been consumed. total is the hit count that query reported.
func (r *Resolver) resolvePages(ctx context.Context, query string, total, maxResults int, res *Result, seen map[model.Identifier]struct{}) {
	for offset := r.pageSize; offset < total && len(res.IDs) < maxResults && offset < searchWindow; offset += r.pageSize {
		page, err := r.searchPage(ctx, query, offset)
		if err != nil {
			zap.L().Warn("pagination failed, surfacing partial identifier set",
				zap.String("query", query),
				zap.Int("offset", offset),
				zap.Int("gathered", len(res.IDs)),
				zap.Error(err),
			)
			res.Partial = true
			return
		}
		if len(page.IDs) == 0 {
			return
		}
		appendIDs(res, seen, page.IDs, maxResults)
	}
}

// resolveByYear walks publication years newest-first, paging each
// year-scoped subquery inside the search window.
func (r *Resolver) resolveByYear(ctx context.Context, query string, maxResults int, res *Result, seen map[model.Identifier]struct{}) {
	for year := time.Now().Year(); year >= earliestSplitYear && len(res.IDs) < maxResults; year-- {
		sub := fmt.Sprintf("(%s) AND %d[pdat]", query, year)

		first, err := r.searchPage(ctx, sub, 0)
		if err != nil {
			res.Partial = true
			zap.L().Warn("year-split pagination failed",
				zap.Int("year", year), zap.Error(err))
			return
		}
		if first.Count == 0 {
			continue
		}
		if first.Count > searchWindow {
			zap.L().Warn("single year exceeds search window, truncating",
				zap.Int("year", year), zap.Int("count", first.Count))
		}
		appendIDs(res, seen, first.IDs, maxResults)
		r.resolvePages(ctx, sub, first.Count, maxResults, res, seen)
		if res.Partial {
			return
		}
	}
}

// searchPage fetches one esearch page through the rate limiter with
// the shared retry policy.
func (r *Resolver) searchPage(ctx context.Context, query string, offset int) (*entrez.SearchResult, error) {
	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*entrez.SearchResult, error) {
		identity, err := r.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		page, err := r.client.Search(ctx, query, offset, r.pageSize, entrez.WithAPIKey(identity.APIKey))
		if err != nil {
			if resilience.IsRateLimited(err) {
				r.limiter.ReportRateLimited(identity)
			}
			return nil, err
		}
		r.limiter.ReportSuccess(identity)
		return page, nil
	})
}

func appendIDs(res *Result, seen map[model.Identifier]struct{}, ids []string, maxResults int) {
	for _, raw := range ids {
		if len(res.IDs) >= maxResults {
			return
		}
		id := model.Identifier(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		res.IDs = append(res.IDs, id)
	}
}
