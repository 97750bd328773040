package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/pkg/entrez"
)

// fakeEntrez serves canned articles by PMID and records which PMIDs
// were requested.
type fakeEntrez struct {
	entrez.Client

	mu          sync.Mutex
	articles    map[string]entrez.Article
	fullText    map[string]string
	fetchErr    error
	requested   [][]string
	searchPages map[int]*entrez.SearchResult
	searchErrAt map[int]error
	onFetch     func()
}

func (f *fakeEntrez) Search(_ context.Context, _ string, retStart, _ int, _ ...entrez.RequestOption) (*entrez.SearchResult, error) {
	if err, ok := f.searchErrAt[retStart]; ok {
		return nil, err
	}
	if page, ok := f.searchPages[retStart]; ok {
		return page, nil
	}
	return nil, errors.New("no search page configured")
}

func (f *fakeEntrez) FetchArticles(_ context.Context, pmids []string, _ ...entrez.RequestOption) ([]entrez.Article, error) {
	f.mu.Lock()
	f.requested = append(f.requested, pmids)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch()
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []entrez.Article
	for _, id := range pmids {
		if a, ok := f.articles[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeEntrez) FetchFullText(_ context.Context, pmcid string, _ ...entrez.RequestOption) (string, error) {
	if text, ok := f.fullText[pmcid]; ok {
		return text, nil
	}
	return "", resilience.ErrNotFound
}

func (f *fakeEntrez) requestedPMIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, batch := range f.requested {
		all = append(all, batch...)
	}
	return all
}

func fetchTestLimiter() *ratelimit.Limiter {
	return ratelimit.New("test", rate.Inf, 1, nil)
}

func fetchTestRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 1}
}

func collectAll(t *testing.T, f *Fetcher, batches [][]model.Identifier) []model.RawRecord {
	t.Helper()
	out := make(chan []model.RawRecord, len(batches))
	require.NoError(t, f.Run(context.Background(), batches, out))

	var all []model.RawRecord
	for batch := range out {
		all = append(all, batch...)
	}
	return all
}

func TestFetcher_MapsArticlesToRecords(t *testing.T) {
	client := &fakeEntrez{articles: map[string]entrez.Article{
		"1": {PMID: "1", Title: "First", Journal: "J", Year: 2020, DOI: "10.1/a"},
		"2": {PMID: "2", Title: "Second"},
	}}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 2, false)

	records := collectAll(t, f, [][]model.Identifier{{"1", "2"}})
	require.Len(t, records, 2)

	byID := make(map[model.Identifier]model.RawRecord)
	for _, r := range records {
		byID[r.Identifier] = r
	}
	assert.Equal(t, model.OutcomeOK, byID["1"].Outcome)
	assert.Equal(t, "First", byID["1"].Title)
	assert.Equal(t, "10.1/a", byID["1"].DOI)
	assert.Equal(t, model.OutcomeOK, byID["2"].Outcome)
	assert.False(t, byID["1"].FetchedAt.IsZero())
}

func TestFetcher_MissingIdentifierIsNotFound(t *testing.T) {
	client := &fakeEntrez{articles: map[string]entrez.Article{
		"1": {PMID: "1", Title: "Only one"},
	}}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 1, false)

	records := collectAll(t, f, [][]model.Identifier{{"1", "404"}})
	require.Len(t, records, 2)

	for _, r := range records {
		if r.Identifier == "404" {
			assert.Equal(t, model.OutcomeNotFound, r.Outcome)
			assert.NotEmpty(t, r.FailReason)
		} else {
			assert.Equal(t, model.OutcomeOK, r.Outcome)
		}
	}
}

func TestFetcher_BatchFailureMarksEveryIdentifier(t *testing.T) {
	client := &fakeEntrez{fetchErr: errors.New("service exploded")}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 1, false)

	records := collectAll(t, f, [][]model.Identifier{{"1", "2", "3"}})
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, model.OutcomeFailed, r.Outcome)
		assert.Contains(t, r.FailReason, "service exploded")
		assert.Contains(t, r.FailReason, "permanent")
	}
}

func TestFetcher_CanceledContextEmitsNoRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeEntrez{articles: map[string]entrez.Article{"1": {PMID: "1"}}}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 1, false)

	out := make(chan []model.RawRecord, 2)
	err := f.Run(ctx, [][]model.Identifier{{"1"}, {"2"}}, out)
	require.Error(t, err)

	for batch := range out {
		t.Fatalf("canceled run emitted records: %v", batch)
	}
}

func TestFetcher_CanceledCallLeavesBatchUncompleted(t *testing.T) {
	// The call itself reports cancellation: the identifiers must stay
	// un-completed rather than being recorded as permanent failures.
	client := &fakeEntrez{fetchErr: fmt.Errorf("acquire identity: %w", context.Canceled)}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 1, false)

	out := make(chan []model.RawRecord, 1)
	require.NoError(t, f.Run(context.Background(), [][]model.Identifier{{"1", "2"}}, out))

	for batch := range out {
		t.Fatalf("canceled batch emitted records: %v", batch)
	}
}

func TestFetcher_AttachesFullText(t *testing.T) {
	client := &fakeEntrez{
		articles: map[string]entrez.Article{
			"1": {PMID: "1", Title: "Open access", PMCID: "PMC11"},
			"2": {PMID: "2", Title: "Paywalled", PMCID: "PMC22"},
		},
		fullText: map[string]string{"PMC11": "the body text"},
	}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 1, true)

	records := collectAll(t, f, [][]model.Identifier{{"1", "2"}})
	byID := make(map[model.Identifier]model.RawRecord)
	for _, r := range records {
		byID[r.Identifier] = r
	}

	assert.True(t, byID["1"].HasFullText)
	assert.Equal(t, "the body text", byID["1"].FullText)

	// Full text is best-effort: a PMC miss leaves the record OK.
	assert.False(t, byID["2"].HasFullText)
	assert.Equal(t, model.OutcomeOK, byID["2"].Outcome)
}

func TestFetcher_RunsAllBatches(t *testing.T) {
	client := &fakeEntrez{articles: map[string]entrez.Article{
		"1": {PMID: "1"}, "2": {PMID: "2"}, "3": {PMID: "3"}, "4": {PMID: "4"},
	}}
	f := NewFetcher(client, fetchTestLimiter(), fetchTestRetry(), 3, false)

	batches := SplitBatches([]model.Identifier{"1", "2", "3", "4"}, 2)
	records := collectAll(t, f, batches)
	assert.Len(t, records, 4)
	assert.Len(t, client.requestedPMIDs(), 4)
}

func TestSplitBatches(t *testing.T) {
	ids := []model.Identifier{"1", "2", "3", "4", "5"}

	batches := SplitBatches(ids, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []model.Identifier{"1", "2"}, batches[0])
	assert.Equal(t, []model.Identifier{"5"}, batches[2])

	assert.Nil(t, SplitBatches(nil, 2))

	// Non-positive size falls back to the default without panicking.
	assert.Len(t, SplitBatches(ids, 0), 1)
}
