package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/time/rate"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/pkg/entrez"
)

// fakeSearchClient serves canned esearch pages keyed by query and
// offset; unkeyed requests fail.
type fakeSearchClient struct {
	entrez.Client

	pages map[string]map[int]*entrez.SearchResult
	fail  map[string]map[int]error
	calls int
}

func (f *fakeSearchClient) Search(_ context.Context, query string, retStart, _ int, _ ...entrez.RequestOption) (*entrez.SearchResult, error) {
	f.calls++
	if errs, ok := f.fail[query]; ok {
		if err, ok := errs[retStart]; ok {
			return nil, err
		}
	}
	if pages, ok := f.pages[query]; ok {
		if page, ok := pages[retStart]; ok {
			return page, nil
		}
	}
	return nil, fmt.Errorf("no page for %q at %d", query, retStart)
}

func page(count, retStart int, ids ...string) *entrez.SearchResult {
	return &entrez.SearchResult{Count: count, RetStart: retStart, IDs: ids}
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New("test", rate.Inf, 1, nil)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 1}
}

func TestResolve_SinglePage(t *testing.T) {
	client := &fakeSearchClient{pages: map[string]map[int]*entrez.SearchResult{
		"aspirin": {0: page(3, 0, "1", "2", "3")},
	}}
	r := New(client, testLimiter(), fastRetry(), 10)

	res, err := r.Resolve(context.Background(), "aspirin", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalFound != 3 || res.Partial {
		t.Errorf("unexpected result: %+v", res)
	}
	want := []model.Identifier{"1", "2", "3"}
	if len(res.IDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, res.IDs)
	}
	for i := range want {
		if res.IDs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, res.IDs)
		}
	}
}

func TestResolve_PagesAndDeduplicates(t *testing.T) {
	client := &fakeSearchClient{pages: map[string]map[int]*entrez.SearchResult{
		"q": {
			0: page(5, 0, "1", "2", "3"),
			3: page(5, 3, "3", "4", "5"), // "3" repeats across the page boundary
		},
	}}
	r := New(client, testLimiter(), fastRetry(), 3)

	res, err := r.Resolve(context.Background(), "q", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.IDs) != 5 {
		t.Fatalf("expected 5 deduplicated IDs, got %v", res.IDs)
	}
	if res.IDs[0] != "1" || res.IDs[4] != "5" {
		t.Errorf("expected first-seen order, got %v", res.IDs)
	}
}

func TestResolve_HonorsMaxResults(t *testing.T) {
	client := &fakeSearchClient{pages: map[string]map[int]*entrez.SearchResult{
		"q": {
			0: page(6, 0, "1", "2", "3"),
			3: page(6, 3, "4", "5", "6"),
		},
	}}
	r := New(client, testLimiter(), fastRetry(), 3)

	res, err := r.Resolve(context.Background(), "q", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.IDs) != 4 {
		t.Errorf("expected 4 IDs, got %v", res.IDs)
	}
}

func TestResolve_FirstPageFailureIsFatal(t *testing.T) {
	client := &fakeSearchClient{fail: map[string]map[int]error{
		"q": {0: errors.New("boom")},
	}}
	r := New(client, testLimiter(), fastRetry(), 3)

	_, err := r.Resolve(context.Background(), "q", 100)
	if !errors.Is(err, resilience.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestResolve_MidPaginationFailureIsPartial(t *testing.T) {
	client := &fakeSearchClient{
		pages: map[string]map[int]*entrez.SearchResult{
			"q": {0: page(9, 0, "1", "2", "3")},
		},
		fail: map[string]map[int]error{
			"q": {3: errors.New("boom")},
		},
	}
	r := New(client, testLimiter(), fastRetry(), 3)

	res, err := r.Resolve(context.Background(), "q", 100)
	if err != nil {
		t.Fatalf("partial resolution must not be an error, got %v", err)
	}
	if !res.Partial {
		t.Error("expected Partial to be set")
	}
	if len(res.IDs) != 3 {
		t.Errorf("expected the 3 IDs gathered before the failure, got %v", res.IDs)
	}
}

func TestResolve_RetriesTransientPageFailure(t *testing.T) {
	calls := 0
	client := &flakyClient{failures: 1, onCall: func() { calls++ }}
	r := New(client, testLimiter(), fastRetry(), 3)

	res, err := r.Resolve(context.Background(), "q", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.IDs) != 2 {
		t.Errorf("expected IDs after retry, got %v", res.IDs)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

// flakyClient fails the first n calls with a transient error.
type flakyClient struct {
	entrez.Client

	failures int
	onCall   func()
}

func (f *flakyClient) Search(_ context.Context, _ string, _, _ int, _ ...entrez.RequestOption) (*entrez.SearchResult, error) {
	f.onCall()
	if f.failures > 0 {
		f.failures--
		return nil, resilience.NewTransientError(errors.New("flaky"), 503)
	}
	return page(2, 0, "1", "2"), nil
}
