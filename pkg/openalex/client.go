// Package openalex provides a client for the OpenAlex works API used
// to look up citation metadata by DOI.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/litharvest/internal/resilience"
)

// MaxBatchSize is the largest number of DOIs OpenAlex accepts in one
// piped filter expression.
const MaxBatchSize = 50

const maxResponseBytes = 10 << 20

// Work holds the enrichment fields extracted from one OpenAlex work.
type Work struct {
	DOI                string
	CitedByCount       int
	CitationPercentile float64
	OpenAccessURL      string
	TopicName          string
	Subfield           string
	Field              string
	Domain             string
}

// Client defines the OpenAlex operations used by the enrichment stage.
type Client interface {
	// LookupBatch resolves up to MaxBatchSize DOIs in one request. The
	// returned map is keyed by normalized DOI; absent keys mean OpenAlex
	// has no record for that DOI.
	LookupBatch(ctx context.Context, dois []string) (map[string]Work, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	mailto  string
	http    *http.Client
}

// NewClient creates an OpenAlex client. mailto joins the polite pool
// for better rate limits; it may be empty.
func NewClient(mailto string, opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://api.openalex.org",
		mailto:  mailto,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type worksResponse struct {
	Results []workJSON `json:"results"`
}

type workJSON struct {
	DOI          string `json:"doi"`
	CitedByCount int    `json:"cited_by_count"`
	Percentile   *struct {
		Value float64 `json:"value"`
	} `json:"citation_normalized_percentile"`
	OpenAccess struct {
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	PrimaryTopic *struct {
		DisplayName string      `json:"display_name"`
		Subfield    displayName `json:"subfield"`
		Field       displayName `json:"field"`
		Domain      displayName `json:"domain"`
	} `json:"primary_topic"`
}

type displayName struct {
	DisplayName string `json:"display_name"`
}

func (c *httpClient) LookupBatch(ctx context.Context, dois []string) (map[string]Work, error) {
	if len(dois) == 0 {
		return map[string]Work{}, nil
	}
	if len(dois) > MaxBatchSize {
		return nil, eris.Errorf("openalex: batch of %d exceeds maximum %d", len(dois), MaxBatchSize)
	}

	normalized := make([]string, 0, len(dois))
	for _, d := range dois {
		if nd := NormalizeDOI(d); nd != "" {
			normalized = append(normalized, nd)
		}
	}
	if len(normalized) == 0 {
		return map[string]Work{}, nil
	}

	params := url.Values{}
	params.Set("filter", "doi:"+strings.Join(normalized, "|"))
	params.Set("per-page", fmt.Sprintf("%d", MaxBatchSize))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	reqURL := c.baseURL + "/works?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "openalex: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "openalex: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("openalex: status %d", resp.StatusCode), resp.StatusCode)
	default:
		return nil, eris.Errorf("openalex: unexpected status %d", resp.StatusCode)
	}

	var parsed worksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(resilience.ErrMalformedResponse, err.Error())
	}

	out := make(map[string]Work, len(parsed.Results))
	for _, w := range parsed.Results {
		doi := NormalizeDOI(w.DOI)
		if doi == "" {
			continue
		}
		work := Work{
			DOI:           doi,
			CitedByCount:  w.CitedByCount,
			OpenAccessURL: w.OpenAccess.OAURL,
		}
		if w.Percentile != nil {
			work.CitationPercentile = w.Percentile.Value
		}
		if t := w.PrimaryTopic; t != nil {
			work.TopicName = t.DisplayName
			work.Subfield = t.Subfield.DisplayName
			work.Field = t.Field.DisplayName
			work.Domain = t.Domain.DisplayName
		}
		out[doi] = work
	}
	return out, nil
}

// NormalizeDOI lowercases a DOI and strips any https://doi.org/ prefix
// so lookups and map keys agree regardless of source formatting.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(strings.ToLower(doi))
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return doi
}
