// Package entrez provides a client for the NCBI E-utilities API
// covering PubMed metadata and PMC full text.
package entrez

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/litharvest/internal/resilience"
)

// maxResponseBytes bounds efetch payloads; PMC full-text documents can
// run to several megabytes.
const maxResponseBytes = 32 << 20

// Client defines the E-utilities operations used by the pipeline.
type Client interface {
	// Search runs esearch over db=pubmed and returns one page of PMIDs.
	Search(ctx context.Context, query string, retStart, retMax int, opts ...RequestOption) (*SearchResult, error)
	// FetchArticles runs efetch over db=pubmed for up to 200 PMIDs.
	FetchArticles(ctx context.Context, pmids []string, opts ...RequestOption) ([]Article, error)
	// FetchFullText retrieves the body text of a PMC article.
	FetchFullText(ctx context.Context, pmcid string, opts ...RequestOption) (string, error)
}

// RequestOption configures a single request.
type RequestOption func(*requestOpts)

type requestOpts struct {
	apiKey string
}

// WithAPIKey overrides the client-level API key for one request. The
// rate limiter hands out a per-call credential when multiple NCBI keys
// are configured.
func WithAPIKey(key string) RequestOption {
	return func(o *requestOpts) {
		o.apiKey = key
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom E-utilities base URL (for testing).
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

// WithTool sets the tool and email identification parameters NCBI asks
// clients to send.
func WithTool(tool, email string) Option {
	return func(c *httpClient) {
		c.tool = tool
		c.email = email
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	tool    string
	email   string
	http    *http.Client
}

// NewClient creates an E-utilities client. apiKey may be empty for
// anonymous access at the lower request ceiling.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
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

func (c *httpClient) Search(ctx context.Context, query string, retStart, retMax int, opts ...RequestOption) (*SearchResult, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", query)
	params.Set("retstart", fmt.Sprintf("%d", retStart))
	params.Set("retmax", fmt.Sprintf("%d", retMax))
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "/esearch.fcgi", params, opts)
	if err != nil {
		return nil, eris.Wrap(err, "entrez: search")
	}

	var parsed esearchResponse
	if err := decodeXML(body, &parsed); err != nil {
		return nil, eris.Wrap(resilience.ErrMalformedResponse, err.Error())
	}

	return &SearchResult{
		Count:    parsed.Count,
		RetStart: parsed.RetStart,
		RetMax:   parsed.RetMax,
		IDs:      parsed.IDList.IDs,
	}, nil
}

func (c *httpClient) FetchArticles(ctx context.Context, pmids []string, opts ...RequestOption) ([]Article, error) {
	if len(pmids) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(pmids, ","))
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "/efetch.fcgi", params, opts)
	if err != nil {
		return nil, eris.Wrap(err, "entrez: fetch articles")
	}

	var parsed pubmedArticleSet
	if err := decodeXML(body, &parsed); err != nil {
		return nil, eris.Wrap(resilience.ErrMalformedResponse, err.Error())
	}

	articles := make([]Article, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		articles = append(articles, flattenArticle(a))
	}
	return articles, nil
}

func (c *httpClient) FetchFullText(ctx context.Context, pmcid string, opts ...RequestOption) (string, error) {
	params := url.Values{}
	params.Set("db", "pmc")
	params.Set("id", strings.TrimPrefix(pmcid, "PMC"))
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "/efetch.fcgi", params, opts)
	if err != nil {
		return "", eris.Wrap(err, "entrez: fetch full text")
	}

	text, err := extractBodyText(body)
	if err != nil {
		return "", eris.Wrap(resilience.ErrMalformedResponse, err.Error())
	}
	return text, nil
}

// get issues one request and maps transient HTTP statuses onto
// resilience.TransientError. Retrying is the caller's job so the worker
// pool can apply one retry policy uniformly.
func (c *httpClient) get(ctx context.Context, path string, params url.Values, opts []RequestOption) ([]byte, error) {
	ro := &requestOpts{apiKey: c.apiKey}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.apiKey != "" {
		params.Set("api_key", ro.apiKey)
	}
	if c.tool != "" {
		params.Set("tool", c.tool)
	}
	if c.email != "" {
		params.Set("email", c.email)
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, resilience.ErrNotFound
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode)
	default:
		return nil, eris.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

// decodeXML unmarshals with a charset-aware reader; NCBI documents
// occasionally declare ISO-8859-1.
func decodeXML(body []byte, v any) error {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return dec.Decode(v)
}

// extractBodyText walks a PMC JATS document and joins the character
// data inside the article body.
func extractBodyText(body []byte) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var sb strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "read token")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "body" || depth > 0 {
				depth++
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
				if t.Name.Local == "p" || t.Name.Local == "sec" {
					sb.WriteString("\n")
				}
			}
		case xml.CharData:
			if depth > 0 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
