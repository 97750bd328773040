package entrez

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sells-group/litharvest/internal/resilience"
)

const esearchFixture = `<?xml version="1.0" encoding="UTF-8"?>
<eSearchResult>
  <Count>245</Count>
  <RetMax>3</RetMax>
  <RetStart>0</RetStart>
  <IdList>
    <Id>11111111</Id>
    <Id>22222222</Id>
    <Id>33333333</Id>
  </IdList>
</eSearchResult>`

const efetchFixture = `<?xml version="1.0" encoding="UTF-8"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">11111111</PMID>
      <Article>
        <Journal>
          <JournalIssue>
            <PubDate><Year>2021</Year></PubDate>
          </JournalIssue>
          <Title>Journal of Testing</Title>
        </Journal>
        <ArticleTitle>A study of things.</ArticleTitle>
        <Abstract>
          <AbstractText Label="BACKGROUND">Things exist.</AbstractText>
          <AbstractText Label="RESULTS">We found them.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Doe</LastName><ForeName>Jane</ForeName></Author>
          <Author><CollectiveName>The Things Consortium</CollectiveName></Author>
        </AuthorList>
      </Article>
      <MeshHeadingList>
        <MeshHeading><DescriptorName>Humans</DescriptorName></MeshHeading>
        <MeshHeading><DescriptorName>Research</DescriptorName></MeshHeading>
      </MeshHeadingList>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">11111111</ArticleId>
        <ArticleId IdType="doi">10.1000/test.2021.001</ArticleId>
        <ArticleId IdType="pmc">PMC7654321</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">22222222</PMID>
      <Article>
        <Journal>
          <JournalIssue>
            <PubDate><MedlineDate>1998 Dec-1999 Jan</MedlineDate></PubDate>
          </JournalIssue>
          <Title>Archives of Examples</Title>
        </Journal>
        <ArticleTitle>Untitled follow-up.</ArticleTitle>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

const pmcFixture = `<?xml version="1.0" encoding="UTF-8"?>
<pmc-articleset>
  <article>
    <front><article-meta><title-group><article-title>A study of things.</article-title></title-group></article-meta></front>
    <body>
      <sec><title>Introduction</title><p>First paragraph.</p></sec>
      <sec><title>Methods</title><p>Second paragraph.</p></sec>
    </body>
  </article>
</pmc-articleset>`

func TestSearch_ParsesPage(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/esearch.fcgi" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("term")
		gotKey = r.URL.Query().Get("api_key")
		w.Write([]byte(esearchFixture)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("client-key", WithBaseURL(srv.URL))
	res, err := c.Search(context.Background(), "aspirin", 0, 3, WithAPIKey("call-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Count != 245 {
		t.Errorf("expected count 245, got %d", res.Count)
	}
	if len(res.IDs) != 3 || res.IDs[0] != "11111111" {
		t.Errorf("unexpected IDs: %v", res.IDs)
	}
	if gotQuery != "aspirin" {
		t.Errorf("expected term=aspirin, got %q", gotQuery)
	}
	// The per-call credential wins over the client-level one.
	if gotKey != "call-key" {
		t.Errorf("expected per-call api key, got %q", gotKey)
	}
}

func TestFetchArticles_FlattensMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "11111111,22222222" {
			t.Errorf("unexpected id param %q", got)
		}
		w.Write([]byte(efetchFixture)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	articles, err := c.FetchArticles(context.Background(), []string{"11111111", "22222222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(articles) != 2 {
		t.Fatalf("expected 2 articles, got %d", len(articles))
	}

	a := articles[0]
	if a.PMID != "11111111" {
		t.Errorf("pmid: got %q", a.PMID)
	}
	if a.Title != "A study of things." {
		t.Errorf("title: got %q", a.Title)
	}
	if a.Journal != "Journal of Testing" {
		t.Errorf("journal: got %q", a.Journal)
	}
	if a.Year != 2021 {
		t.Errorf("year: got %d", a.Year)
	}
	if a.Abstract != "BACKGROUND: Things exist.\nRESULTS: We found them." {
		t.Errorf("abstract: got %q", a.Abstract)
	}
	if len(a.Authors) != 2 || a.Authors[0] != "Doe, Jane" || a.Authors[1] != "The Things Consortium" {
		t.Errorf("authors: got %v", a.Authors)
	}
	if len(a.MeshTerms) != 2 || a.MeshTerms[0] != "Humans" {
		t.Errorf("mesh terms: got %v", a.MeshTerms)
	}
	if a.DOI != "10.1000/test.2021.001" {
		t.Errorf("doi: got %q", a.DOI)
	}
	if a.PMCID != "PMC7654321" {
		t.Errorf("pmcid: got %q", a.PMCID)
	}

	// MedlineDate fallback for the second article.
	if articles[1].Year != 1998 {
		t.Errorf("medline date year: got %d", articles[1].Year)
	}
}

func TestFetchArticles_EmptyInput(t *testing.T) {
	c := NewClient("")
	articles, err := c.FetchArticles(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if articles != nil {
		t.Errorf("expected nil, got %v", articles)
	}
}

func TestFetchFullText_ExtractsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("db") != "pmc" {
			t.Errorf("expected db=pmc, got %q", q.Get("db"))
		}
		if q.Get("id") != "7654321" {
			t.Errorf("expected stripped PMC prefix, got %q", q.Get("id"))
		}
		w.Write([]byte(pmcFixture)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	text, err := c.FetchFullText(context.Background(), "PMC7654321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"First paragraph.", "Second paragraph."} {
		if !strings.Contains(text, want) {
			t.Errorf("expected body text to contain %q, got %q", want, text)
		}
	}
	// Front matter sits outside <body> and must not leak in.
	if strings.Contains(text, "article-meta") {
		t.Errorf("expected only body text, got %q", text)
	}
}

func TestGet_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "q", 0, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if !resilience.IsTransient(err) {
		t.Errorf("expected 429 to surface as transient, got %v", err)
	}
	if !resilience.IsRateLimited(err) {
		t.Errorf("expected 429 to classify as rate limited, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	_, err := c.FetchFullText(context.Background(), "PMC1")
	if !errors.Is(err, resilience.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_PermanentStatusNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "q", 0, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if resilience.IsTransient(err) {
		t.Errorf("expected 400 to be permanent, got transient: %v", err)
	}
}

func TestSearch_MalformedXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<eSearchResult><Count>broken")) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "q", 0, 10)
	if !errors.Is(err, resilience.ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}
