// Package model defines the data types shared across the harvesting
// pipeline: fetched records, enrichment results, and run state.
package model

import "time"

// Identifier is a primary-source record identifier (a PubMed ID).
type Identifier string

// Outcome classifies the result of fetching a single identifier.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
)

// RawRecord is the result of a primary metadata fetch for one identifier.
// Immutable after creation; owned by the pipeline until merged into storage.
type RawRecord struct {
	Identifier  Identifier `json:"identifier"`
	Title       string     `json:"title,omitempty"`
	Abstract    string     `json:"abstract,omitempty"`
	FullText    string     `json:"full_text,omitempty"`
	HasFullText bool       `json:"has_full_text"`
	Authors     []string   `json:"authors,omitempty"`
	Journal     string     `json:"journal,omitempty"`
	Year        int        `json:"year,omitempty"`
	MeshTerms   []string   `json:"mesh_terms,omitempty"`
	DOI         string     `json:"doi,omitempty"`
	PMCID       string     `json:"pmcid,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	Outcome     Outcome    `json:"outcome"`
	FailReason  string     `json:"fail_reason,omitempty"`
}

// TopicClassification is OpenAlex's four-level subject hierarchy.
type TopicClassification struct {
	Domain   string `json:"domain,omitempty"`
	Field    string `json:"field,omitempty"`
	Subfield string `json:"subfield,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

// Enrichment holds citation metadata looked up by DOI. Retrieved is
// false when the lookup was skipped, missing, or the service failed;
// the owning record is persisted either way.
type Enrichment struct {
	DOI                string              `json:"doi"`
	CitedByCount       int                 `json:"cited_by_count"`
	CitationPercentile float64             `json:"citation_percentile"`
	OpenAccessURL      string              `json:"open_access_url,omitempty"`
	Topic              TopicClassification `json:"topic"`
	Retrieved          bool                `json:"retrieved"`
}

// CollectedRecord is the unit persisted to storage: a RawRecord plus
// optional enrichment and run provenance. Exactly one exists per
// identifier per run; re-collection upserts, never duplicates.
type CollectedRecord struct {
	RawRecord
	Enrichment  *Enrichment `json:"enrichment,omitempty"`
	RunID       string      `json:"run_id"`
	CollectedAt time.Time   `json:"collected_at"`
}

// Enriched reports whether the record carries retrieved enrichment data.
func (r CollectedRecord) Enriched() bool {
	return r.Enrichment != nil && r.Enrichment.Retrieved
}
