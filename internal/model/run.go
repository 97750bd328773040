package model

import "time"

// Phase represents the coordinator's position in the pipeline state
// machine. Interrupted is reachable from fetching or enriching and is
// always followed by finalizing so a last checkpoint is never skipped.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseResolving   Phase = "resolving"
	PhaseFetching    Phase = "fetching"
	PhaseEnriching   Phase = "enriching"
	PhaseFinalizing  Phase = "finalizing"
	PhaseDone        Phase = "done"
	PhaseInterrupted Phase = "interrupted"
)

// Counts aggregates per-run collection statistics.
type Counts struct {
	Found          int `json:"found"`
	Processed      int `json:"processed"`
	WithFullText   int `json:"with_full_text"`
	WithEnrichment int `json:"with_enrichment"`
	Failed         int `json:"failed"`
}

// RunState is the process-wide state of one pipeline execution. It is
// mutated only by the run coordinator; workers hand results over a
// channel rather than touching it directly.
type RunState struct {
	RunID           string                 `json:"run_id"`
	Query           string                 `json:"query"`
	TotalFound      int                    `json:"total_found"`
	IdentifierCount int                    `json:"identifier_count"`
	Completed       map[Identifier]Outcome `json:"completed"`
	Counts          Counts                 `json:"counts"`
	Phase           Phase                  `json:"phase"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at,omitempty"`
}

// NewRunState returns a fresh RunState in the starting phase.
func NewRunState(runID, query string) *RunState {
	return &RunState{
		RunID:     runID,
		Query:     query,
		Completed: make(map[Identifier]Outcome),
		Phase:     PhaseStarting,
		StartedAt: time.Now().UTC(),
	}
}

// MarkCompleted records the outcome for one identifier and updates the
// aggregate counts. Re-marking an identifier is a no-op so resumed runs
// never double-count.
func (s *RunState) MarkCompleted(id Identifier, rec CollectedRecord) {
	if _, done := s.Completed[id]; done {
		return
	}
	s.Completed[id] = rec.Outcome
	s.Counts.Processed++
	switch rec.Outcome {
	case OutcomeOK:
		if rec.HasFullText {
			s.Counts.WithFullText++
		}
		if rec.Enriched() {
			s.Counts.WithEnrichment++
		}
	default:
		s.Counts.Failed++
	}
}

// Remaining returns the identifiers from ids not yet completed,
// preserving order.
func (s *RunState) Remaining(ids []Identifier) []Identifier {
	out := make([]Identifier, 0, len(ids))
	for _, id := range ids {
		if _, done := s.Completed[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

// Finalize sets the end timestamp and terminal phase.
func (s *RunState) Finalize(p Phase) {
	s.Phase = p
	s.FinishedAt = time.Now().UTC()
}

// Duration returns the elapsed run time, using now if the run has not
// finished.
func (s *RunState) Duration() time.Duration {
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(s.StartedAt)
}
