// Package archetype implements multi-hypothesis archetype refinement:
// a confidence model over candidate archetypes that narrows as evidence
// accumulates, plus the strategic plan that tells the ledger what
// evidence to ask for next.
package archetype

import (
	"context"

	"github.com/c360studio/storyline/story"
)

// Confidence thresholds for the refinement status machine.
const (
	// ConfidenceViable is the floor above which a candidate counts as a
	// live hypothesis.
	ConfidenceViable = 0.60

	// ConfidenceLeading marks a front-runner among three or more viable
	// candidates.
	ConfidenceLeading = 0.75

	// ConfidenceDominant is required of the single remaining candidate
	// for the analysis to resolve.
	ConfidenceDominant = 0.85

	// ConfidenceFaded is the ceiling the non-dominant candidates must
	// sit under for the analysis to resolve.
	ConfidenceFaded = 0.50
)

// CandidateStatus is the hypothesis state. ruled_out is terminal: a
// ruled-out candidate never re-enters scoring.
type CandidateStatus string

const (
	CandidateActive   CandidateStatus = "active"
	CandidateRuledOut CandidateStatus = "ruled_out"
)

// Candidate is one archetype hypothesis within an analysis snapshot.
type Candidate struct {
	// ArchetypeKey references a catalog definition.
	ArchetypeKey string `json:"archetype_key"`

	// Confidence is in [0,1] and is fully recomputed each analysis.
	Confidence float64 `json:"confidence"`

	Status CandidateStatus `json:"status"`

	// Indicators are the observed signals supporting the hypothesis.
	Indicators []string `json:"indicators,omitempty"`

	// EvidenceRefs lists the evidence units that informed the score.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// RuledOutReason records why a candidate was eliminated.
	RuledOutReason string `json:"ruled_out_reason,omitempty"`
}

// Viable reports whether the candidate is a live hypothesis.
func (c Candidate) Viable() bool {
	return c.Status == CandidateActive && c.Confidence > ConfidenceViable
}

// Score is one candidate's result from a scoring run.
type Score struct {
	ArchetypeKey string   `json:"archetype_key"`
	Confidence   float64  `json:"confidence"`
	Indicators   []string `json:"indicators,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// Scorer produces fresh confidence scores for the active candidates
// from the full evidence set. Implementations must score every
// candidate they are given; ruled-out candidates are never passed in.
type Scorer interface {
	Score(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, candidates []Candidate) ([]Score, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, candidates []Candidate) ([]Score, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, candidates []Candidate) ([]Score, error) {
	return f(ctx, subjectID, evidence, candidates)
}
