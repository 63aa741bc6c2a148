package archetype

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/storyline/story"
)

// DefaultScoreTimeout bounds a single scoring call.
const DefaultScoreTimeout = 30 * time.Second

// Engine runs refinement analyses. The scoring function is injected so
// the engine owns only the status machine and snapshot bookkeeping.
type Engine struct {
	scorer  Scorer
	catalog *Catalog
	timeout time.Duration
	logger  *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScoreTimeout overrides the per-call scoring deadline.
func WithScoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine over a scorer and catalog.
func NewEngine(scorer Scorer, catalog *Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		scorer:  scorer,
		catalog: catalog,
		timeout: DefaultScoreTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog exposes the engine's catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// RunAnalysis scores the full evidence set against the candidates
// carried over from prev (or seeded from the catalog for a first run)
// and returns a new snapshot. Confidences are recomputed from scratch
// every run; ruled-out candidates are carried forward untouched and
// never rescored. The snapshot is not persisted here.
func (e *Engine) RunAnalysis(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, prev *Analysis) (*Analysis, error) {
	candidates := e.seedFrom(prev)

	active := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == CandidateActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, &story.InvariantError{
			Invariant: "analysis requires at least one active candidate",
			Detail:    "subject " + subjectID,
		}
	}

	scores, err := e.score(ctx, subjectID, evidence, active)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]Score, len(scores))
	for _, s := range scores {
		byKey[s.ArchetypeKey] = s
	}

	for i := range candidates {
		if candidates[i].Status != CandidateActive {
			continue
		}
		s, ok := byKey[candidates[i].ArchetypeKey]
		if !ok {
			// Scorer omitted a candidate; treat as no signal this run.
			candidates[i].Confidence = 0
			candidates[i].Indicators = nil
			candidates[i].EvidenceRefs = nil
			continue
		}
		candidates[i].Confidence = clamp01(s.Confidence)
		candidates[i].Indicators = s.Indicators
		candidates[i].EvidenceRefs = s.EvidenceRefs
	}

	number := 1
	previousID := ""
	if prev != nil {
		number = prev.Number + 1
		previousID = prev.ID
	}

	status, dominant := computeStatus(candidates, prev)

	analysis := &Analysis{
		ID:                  AnalysisID(subjectID, number),
		SubjectID:           subjectID,
		Number:              number,
		PreviousID:          previousID,
		Candidates:          candidates,
		Status:              status,
		DominantKey:         dominant,
		EvidenceCount:       len(evidence),
		EvidenceFingerprint: EvidenceFingerprint(evidence),
		CreatedAt:           time.Now().UTC(),
	}

	if err := analysis.Validate(); err != nil {
		return nil, err
	}

	e.logger.Debug("Analysis complete",
		"subject_id", subjectID,
		"analysis_id", analysis.ID,
		"status", status,
		"dominant", dominant,
		"active_candidates", len(analysis.Active()),
		"evidence_count", len(evidence))

	return analysis, nil
}

// RuleOut returns a copy of prev with one candidate eliminated. Used by
// directive handling before a fresh analysis run. Ruling out an already
// ruled-out candidate is a no-op.
func (e *Engine) RuleOut(prev *Analysis, key, reason string) (*Analysis, error) {
	if prev == nil {
		return nil, fmt.Errorf("no analysis to rule out from: %w", story.ErrNotFound)
	}
	if _, ok := prev.CandidateByKey(key); !ok {
		return nil, fmt.Errorf("candidate %s: %w", key, story.ErrNotFound)
	}

	clone := *prev
	clone.Candidates = append([]Candidate(nil), prev.Candidates...)
	for i := range clone.Candidates {
		if clone.Candidates[i].ArchetypeKey == key {
			clone.Candidates[i].Status = CandidateRuledOut
			clone.Candidates[i].RuledOutReason = reason
		}
	}
	return &clone, nil
}

// seedFrom carries candidates forward from prev, or seeds the full
// catalog for a first analysis.
func (e *Engine) seedFrom(prev *Analysis) []Candidate {
	if prev == nil {
		return e.catalog.SeedCandidates()
	}
	return append([]Candidate(nil), prev.Candidates...)
}

// score calls the scorer with a deadline, retrying once on timeout
// before reporting a dependency timeout.
func (e *Engine) score(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, active []Candidate) ([]Score, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		scores, err := e.scorer.Score(callCtx, subjectID, evidence, active)
		cancel()

		if err == nil {
			return scores, nil
		}
		lastErr = err

		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, story.ErrDependencyTimeout) {
			return nil, fmt.Errorf("score candidates: %w", err)
		}
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("Scoring timed out, retrying once",
			"subject_id", subjectID,
			"attempt", attempt+1)
	}

	return nil, fmt.Errorf("score candidates: %v: %w", lastErr, story.ErrDependencyTimeout)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
