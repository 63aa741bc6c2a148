package archetype

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storyline/story"
)

// fixedScorer returns preset confidences by archetype key.
func fixedScorer(confidences map[string]float64) Scorer {
	return ScorerFunc(func(_ context.Context, _ string, _ []*story.EvidenceUnit, candidates []Candidate) ([]Score, error) {
		scores := make([]Score, 0, len(candidates))
		for _, c := range candidates {
			scores = append(scores, Score{
				ArchetypeKey: c.ArchetypeKey,
				Confidence:   confidences[c.ArchetypeKey],
			})
		}
		return scores, nil
	})
}

func TestRunAnalysisFirstRun(t *testing.T) {
	engine := NewEngine(fixedScorer(map[string]float64{
		"hero": 0.65, "caregiver": 0.62, "explorer": 0.64,
	}), NewCatalog(nil))

	analysis, err := engine.RunAnalysis(context.Background(), "subj-1", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, analysis.Number)
	assert.Equal(t, AnalysisID("subj-1", 1), analysis.ID)
	assert.Empty(t, analysis.PreviousID)
	assert.Len(t, analysis.Candidates, len(DefaultDefinitions))
	assert.Equal(t, StatusExploring, analysis.Status)
}

func TestRunAnalysisChainsSnapshots(t *testing.T) {
	engine := NewEngine(fixedScorer(map[string]float64{"hero": 0.9}), NewCatalog(nil))

	first, err := engine.RunAnalysis(context.Background(), "subj-1", nil, nil)
	require.NoError(t, err)

	second, err := engine.RunAnalysis(context.Background(), "subj-1", nil, first)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Number)
	assert.Equal(t, first.ID, second.PreviousID)
}

func TestRunAnalysisRuledOutIsTerminal(t *testing.T) {
	// The scorer would put rebel at 0.9, but ruled-out candidates are
	// never rescored.
	engine := NewEngine(fixedScorer(map[string]float64{
		"hero": 0.88, "rebel": 0.90,
	}), NewCatalog(nil))

	prev := &Analysis{
		ID:        AnalysisID("subj-1", 1),
		SubjectID: "subj-1",
		Number:    1,
		Status:    StatusNarrowing,
		Candidates: []Candidate{
			active("hero", 0.80),
			{ArchetypeKey: "rebel", Status: CandidateRuledOut, RuledOutReason: "user directive"},
		},
	}

	analysis, err := engine.RunAnalysis(context.Background(), "subj-1", nil, prev)
	require.NoError(t, err)

	rebel, ok := analysis.CandidateByKey("rebel")
	require.True(t, ok)
	assert.Equal(t, CandidateRuledOut, rebel.Status)
	assert.Zero(t, rebel.Confidence)

	assert.Equal(t, StatusResolved, analysis.Status)
	assert.Equal(t, "hero", analysis.DominantKey)
}

func TestRunAnalysisClampsConfidence(t *testing.T) {
	engine := NewEngine(fixedScorer(map[string]float64{"hero": 1.7}), NewCatalog(nil))

	prev := &Analysis{
		ID:         AnalysisID("subj-1", 1),
		SubjectID:  "subj-1",
		Number:     1,
		Status:     StatusExploring,
		Candidates: []Candidate{active("hero", 0.2)},
	}

	analysis, err := engine.RunAnalysis(context.Background(), "subj-1", nil, prev)
	require.NoError(t, err)

	hero, _ := analysis.CandidateByKey("hero")
	assert.Equal(t, 1.0, hero.Confidence)
}

func TestRunAnalysisScorerError(t *testing.T) {
	boom := errors.New("model unavailable")
	engine := NewEngine(ScorerFunc(func(context.Context, string, []*story.EvidenceUnit, []Candidate) ([]Score, error) {
		return nil, boom
	}), NewCatalog(nil))

	_, err := engine.RunAnalysis(context.Background(), "subj-1", nil, nil)
	require.ErrorIs(t, err, boom)
}

func TestRunAnalysisTimeoutRetriesOnce(t *testing.T) {
	calls := 0
	engine := NewEngine(ScorerFunc(func(ctx context.Context, _ string, _ []*story.EvidenceUnit, candidates []Candidate) ([]Score, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return []Score{{ArchetypeKey: candidates[0].ArchetypeKey, Confidence: 0.5}}, nil
	}), NewCatalog(nil), WithScoreTimeout(50*time.Millisecond))

	_, err := engine.RunAnalysis(context.Background(), "subj-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunAnalysisTimeoutExhausted(t *testing.T) {
	engine := NewEngine(ScorerFunc(func(context.Context, string, []*story.EvidenceUnit, []Candidate) ([]Score, error) {
		return nil, context.DeadlineExceeded
	}), NewCatalog(nil), WithScoreTimeout(10*time.Millisecond))

	_, err := engine.RunAnalysis(context.Background(), "subj-1", nil, nil)
	require.ErrorIs(t, err, story.ErrDependencyTimeout)
}

func TestRuleOut(t *testing.T) {
	engine := NewEngine(fixedScorer(nil), NewCatalog(nil))

	prev := &Analysis{
		ID:         AnalysisID("subj-1", 1),
		SubjectID:  "subj-1",
		Number:     1,
		Candidates: []Candidate{active("hero", 0.7), active("sage", 0.6)},
	}

	modified, err := engine.RuleOut(prev, "sage", "user directive")
	require.NoError(t, err)

	sage, _ := modified.CandidateByKey("sage")
	assert.Equal(t, CandidateRuledOut, sage.Status)
	assert.Equal(t, "user directive", sage.RuledOutReason)

	// Original snapshot untouched.
	orig, _ := prev.CandidateByKey("sage")
	assert.Equal(t, CandidateActive, orig.Status)

	_, err = engine.RuleOut(prev, "unknown", "")
	require.ErrorIs(t, err, story.ErrNotFound)
}
