package subflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/requirement"
)

func scorerWith(confidences map[string]float64) archetype.Scorer {
	return archetype.ScorerFunc(func(_ context.Context, _ string, _ []*story.EvidenceUnit, candidates []archetype.Candidate) ([]archetype.Score, error) {
		scores := make([]archetype.Score, 0, len(candidates))
		for _, c := range candidates {
			scores = append(scores, archetype.Score{
				ArchetypeKey: c.ArchetypeKey,
				Confidence:   confidences[c.ArchetypeKey],
			})
		}
		return scores, nil
	})
}

func capturePass(kind story.TriggerKind) *PassState {
	p := newPassState(story.PhaseCapture, kind)
	if kind == story.TriggerEvidence {
		p.Trigger.Evidence = &story.EvidenceUnit{ID: "ev-1", SubjectID: "subj-1"}
		p.Evidence = []*story.EvidenceUnit{p.Trigger.Evidence}
	}
	return p
}

func TestAnalystGating(t *testing.T) {
	sub := NewAnalyst(archetype.NewEngine(scorerWith(nil), archetype.NewCatalog(nil)))

	assert.True(t, sub.EntryCriteriaMet(capturePass(story.TriggerEvidence)))
	assert.True(t, sub.EntryCriteriaMet(capturePass(story.TriggerTick)))
	assert.False(t, sub.EntryCriteriaMet(newPassState(story.PhaseGrounding, story.TriggerEvidence)))
	assert.False(t, sub.EntryCriteriaMet(capturePass(story.TriggerAssessment)))
}

func TestAnalystProducesAnalysisAndPlan(t *testing.T) {
	engine := archetype.NewEngine(scorerWith(map[string]float64{
		"hero": 0.70, "caregiver": 0.65, "explorer": 0.68,
	}), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	p := capturePass(story.TriggerEvidence)
	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)

	require.NotNil(t, delta.Analysis)
	assert.Equal(t, archetype.StatusExploring, delta.Analysis.Status)

	// Exploring yields one discriminate probe between the two leaders.
	require.Len(t, delta.NewRequirements, 1)
	probe := delta.NewRequirements[0]
	assert.Equal(t, requirement.KindArchetypeProbe, probe.Kind)
	assert.Equal(t, requirement.PurposeDiscriminate, probe.Purpose)
	assert.Equal(t, []string{"hero", "explorer"}, probe.DiscriminatesBetween)
	require.NoError(t, probe.Validate())
}

func TestAnalystSkipsRedeliveredEvidence(t *testing.T) {
	// Scenario: the same evidence trigger arrives twice. The second pass
	// must not append another snapshot or change anything.
	engine := archetype.NewEngine(scorerWith(map[string]float64{
		"hero": 0.70, "caregiver": 0.65, "explorer": 0.68,
	}), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	p := capturePass(story.TriggerEvidence)
	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, delta.Analysis)
	require.NoError(t, p.Apply(delta))

	again, err := sub.Act(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, again.Analysis)
	assert.True(t, again.IsZero())
	assert.Equal(t, delta.Analysis.Number, p.Subject.AnalysisCount)
}

func TestAnalystRepointsOrphanedSnapshot(t *testing.T) {
	// A snapshot that landed without its state update (crash between the
	// side-store write and the state commit) is re-adopted, not redone.
	sub := NewAnalyst(archetype.NewEngine(scorerWith(nil), archetype.NewCatalog(nil)))

	p := capturePass(story.TriggerEvidence)
	prev := &archetype.Analysis{
		ID:          archetype.AnalysisID("subj-1", 2),
		SubjectID:   "subj-1",
		Number:      2,
		Status:      archetype.StatusResolved,
		DominantKey: "hero",
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.88, Status: archetype.CandidateActive},
		},
		EvidenceFingerprint: archetype.EvidenceFingerprint(p.Evidence),
	}
	p.Analysis = prev
	p.Subject.AnalysisCount = 1

	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, prev, delta.Analysis)
}

func TestAnalystSessionComplete(t *testing.T) {
	engine := archetype.NewEngine(scorerWith(nil), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	delta, err := sub.Act(context.Background(), capturePass(story.TriggerSessionComplete))
	require.NoError(t, err)
	assert.Equal(t, 1, delta.SessionCountDelta)
}

func TestAnalystClosesDiscriminateProbe(t *testing.T) {
	// Scenario: an addressed discriminate probe resolves once the two
	// candidates' confidences diverge by more than 0.20.
	engine := archetype.NewEngine(scorerWith(map[string]float64{
		"hero": 0.85, "sage": 0.55,
	}), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	p := capturePass(story.TriggerEvidence)
	p.Analysis = &archetype.Analysis{
		ID:        archetype.AnalysisID("subj-1", 1),
		SubjectID: "subj-1",
		Number:    1,
		Status:    archetype.StatusNarrowing,
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.68, Status: archetype.CandidateActive},
			{ArchetypeKey: "sage", Confidence: 0.65, Status: archetype.CandidateActive},
		},
	}

	probe := requirement.New("subj-1", requirement.KindArchetypeProbe, requirement.PriorityImportant,
		requirement.Scope{Section: "archetype", Topic: "discriminate/hero+sage"})
	probe.Purpose = requirement.PurposeDiscriminate
	probe.DiscriminatesBetween = []string{"hero", "sage"}
	probe.Status = requirement.StatusAddressed
	probe.EvidenceRefs = []string{"ev-1"}
	p.Requirements = []*requirement.Requirement{probe}

	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, delta.Resolved, probe.ID)
}

func TestAnalystLeavesUndivergedProbeAddressed(t *testing.T) {
	// Divergence below the threshold keeps the probe addressed.
	engine := archetype.NewEngine(scorerWith(map[string]float64{
		"hero": 0.70, "sage": 0.66,
	}), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	p := capturePass(story.TriggerEvidence)
	p.Analysis = &archetype.Analysis{
		ID:        archetype.AnalysisID("subj-1", 1),
		SubjectID: "subj-1",
		Number:    1,
		Status:    archetype.StatusNarrowing,
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.68, Status: archetype.CandidateActive},
			{ArchetypeKey: "sage", Confidence: 0.65, Status: archetype.CandidateActive},
		},
	}

	probe := requirement.New("subj-1", requirement.KindArchetypeProbe, requirement.PriorityImportant,
		requirement.Scope{Section: "archetype", Topic: "discriminate/hero+sage"})
	probe.Purpose = requirement.PurposeDiscriminate
	probe.DiscriminatesBetween = []string{"hero", "sage"}
	probe.Status = requirement.StatusAddressed
	probe.EvidenceRefs = []string{"ev-1"}
	p.Requirements = []*requirement.Requirement{probe}

	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)
	assert.NotContains(t, delta.Resolved, probe.ID)
}

func TestAnalystRuleOutDirective(t *testing.T) {
	engine := archetype.NewEngine(scorerWith(map[string]float64{
		"hero": 0.88,
	}), archetype.NewCatalog(nil))
	sub := NewAnalyst(engine)

	p := capturePass(story.TriggerDirective)
	p.Trigger.Directive = &story.Directive{Action: story.DirectiveRuleOut, ArchetypeKey: "sage"}
	p.Analysis = &archetype.Analysis{
		ID:        archetype.AnalysisID("subj-1", 1),
		SubjectID: "subj-1",
		Number:    1,
		Status:    archetype.StatusNarrowing,
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.75, Status: archetype.CandidateActive},
			{ArchetypeKey: "sage", Confidence: 0.70, Status: archetype.CandidateActive},
		},
	}

	delta, err := sub.Act(context.Background(), p)
	require.NoError(t, err)

	// A synthetic evidence unit records the directive.
	require.Len(t, delta.NewEvidence, 1)
	assert.Equal(t, "directive", delta.NewEvidence[0].Source)

	require.NotNil(t, delta.Analysis)
	sage, ok := delta.Analysis.CandidateByKey("sage")
	require.True(t, ok)
	assert.Equal(t, archetype.CandidateRuledOut, sage.Status)
	assert.Equal(t, archetype.StatusResolved, delta.Analysis.Status)
}

func TestAnalystRuleOutWithoutAnalysisFails(t *testing.T) {
	sub := NewAnalyst(archetype.NewEngine(scorerWith(nil), archetype.NewCatalog(nil)))

	p := capturePass(story.TriggerDirective)
	p.Trigger.Directive = &story.Directive{Action: story.DirectiveRuleOut, ArchetypeKey: "sage"}

	_, err := sub.Act(context.Background(), p)
	require.Error(t, err)
	var invErr *story.InvariantError
	assert.ErrorAs(t, err, &invErr)
}
