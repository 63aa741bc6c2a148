package subflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/requirement"
)

// DiscriminateDivergence is the confidence spread between two
// discriminated candidates that counts the probe as answered.
const DiscriminateDivergence = 0.20

// Analyst runs archetype refinement during capture: it handles
// directives, produces a fresh analysis snapshot whenever the working
// evidence set changed, closes out answered archetype probes, and
// turns the strategic plan into new probe requirements.
type Analyst struct {
	engine *archetype.Engine
	logger *slog.Logger
}

// NewAnalyst builds the analyst subflow.
func NewAnalyst(engine *archetype.Engine) *Analyst {
	return &Analyst{engine: engine, logger: slog.Default()}
}

// Name implements Subflow.
func (a *Analyst) Name() string { return "analyst" }

// EntryCriteriaMet implements Subflow.
func (a *Analyst) EntryCriteriaMet(p *PassState) bool {
	if p.Subject.Phase != story.PhaseCapture || p.Subject.Retired {
		return false
	}
	switch p.Trigger.Kind {
	case story.TriggerEvidence, story.TriggerDirective, story.TriggerSessionComplete, story.TriggerTick:
		return true
	}
	return false
}

// Act implements Subflow.
func (a *Analyst) Act(ctx context.Context, p *PassState) (*Delta, error) {
	delta := &Delta{}

	if p.Trigger.Kind == story.TriggerSessionComplete {
		delta.SessionCountDelta = 1
	}

	prev := p.Analysis
	evidence := p.Evidence

	if p.Trigger.Kind == story.TriggerDirective {
		var err error
		prev, evidence, err = a.applyDirective(p, delta)
		if err != nil {
			return nil, err
		}
	}

	analysis := prev
	switch {
	case a.evidenceChanged(prev, evidence):
		fresh, err := a.engine.RunAnalysis(ctx, p.Subject.SubjectID, evidence, prev)
		if err != nil {
			return nil, fmt.Errorf("run analysis: %w", err)
		}
		delta.Analysis = fresh
		analysis = fresh

	case prev.Number > p.Subject.AnalysisCount:
		// The snapshot landed but its state update did not (crash or
		// lost race mid-commit). Re-point the bookkeeping at it.
		delta.Analysis = prev
	}

	if analysis != nil {
		a.closeAnsweredProbes(p, analysis, delta)
		a.planProbes(p, analysis, delta)
	}

	return delta, nil
}

// evidenceChanged reports whether the working evidence set differs from
// what informed the standing snapshot. A redelivered trigger with
// nothing new must not append another snapshot.
func (a *Analyst) evidenceChanged(prev *archetype.Analysis, evidence []*story.EvidenceUnit) bool {
	if prev == nil || prev.EvidenceFingerprint == "" {
		return true
	}
	return prev.EvidenceFingerprint != archetype.EvidenceFingerprint(evidence)
}

// applyDirective converts a rule_out or boost into a candidate change
// plus a synthetic evidence unit, ahead of the fresh analysis run.
func (a *Analyst) applyDirective(p *PassState, delta *Delta) (*archetype.Analysis, []*story.EvidenceUnit, error) {
	d := p.Trigger.Directive
	prev := p.Analysis

	if d.Action == story.DirectiveRuleOut {
		if prev == nil {
			return nil, nil, &story.InvariantError{
				Invariant: "rule_out requires an existing analysis",
				Detail:    "subject " + p.Subject.SubjectID,
			}
		}
		modified, err := a.engine.RuleOut(prev, d.ArchetypeKey, directiveReason(d))
		if err != nil {
			return nil, nil, err
		}
		prev = modified
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal directive: %w", err)
	}
	unit := &story.EvidenceUnit{
		ID:          "ev-" + uuid.NewString()[:8],
		SubjectID:   p.Subject.SubjectID,
		Source:      "directive",
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}
	delta.NewEvidence = append(delta.NewEvidence, unit)

	return prev, append(append([]*story.EvidenceUnit(nil), p.Evidence...), unit), nil
}

func directiveReason(d *story.Directive) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "user directive"
}

// closeAnsweredProbes resolves addressed archetype probes whose
// strategic question the new analysis has answered.
func (a *Analyst) closeAnsweredProbes(p *PassState, analysis *archetype.Analysis, delta *Delta) {
	for _, r := range p.RequirementsByKind(requirement.KindArchetypeProbe) {
		if r.Status != requirement.StatusAddressed {
			continue
		}
		if a.probeAnswered(r, analysis) {
			delta.Resolved = append(delta.Resolved, r.ID)
		}
	}
}

func (a *Analyst) probeAnswered(r *requirement.Requirement, analysis *archetype.Analysis) bool {
	switch r.Purpose {
	case requirement.PurposeDiscriminate:
		if len(r.DiscriminatesBetween) < 2 {
			return false
		}
		first, okA := analysis.CandidateByKey(r.DiscriminatesBetween[0])
		second, okB := analysis.CandidateByKey(r.DiscriminatesBetween[1])
		if !okA || !okB {
			return false
		}
		// Elimination of either side settles the question outright.
		if first.Status == archetype.CandidateRuledOut || second.Status == archetype.CandidateRuledOut {
			return true
		}
		return math.Abs(first.Confidence-second.Confidence) > DiscriminateDivergence

	case requirement.PurposeValidate:
		if len(r.DiscriminatesBetween) == 0 {
			return false
		}
		c, ok := analysis.CandidateByKey(r.DiscriminatesBetween[0])
		if !ok {
			return false
		}
		// Either the hypothesis firmed up or it faded; both answer it.
		return c.Status == archetype.CandidateRuledOut ||
			c.Confidence >= archetype.ConfidenceLeading ||
			c.Confidence < archetype.ConfidenceFaded

	case requirement.PurposeStrengthen:
		if len(r.DiscriminatesBetween) == 0 {
			return false
		}
		c, ok := analysis.CandidateByKey(r.DiscriminatesBetween[0])
		return ok && c.Confidence >= archetype.ConfidenceDominant
	}

	return false
}

// planProbes turns the strategic plan into probe requirements. A plan
// entry referencing a ruled-out candidate is skipped: discriminating
// against an eliminated hypothesis is an invariant violation, and the
// engine should never produce one.
func (a *Analyst) planProbes(p *PassState, analysis *archetype.Analysis, delta *Delta) {
	for _, spec := range analysis.StrategicPlan() {
		if !a.candidatesActive(analysis, spec.ArchetypeKeys) {
			a.logger.Warn("Skipping probe referencing inactive candidate",
				"subject_id", p.Subject.SubjectID,
				"purpose", spec.Purpose,
				"archetypes", spec.ArchetypeKeys)
			continue
		}

		scope := requirement.Scope{
			Section: "archetype",
			Topic:   spec.Purpose + "/" + strings.Join(spec.ArchetypeKeys, "+"),
		}
		if p.hasOpenDedup(scope.Path() + "|" + string(requirement.KindArchetypeProbe)) {
			continue
		}

		r := requirement.New(p.Subject.SubjectID, requirement.KindArchetypeProbe,
			requirement.PriorityImportant, scope)
		r.Purpose = requirement.Purpose(spec.Purpose)
		r.DiscriminatesBetween = spec.ArchetypeKeys
		r.CreatedBy = a.Name()
		if guidance, err := json.Marshal(spec); err == nil {
			r.Guidance = guidance
		}
		delta.NewRequirements = append(delta.NewRequirements, r)
	}
}

func (a *Analyst) candidatesActive(analysis *archetype.Analysis, keys []string) bool {
	for _, key := range keys {
		c, ok := analysis.CandidateByKey(key)
		if !ok || c.Status != archetype.CandidateActive {
			return false
		}
	}
	return true
}
