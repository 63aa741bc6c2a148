// Package gate evaluates whether a subject has gathered enough material
// to unblock composition. The gate is advisory until every sub-gate
// passes; failures always name every failing sub-gate so collectors can
// work on all of them at once.
package gate

import (
	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
)

// Sub-gate names, reported verbatim in results and events.
const (
	SubGateArchetypeResolved    = "archetype_resolved"
	SubGateMaterialSufficiency  = "material_sufficiency"
	SubGateCharacterDevelopment = "character_development"
	SubGateThematicCoherence    = "thematic_coherence"
)

// Result is the outcome of a gate evaluation.
type Result struct {
	// Ready is true only when every sub-gate passes.
	Ready bool `json:"ready"`

	// FailedGates lists every failing sub-gate, never just the first.
	FailedGates []string `json:"failed_gates,omitempty"`

	// DominantKey is the resolved archetype, when there is one.
	DominantKey string `json:"dominant_key,omitempty"`
}

// Evaluate runs all four sub-gates. The archetype sub-gate requires a
// resolved analysis with a dominant candidate at or above the dominance
// threshold; the remaining three come from externally supplied signals
// persisted on the subject state.
func Evaluate(state *story.SubjectState, analysis *archetype.Analysis, signals story.AssessmentSignals) Result {
	result := Result{}

	if resolved, dominant := archetypeResolved(analysis); resolved {
		result.DominantKey = dominant
	} else {
		result.FailedGates = append(result.FailedGates, SubGateArchetypeResolved)
	}

	if !signals.MaterialSufficiency {
		result.FailedGates = append(result.FailedGates, SubGateMaterialSufficiency)
	}
	if !signals.CharacterDevelopment {
		result.FailedGates = append(result.FailedGates, SubGateCharacterDevelopment)
	}
	if !signals.ThematicCoherence {
		result.FailedGates = append(result.FailedGates, SubGateThematicCoherence)
	}

	result.Ready = len(result.FailedGates) == 0 && state != nil && !state.Retired
	return result
}

func archetypeResolved(analysis *archetype.Analysis) (bool, string) {
	if analysis == nil || analysis.Status != archetype.StatusResolved || analysis.DominantKey == "" {
		return false, ""
	}
	dominant, ok := analysis.CandidateByKey(analysis.DominantKey)
	if !ok || dominant.Confidence < archetype.ConfidenceDominant {
		return false, ""
	}
	return true, analysis.DominantKey
}
