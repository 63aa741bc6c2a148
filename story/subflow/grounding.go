package subflow

import (
	"context"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/requirement"
)

// Grounding seeds a section gap requirement for every selected section,
// confirms closure as evidence lands, and advances the subject to
// capture once the background is complete.
type Grounding struct{}

// NewGrounding builds the grounding subflow.
func NewGrounding() *Grounding { return &Grounding{} }

// Name implements Subflow.
func (g *Grounding) Name() string { return "grounding" }

// EntryCriteriaMet implements Subflow.
func (g *Grounding) EntryCriteriaMet(p *PassState) bool {
	return p.Subject.Phase == story.PhaseGrounding && !p.Subject.Retired
}

// Act implements Subflow.
func (g *Grounding) Act(_ context.Context, p *PassState) (*Delta, error) {
	delta := &Delta{}

	for _, section := range p.Subject.Sections {
		scope := requirement.Scope{Section: section, Topic: "background"}
		if p.HasRequirement(requirement.KindSectionGap, scope) {
			continue
		}
		r := requirement.New(p.Subject.SubjectID, requirement.KindSectionGap, requirement.PriorityImportant, scope)
		r.CreatedBy = g.Name()
		delta.NewRequirements = append(delta.NewRequirements, r)
	}

	resolved := make(map[string]bool)
	for _, r := range p.RequirementsByKind(requirement.KindSectionGap) {
		if r.Status == requirement.StatusAddressed && len(r.EvidenceRefs) > 0 {
			delta.Resolved = append(delta.Resolved, r.ID)
			resolved[r.ID] = true
		}
	}

	if len(delta.NewRequirements) == 0 && g.allSectionsGrounded(p, resolved) {
		if !p.Subject.GroundingComplete {
			v := true
			delta.GroundingComplete = &v
		}
		next := story.PhaseCapture
		delta.Phase = &next
	}

	return delta, nil
}

// allSectionsGrounded reports whether every section gap is resolved,
// counting this pass's resolutions.
func (g *Grounding) allSectionsGrounded(p *PassState, resolvedNow map[string]bool) bool {
	gaps := p.RequirementsByKind(requirement.KindSectionGap)
	if len(gaps) == 0 {
		return false
	}
	for _, r := range gaps {
		switch {
		case r.Status == requirement.StatusResolved, resolvedNow[r.ID]:
		case r.Status == requirement.StatusObsolete:
		default:
			return false
		}
	}
	return true
}
