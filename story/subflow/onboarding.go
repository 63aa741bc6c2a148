package subflow

import (
	"context"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/requirement"
)

// DefaultProfileTopics are the profile basics requested during
// onboarding when no custom topics are configured.
var DefaultProfileTopics = []string{"family", "career", "values"}

// Onboarding seeds the onboarding requirements, confirms their closure
// once evidence arrives, and advances the subject to grounding when all
// of them resolve.
type Onboarding struct {
	profileTopics []string
}

// NewOnboarding builds the onboarding subflow. Nil topics select the
// defaults.
func NewOnboarding(profileTopics []string) *Onboarding {
	if len(profileTopics) == 0 {
		profileTopics = DefaultProfileTopics
	}
	return &Onboarding{profileTopics: profileTopics}
}

// Name implements Subflow.
func (o *Onboarding) Name() string { return "onboarding" }

// EntryCriteriaMet implements Subflow.
func (o *Onboarding) EntryCriteriaMet(p *PassState) bool {
	return p.Subject.Phase == story.PhaseOnboarding && !p.Subject.Retired
}

// Act implements Subflow.
func (o *Onboarding) Act(_ context.Context, p *PassState) (*Delta, error) {
	delta := &Delta{}

	o.seedRequirements(p, delta)
	resolved := o.confirmClosures(p, delta)

	// Completion is judged over the working set with this pass's
	// resolutions counted.
	introDone := o.kindSettled(p, resolved, requirement.KindIntro)
	sectionsDone := o.kindSettled(p, resolved, requirement.KindScopeSelect)

	if introDone && !p.Subject.IntroComplete {
		v := true
		delta.IntroComplete = &v
	}
	if sectionsDone && !p.Subject.SectionsSelected {
		v := true
		delta.SectionsSelected = &v
	}

	if introDone && sectionsDone && o.kindSettled(p, resolved, requirement.KindProfile) &&
		len(delta.NewRequirements) == 0 {
		next := story.PhaseGrounding
		delta.Phase = &next
	}

	return delta, nil
}

// seedRequirements creates the onboarding work items that do not exist
// yet. Dedup against open twins happens again at apply time.
func (o *Onboarding) seedRequirements(p *PassState, delta *Delta) {
	subjectID := p.Subject.SubjectID

	seed := func(kind requirement.Kind, priority requirement.Priority, scope requirement.Scope) {
		if p.HasRequirement(kind, scope) {
			return
		}
		r := requirement.New(subjectID, kind, priority, scope)
		r.CreatedBy = o.Name()
		delta.NewRequirements = append(delta.NewRequirements, r)
	}

	seed(requirement.KindIntro, requirement.PriorityCritical,
		requirement.Scope{Section: "onboarding", Topic: "intro"})
	seed(requirement.KindScopeSelect, requirement.PriorityCritical,
		requirement.Scope{Section: "onboarding", Topic: "sections"})
	for _, topic := range o.profileTopics {
		seed(requirement.KindProfile, requirement.PriorityImportant,
			requirement.Scope{Section: "onboarding", Topic: "profile/" + topic})
	}
}

// confirmClosures resolves addressed onboarding requirements that have
// evidence attributed. Returns the IDs resolved this pass.
func (o *Onboarding) confirmClosures(p *PassState, delta *Delta) map[string]bool {
	resolved := make(map[string]bool)
	for _, r := range p.Requirements {
		if !o.owns(r.Kind) {
			continue
		}
		if r.Status == requirement.StatusAddressed && len(r.EvidenceRefs) > 0 {
			delta.Resolved = append(delta.Resolved, r.ID)
			resolved[r.ID] = true
		}
	}
	return resolved
}

func (o *Onboarding) owns(kind requirement.Kind) bool {
	return kind == requirement.KindIntro ||
		kind == requirement.KindScopeSelect ||
		kind == requirement.KindProfile
}

// kindSettled reports whether every working requirement of a kind is
// resolved, counting this pass's resolutions.
func (o *Onboarding) kindSettled(p *PassState, resolvedNow map[string]bool, kind requirement.Kind) bool {
	reqs := p.RequirementsByKind(kind)
	if len(reqs) == 0 {
		return false
	}
	for _, r := range reqs {
		if r.Status == requirement.StatusResolved || resolvedNow[r.ID] {
			continue
		}
		if r.Status == requirement.StatusObsolete {
			continue
		}
		return false
	}
	return true
}
