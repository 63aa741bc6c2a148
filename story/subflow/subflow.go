// Package subflow defines the self-gating subflow contract and the
// fixed-order registry the dispatcher walks on every pass. Subflows
// never touch storage: they read a working copy of the pass state and
// return deltas, which the dispatcher folds into the working copy
// between subflows and persists only once the whole pass succeeds.
package subflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/gate"
	"github.com/c360studio/storyline/story/requirement"
)

// PassState is the working copy a pass operates on. It starts as a
// snapshot of persisted state plus the trigger's own evidence, and is
// progressively mutated as each subflow's delta is applied.
type PassState struct {
	Subject *story.SubjectState
	Trigger *story.TriggerPayload

	// Requirements is the working requirement set, including ones
	// created earlier in this pass.
	Requirements []*requirement.Requirement

	// Evidence is the full evidence set, including units arriving with
	// the trigger that are not yet persisted.
	Evidence []*story.EvidenceUnit

	// Analysis is the latest snapshot, including one produced earlier
	// in this pass.
	Analysis *archetype.Analysis

	// GateResult is filled in by the gatekeeper subflow for the
	// dispatcher's next-action computation.
	GateResult *gate.Result
}

// OpenRequirements returns the open working requirements.
func (p *PassState) OpenRequirements() []*requirement.Requirement {
	open := make([]*requirement.Requirement, 0, len(p.Requirements))
	for _, r := range p.Requirements {
		if r.Status.IsOpen() {
			open = append(open, r)
		}
	}
	return open
}

// HasRequirement reports whether any working requirement (open or
// settled) carries the given dedup identity.
func (p *PassState) HasRequirement(kind requirement.Kind, scope requirement.Scope) bool {
	key := scope.Path() + "|" + string(kind)
	for _, r := range p.Requirements {
		if r.DedupKey() == key {
			return true
		}
	}
	return false
}

// RequirementsByKind returns the working requirements of one kind.
func (p *PassState) RequirementsByKind(kind requirement.Kind) []*requirement.Requirement {
	out := make([]*requirement.Requirement, 0, len(p.Requirements))
	for _, r := range p.Requirements {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// findRequirement returns the working requirement with the given ID.
func (p *PassState) findRequirement(id string) *requirement.Requirement {
	for _, r := range p.Requirements {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Delta is the set of intents a subflow returns. Nothing in a delta is
// persisted until the dispatcher commits the whole pass.
type Delta struct {
	// Phase requests a phase transition.
	Phase *story.Phase

	IntroComplete     *bool
	SectionsSelected  *bool
	GroundingComplete *bool

	// SessionCountDelta increments the completed session counter.
	SessionCountDelta int

	// NewEvidence holds synthetic evidence units minted during the pass
	// (e.g. directive injections).
	NewEvidence []*story.EvidenceUnit

	// NewRequirements are requirements to add to the ledger. Duplicates
	// of existing open requirements are dropped when applied.
	NewRequirements []*requirement.Requirement

	// Resolved lists addressed requirement IDs confirmed closed by the
	// owning subflow.
	Resolved []string

	// Reopened lists addressed requirement IDs whose gap check failed,
	// returning them to pending.
	Reopened []string

	// Analysis is a fresh refinement snapshot to append.
	Analysis *archetype.Analysis

	// Escalation, when non-empty, asks for manual review.
	Escalation string
}

// IsZero reports whether the delta carries no intents.
func (d *Delta) IsZero() bool {
	return d == nil || (d.Phase == nil &&
		d.IntroComplete == nil &&
		d.SectionsSelected == nil &&
		d.GroundingComplete == nil &&
		d.SessionCountDelta == 0 &&
		len(d.NewEvidence) == 0 &&
		len(d.NewRequirements) == 0 &&
		len(d.Resolved) == 0 &&
		len(d.Reopened) == 0 &&
		d.Analysis == nil &&
		d.Escalation == "")
}

// Apply folds a delta into the working copy. Duplicate and invalid new
// requirements are dropped from the delta in place so the dispatcher
// persists only what was actually applied; an invalid creation is fatal
// for that requirement alone, not the pass. Illegal transitions abort
// the pass.
func (p *PassState) Apply(d *Delta) error {
	if d.IsZero() {
		return nil
	}

	if d.Phase != nil {
		if err := p.Subject.AdvancePhase(*d.Phase); err != nil {
			return err
		}
	}
	if d.IntroComplete != nil {
		p.Subject.IntroComplete = *d.IntroComplete
	}
	if d.SectionsSelected != nil {
		p.Subject.SectionsSelected = *d.SectionsSelected
	}
	if d.GroundingComplete != nil {
		p.Subject.GroundingComplete = *d.GroundingComplete
	}
	p.Subject.SessionCount += d.SessionCountDelta

	p.Evidence = append(p.Evidence, d.NewEvidence...)

	if len(d.NewRequirements) > 0 {
		kept := d.NewRequirements[:0]
		for _, r := range d.NewRequirements {
			if err := r.Validate(); err != nil {
				slog.Warn("Dropping invalid requirement creation",
					"subject_id", p.Subject.SubjectID,
					"kind", r.Kind,
					"scope", r.Scope.Path(),
					"error", err)
				continue
			}
			if p.hasOpenDedup(r.DedupKey()) {
				continue // open twin exists, creation is a no-op
			}
			p.Requirements = append(p.Requirements, r)
			kept = append(kept, r)
		}
		d.NewRequirements = kept
	}

	for _, id := range d.Resolved {
		r := p.findRequirement(id)
		if r == nil {
			return fmt.Errorf("resolve requirement %s: %w", id, story.ErrNotFound)
		}
		if !r.Status.CanTransitionTo(requirement.StatusResolved) {
			return &story.InvariantError{
				Invariant: "only addressed requirements resolve",
				Detail:    fmt.Sprintf("requirement %s is %s", id, r.Status),
			}
		}
		r.Status = requirement.StatusResolved
	}

	for _, id := range d.Reopened {
		r := p.findRequirement(id)
		if r == nil {
			return fmt.Errorf("reopen requirement %s: %w", id, story.ErrNotFound)
		}
		if !r.Status.CanTransitionTo(requirement.StatusPending) {
			return &story.InvariantError{
				Invariant: "illegal requirement transition",
				Detail:    fmt.Sprintf("requirement %s: %s -> %s", id, r.Status, requirement.StatusPending),
			}
		}
		r.Status = requirement.StatusPending
	}

	if d.Analysis != nil {
		p.Analysis = d.Analysis
		p.Subject.AnalysisCount = d.Analysis.Number
		p.Subject.LatestAnalysisID = d.Analysis.ID
	}

	return nil
}

func (p *PassState) hasOpenDedup(key string) bool {
	for _, r := range p.Requirements {
		if r.Status.IsOpen() && r.DedupKey() == key {
			return true
		}
	}
	return false
}

// Subflow is one narrowly scoped unit of orchestration work. A subflow
// inspects the working copy and decides for itself whether to act.
type Subflow interface {
	// Name identifies the subflow in logs, errors, and requirements.
	Name() string

	// EntryCriteriaMet reports whether the subflow should act on this
	// pass, judged against the progressively updated working copy.
	EntryCriteriaMet(p *PassState) bool

	// Act performs the subflow's work and returns its intents. Act must
	// not persist anything.
	Act(ctx context.Context, p *PassState) (*Delta, error)
}

// Registry holds subflows in their fixed execution order. Order is set
// at wiring time and never changes between passes.
type Registry struct {
	subflows []Subflow
}

// NewRegistry builds a registry with the given execution order.
func NewRegistry(subflows ...Subflow) *Registry {
	return &Registry{subflows: subflows}
}

// DefaultRegistry wires the standard pipeline: onboarding, grounding,
// analyst, gatekeeper.
func DefaultRegistry(engine *archetype.Engine) *Registry {
	return NewRegistry(
		NewOnboarding(nil),
		NewGrounding(),
		NewAnalyst(engine),
		NewGatekeeper(),
	)
}

// Subflows returns the ordered subflows.
func (r *Registry) Subflows() []Subflow {
	return r.subflows
}
