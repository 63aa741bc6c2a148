// Package requirement implements the requirement ledger: the work items
// that subflows create when they detect a gap and that downstream
// collectors claim, address with evidence, and resolve.
package requirement

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/storyline/story"
)

// Kind classifies what a requirement asks for.
type Kind string

const (
	// KindIntro asks for the subject's introduction during onboarding.
	KindIntro Kind = "intro"

	// KindScopeSelect asks the subject to choose narrative sections.
	KindScopeSelect Kind = "scope_select"

	// KindProfile asks for a profile basic (family, career, values).
	KindProfile Kind = "profile"

	// KindSectionGap asks for grounding material on a selected section.
	KindSectionGap Kind = "section_gap"

	// KindArchetypeProbe asks for evidence serving the refinement
	// engine's strategic plan.
	KindArchetypeProbe Kind = "archetype_probe"
)

// IsValid reports whether the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindIntro, KindScopeSelect, KindProfile, KindSectionGap, KindArchetypeProbe:
		return true
	}
	return false
}

// Priority orders requirements for claiming.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityImportant Priority = "important"
	PriorityOptional  Priority = "optional"
)

// Rank returns the sort rank; lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityImportant:
		return 1
	case PriorityOptional:
		return 2
	}
	return 3
}

// IsValid reports whether the priority is known.
func (p Priority) IsValid() bool {
	return p.Rank() < 3
}

// Status is the requirement lifecycle state.
type Status string

const (
	// StatusPending means the requirement is open and claimable.
	StatusPending Status = "pending"

	// StatusInProgress means a collector has claimed it.
	StatusInProgress Status = "in_progress"

	// StatusAddressed means evidence was attributed; the owning subflow
	// has not yet confirmed the gap is closed.
	StatusAddressed Status = "addressed"

	// StatusResolved means the owning subflow confirmed closure.
	StatusResolved Status = "resolved"

	// StatusDeferred means the requirement was set aside (e.g. SLA
	// exceeded) without being satisfied.
	StatusDeferred Status = "deferred"

	// StatusObsolete means the requirement no longer applies.
	StatusObsolete Status = "obsolete"
)

// IsOpen reports whether the requirement still wants attention.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAddressed:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusObsolete
}

// statusTransitions enumerates the legal lifecycle edges.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusAddressed, StatusDeferred, StatusObsolete},
	StatusInProgress: {StatusAddressed, StatusPending, StatusDeferred, StatusObsolete},
	StatusAddressed:  {StatusResolved, StatusPending, StatusDeferred, StatusObsolete},
	StatusDeferred:   {StatusPending},
}

// CanTransitionTo reports whether the edge from s to target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Purpose is the strategic purpose of an archetype probe. Requirements
// of other kinds carry PurposeNone.
type Purpose string

const (
	PurposeNone Purpose = ""

	// PurposeDiscriminate separates two competing hypotheses.
	PurposeDiscriminate Purpose = "discriminate"

	// PurposeValidate confirms or weakens a leading hypothesis.
	PurposeValidate Purpose = "validate"

	// PurposeStrengthen deepens an already dominant hypothesis.
	PurposeStrengthen Purpose = "strengthen"
)

// Rank returns the tie-break rank within a priority band; lower claims
// first. Discriminating evidence is always the most valuable.
func (p Purpose) Rank() int {
	switch p {
	case PurposeDiscriminate:
		return 0
	case PurposeValidate:
		return 1
	case PurposeStrengthen:
		return 2
	}
	return 3
}

// Scope pins a requirement to a place in the narrative.
type Scope struct {
	// Section is the narrative section (e.g. "childhood", "archetype").
	Section string `json:"section"`

	// Topic narrows the section (e.g. "profile/family").
	Topic string `json:"topic,omitempty"`

	// EvidenceID optionally pins the scope to a single evidence unit.
	EvidenceID string `json:"evidence_id,omitempty"`
}

// Path returns the scope as a slash path for glob matching.
func (s Scope) Path() string {
	if s.Topic == "" {
		return s.Section
	}
	return s.Section + "/" + s.Topic
}

// Requirement is a single work item in the ledger.
type Requirement struct {
	// ID uniquely identifies the requirement (format: req-{uuid8}).
	ID string `json:"id"`

	// SubjectID identifies the storyteller the requirement belongs to.
	SubjectID string `json:"subject_id"`

	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`
	Scope    Scope    `json:"scope"`

	// Purpose is set for archetype probes only.
	Purpose Purpose `json:"purpose,omitempty"`

	// DiscriminatesBetween names the candidate hypotheses a discriminate
	// probe separates. Requires at least two distinct active candidates.
	DiscriminatesBetween []string `json:"discriminates_between,omitempty"`

	// Guidance is free-form collector guidance, opaque to the core.
	Guidance json.RawMessage `json:"guidance,omitempty"`

	// EvidenceRefs lists the evidence units attributed so far.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// CreatedBy names the subflow that created the requirement.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// New builds a pending requirement with a fresh ID.
func New(subjectID string, kind Kind, priority Priority, scope Scope) *Requirement {
	now := time.Now().UTC()
	return &Requirement{
		ID:        "req-" + uuid.NewString()[:8],
		SubjectID: subjectID,
		Kind:      kind,
		Priority:  priority,
		Status:    StatusPending,
		Scope:     scope,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DedupKey is the identity used to prevent duplicate open requirements:
// two open requirements may not share (scope, kind).
func (r *Requirement) DedupKey() string {
	return r.Scope.Path() + "|" + string(r.Kind)
}

// Validate checks structural invariants.
func (r *Requirement) Validate() error {
	if r.ID == "" {
		return &story.ValidationError{Field: "id", Message: "id is required"}
	}
	if r.SubjectID == "" {
		return &story.ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if !r.Kind.IsValid() {
		return &story.ValidationError{Field: "kind", Message: "unknown kind: " + string(r.Kind)}
	}
	if !r.Priority.IsValid() {
		return &story.ValidationError{Field: "priority", Message: "unknown priority: " + string(r.Priority)}
	}
	if r.Scope.Section == "" {
		return &story.ValidationError{Field: "scope.section", Message: "scope.section is required"}
	}
	if r.Purpose == PurposeDiscriminate {
		if len(distinct(r.DiscriminatesBetween)) < 2 {
			return &story.InvariantError{
				Invariant: "discriminate probes reference at least two distinct candidates",
				Detail:    "requirement " + r.ID,
			}
		}
	}
	return nil
}

func distinct(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Less orders requirements for claiming: priority first, then strategic
// purpose, then age (oldest first), then ID for stability.
func Less(a, b *Requirement) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if a.Purpose.Rank() != b.Purpose.Rank() {
		return a.Purpose.Rank() < b.Purpose.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders a slice in place by claim order.
func Sort(reqs []*Requirement) {
	sort.Slice(reqs, func(i, j int) bool {
		return Less(reqs[i], reqs[j])
	})
}
