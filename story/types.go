package story

import (
	"time"
)

// Phase represents a subject's position in the storytelling lifecycle.
// Phases advance strictly forward, one step at a time.
type Phase string

const (
	// PhaseOnboarding collects introduction, scope selection, and profile
	// basics for a newly created subject.
	PhaseOnboarding Phase = "onboarding"

	// PhaseGrounding fills in factual background for each selected section
	// before open-ended capture begins.
	PhaseGrounding Phase = "grounding"

	// PhaseCapture is the main evidence-gathering phase, where archetype
	// refinement runs after every new unit of evidence.
	PhaseCapture Phase = "capture"

	// PhaseComposition is the terminal phase: the sufficiency gate has
	// passed and narrative assembly may begin.
	PhaseComposition Phase = "composition"
)

// phaseOrder defines the forward progression of phases.
var phaseOrder = []Phase{PhaseOnboarding, PhaseGrounding, PhaseCapture, PhaseComposition}

// String returns the phase as a string.
func (p Phase) String() string {
	return string(p)
}

// IsValid reports whether the phase is a known lifecycle phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseOnboarding, PhaseGrounding, PhaseCapture, PhaseComposition:
		return true
	}
	return false
}

// Index returns the ordinal position of the phase, or -1 if unknown.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// CanTransitionTo reports whether a transition from p to target is legal.
// Only single forward steps are permitted; phases never move backward.
func (p Phase) CanTransitionTo(target Phase) bool {
	from := p.Index()
	to := target.Index()
	if from < 0 || to < 0 {
		return false
	}
	return to == from+1
}

// Next returns the phase after p. The second return value is false when
// p is the terminal phase or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return p, false
	}
	return phaseOrder[i+1], true
}

// AssessmentSignals carries the externally supplied sufficiency
// assessments consulted by the composition gate. They arrive on
// assessment triggers and are persisted on the subject state.
type AssessmentSignals struct {
	MaterialSufficiency  bool `json:"material_sufficiency"`
	CharacterDevelopment bool `json:"character_development"`
	ThematicCoherence    bool `json:"thematic_coherence"`
}

// DefaultSections is the section set seeded onto new subjects. Scope
// selection during onboarding may replace it.
var DefaultSections = []string{"childhood", "family", "career", "turning_points"}

// SubjectState is the authoritative per-subject record. It is mutated
// only by the dispatcher at the end of a successful pass and persisted
// with compare-and-swap on Version, which mirrors the KV revision of
// the entry it was read from.
type SubjectState struct {
	// SubjectID uniquely identifies the storyteller.
	SubjectID string `json:"subject_id"`

	// Phase is the current lifecycle phase.
	Phase Phase `json:"phase"`

	// Sections are the narrative sections in scope for this subject.
	Sections []string `json:"sections,omitempty"`

	// IntroComplete is set once the onboarding introduction requirement
	// has been resolved.
	IntroComplete bool `json:"intro_complete"`

	// SectionsSelected is set once scope selection has been resolved.
	SectionsSelected bool `json:"sections_selected"`

	// GroundingComplete is set once every section gap requirement from
	// the grounding phase has been resolved.
	GroundingComplete bool `json:"grounding_complete"`

	// SessionCount is the number of completed capture sessions.
	SessionCount int `json:"session_count"`

	// ArchetypeRevealed gates the read path: candidate details are
	// suppressed on the API until the subject opts in. Analysis always
	// runs regardless of this flag.
	ArchetypeRevealed bool `json:"archetype_revealed"`

	// Retired stops all dispatching for this subject while keeping the
	// full record intact. Subjects are never deleted.
	Retired bool `json:"retired"`

	// Signals are the latest externally supplied gate assessments.
	Signals AssessmentSignals `json:"signals"`

	// AnalysisCount is the number of archetype analyses appended so far.
	AnalysisCount int `json:"analysis_count"`

	// LatestAnalysisID references the most recent analysis snapshot.
	LatestAnalysisID string `json:"latest_analysis_id,omitempty"`

	// Version mirrors the KV revision the state was read at. It is not
	// serialized; the store maintains it.
	Version uint64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSubjectState returns a fresh subject in the onboarding phase with
// the default section set.
func NewSubjectState(subjectID string) *SubjectState {
	now := time.Now().UTC()
	return &SubjectState{
		SubjectID: subjectID,
		Phase:     PhaseOnboarding,
		Sections:  append([]string(nil), DefaultSections...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. The dispatcher works on a clone so that an
// aborted pass leaves the loaded state untouched.
func (s *SubjectState) Clone() *SubjectState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Sections = append([]string(nil), s.Sections...)
	return &clone
}

// Validate checks structural invariants on the state.
func (s *SubjectState) Validate() error {
	if s.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if !s.Phase.IsValid() {
		return &ValidationError{Field: "phase", Message: "unknown phase: " + string(s.Phase)}
	}
	if s.SessionCount < 0 {
		return &ValidationError{Field: "session_count", Message: "session_count cannot be negative"}
	}
	if s.AnalysisCount < 0 {
		return &ValidationError{Field: "analysis_count", Message: "analysis_count cannot be negative"}
	}
	return nil
}

// AdvancePhase moves the subject to target after checking legality.
func (s *SubjectState) AdvancePhase(target Phase) error {
	if !s.Phase.CanTransitionTo(target) {
		return &InvariantError{
			Invariant: "phase transitions advance one step forward",
			Detail:    string(s.Phase) + " -> " + string(target),
		}
	}
	s.Phase = target
	return nil
}
