package story

import (
	"github.com/c360studio/semstreams/natsclient"
)

// PassCompletedEvent is published after every successful orchestration
// pass with the computed next action.
type PassCompletedEvent struct {
	SubjectID     string   `json:"subject_id"`
	RequestID     string   `json:"request_id,omitempty"`
	TriggerKind   string   `json:"trigger_kind"`
	NextAction    string   `json:"next_action"`
	Phase         string   `json:"phase"`
	PhaseAdvanced bool     `json:"phase_advanced"`
	FailedGates   []string `json:"failed_gates,omitempty"`
	AnalysisID    string   `json:"analysis_id,omitempty"`
}

// PhaseAdvancedEvent is published when a subject moves to a new phase.
type PhaseAdvancedEvent struct {
	SubjectID string `json:"subject_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// RequirementCreatedEvent is published for each requirement created
// during a pass.
type RequirementCreatedEvent struct {
	SubjectID     string `json:"subject_id"`
	RequirementID string `json:"requirement_id"`
	Kind          string `json:"kind"`
	Priority      string `json:"priority"`
	Purpose       string `json:"purpose,omitempty"`
}

// RequirementResolvedEvent is published for each requirement resolved
// during a pass.
type RequirementResolvedEvent struct {
	SubjectID     string `json:"subject_id"`
	RequirementID string `json:"requirement_id"`
	Kind          string `json:"kind"`
}

// AnalysisCompletedEvent is published after each archetype analysis run.
type AnalysisCompletedEvent struct {
	SubjectID        string `json:"subject_id"`
	AnalysisID       string `json:"analysis_id"`
	Number           int    `json:"number"`
	Status           string `json:"status"`
	DominantKey      string `json:"dominant_key,omitempty"`
	ActiveCandidates int    `json:"active_candidates"`
}

// EscalationEvent is published when a pass is abandoned after retries
// or a requirement exceeds its SLA.
type EscalationEvent struct {
	SubjectID     string `json:"subject_id"`
	RequirementID string `json:"requirement_id,omitempty"`
	Reason        string `json:"reason"`
}

// Typed event subjects. Consumers subscribe through these to get
// compile-time agreement on the payload shape.
var (
	PassCompleted = natsclient.NewSubject[PassCompletedEvent](
		"story.events.pass.completed")
	PhaseAdvanced = natsclient.NewSubject[PhaseAdvancedEvent](
		"story.events.phase.advanced")
	RequirementCreated = natsclient.NewSubject[RequirementCreatedEvent](
		"story.events.requirement.created")
	RequirementResolved = natsclient.NewSubject[RequirementResolvedEvent](
		"story.events.requirement.resolved")
	AnalysisCompleted = natsclient.NewSubject[AnalysisCompletedEvent](
		"story.events.analysis.completed")

	// UserEscalation rides the USER stream so operators see it.
	UserEscalation = natsclient.NewSubject[EscalationEvent](
		"user.signal.escalate")
)
