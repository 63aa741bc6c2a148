package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers the story payload types with the supplied
// registry so BaseMessage deserialization can recreate them from JSON.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return errors.Join(
		reg.Register(&payloadregistry.Registration{
			Domain:      "story",
			Category:    "trigger",
			Version:     "v1",
			Description: "Orchestration trigger for a subject",
			Factory:     func() any { return &TriggerPayload{} },
		}),
		reg.Register(&payloadregistry.Registration{
			Domain:      "story",
			Category:    "submission",
			Version:     "v1",
			Description: "Raw evidence submission before dedup",
			Factory:     func() any { return &SubmissionPayload{} },
		}),
	)
}

// TriggerKind classifies what caused an orchestration pass.
type TriggerKind string

const (
	// TriggerEvidence fires when a new unit of evidence arrives.
	TriggerEvidence TriggerKind = "evidence"

	// TriggerSessionComplete fires when a capture session ends.
	TriggerSessionComplete TriggerKind = "session_complete"

	// TriggerAssessment fires when external sufficiency assessments are
	// updated for a subject.
	TriggerAssessment TriggerKind = "assessment"

	// TriggerDirective fires on an explicit user pivot (rule out or
	// boost an archetype hypothesis).
	TriggerDirective TriggerKind = "directive"

	// TriggerTick fires on the periodic re-evaluation schedule.
	TriggerTick TriggerKind = "tick"
)

// IsValid reports whether the kind is known.
func (k TriggerKind) IsValid() bool {
	switch k {
	case TriggerEvidence, TriggerSessionComplete, TriggerAssessment, TriggerDirective, TriggerTick:
		return true
	}
	return false
}

// Directive actions.
const (
	DirectiveRuleOut = "rule_out"
	DirectiveBoost   = "boost"
)

// Directive is a user-initiated pivot on the archetype hypothesis set.
// It is modeled as a forced evidence injection followed by a fresh
// analysis run.
type Directive struct {
	// Action is either rule_out or boost.
	Action string `json:"action"`

	// ArchetypeKey names the hypothesis the directive applies to.
	ArchetypeKey string `json:"archetype_key"`

	// Reason is recorded in the synthetic evidence unit.
	Reason string `json:"reason,omitempty"`
}

// Validate checks the directive fields.
func (d *Directive) Validate() error {
	if d.Action != DirectiveRuleOut && d.Action != DirectiveBoost {
		return &ValidationError{Field: "action", Message: "action must be rule_out or boost"}
	}
	if d.ArchetypeKey == "" {
		return &ValidationError{Field: "archetype_key", Message: "archetype_key is required"}
	}
	return nil
}

// TriggerPayload is the message that starts an orchestration pass for a
// subject. Triggers for the same subject are processed strictly in
// arrival order.
type TriggerPayload struct {
	// SubjectID identifies the storyteller.
	SubjectID string `json:"subject_id"`

	// Kind classifies the trigger.
	Kind TriggerKind `json:"kind"`

	// Evidence is present for evidence triggers.
	Evidence *EvidenceUnit `json:"evidence,omitempty"`

	// Directive is present for directive triggers.
	Directive *Directive `json:"directive,omitempty"`

	// Signals is present for assessment triggers.
	Signals *AssessmentSignals `json:"signals,omitempty"`

	// RequestID correlates the trigger with the pass result event.
	RequestID string `json:"request_id,omitempty"`

	// TraceID propagates the caller's trace.
	TraceID string `json:"trace_id,omitempty"`

	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Schema returns the message type for this payload.
func (t *TriggerPayload) Schema() message.Type {
	return TriggerType
}

// Validate validates the trigger payload.
func (t *TriggerPayload) Validate() error {
	if t.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if !t.Kind.IsValid() {
		return &ValidationError{Field: "kind", Message: "unknown trigger kind: " + string(t.Kind)}
	}
	switch t.Kind {
	case TriggerEvidence:
		if t.Evidence == nil {
			return &ValidationError{Field: "evidence", Message: "evidence is required for evidence triggers"}
		}
		if err := t.Evidence.Validate(); err != nil {
			return err
		}
		if t.Evidence.SubjectID != t.SubjectID {
			return &ValidationError{Field: "evidence.subject_id", Message: "evidence subject must match trigger subject"}
		}
	case TriggerDirective:
		if t.Directive == nil {
			return &ValidationError{Field: "directive", Message: "directive is required for directive triggers"}
		}
		if err := t.Directive.Validate(); err != nil {
			return err
		}
	case TriggerAssessment:
		if t.Signals == nil {
			return &ValidationError{Field: "signals", Message: "signals are required for assessment triggers"}
		}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (t *TriggerPayload) MarshalJSON() ([]byte, error) {
	type Alias TriggerPayload
	return json.Marshal((*Alias)(t))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (t *TriggerPayload) UnmarshalJSON(data []byte) error {
	type Alias TriggerPayload
	return json.Unmarshal(data, (*Alias)(t))
}

// TriggerType is the message type for orchestration triggers.
var TriggerType = message.Type{
	Domain:   "story",
	Category: "trigger",
	Version:  "v1",
}

// SubmissionPayload is the raw evidence submission accepted at the edge,
// before the ingest processor deduplicates it and emits a trigger.
type SubmissionPayload struct {
	Evidence EvidenceUnit `json:"evidence"`

	// RequestID correlates the submission with downstream events.
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Schema returns the message type for this payload.
func (p *SubmissionPayload) Schema() message.Type {
	return SubmissionType
}

// Validate validates the submission.
func (p *SubmissionPayload) Validate() error {
	return p.Evidence.Validate()
}

// MarshalJSON marshals the payload to JSON.
func (p *SubmissionPayload) MarshalJSON() ([]byte, error) {
	type Alias SubmissionPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *SubmissionPayload) UnmarshalJSON(data []byte) error {
	type Alias SubmissionPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// SubmissionType is the message type for evidence submissions.
var SubmissionType = message.Type{
	Domain:   "story",
	Category: "submission",
	Version:  "v1",
}

// TriggerSubject returns the per-subject ordered trigger subject.
// Per-subject ordering relies on JetStream preserving publish order
// within a subject.
func TriggerSubject(subjectID string) string {
	return fmt.Sprintf("story.trigger.orchestrator.%s", subjectID)
}

// SubmitSubject is where raw evidence submissions are published.
const SubmitSubject = "story.evidence.submit"

// TriggerSubjectFilter matches every per-subject trigger subject.
const TriggerSubjectFilter = "story.trigger.orchestrator.>"
