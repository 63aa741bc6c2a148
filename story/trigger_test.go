package story

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerPayloadValidate(t *testing.T) {
	evidence := &EvidenceUnit{
		ID:          "ev-1",
		SubjectID:   "subj-1",
		SubmittedAt: time.Now(),
	}

	tests := []struct {
		name    string
		trigger TriggerPayload
		wantErr bool
	}{
		{
			name:    "valid evidence trigger",
			trigger: TriggerPayload{SubjectID: "subj-1", Kind: TriggerEvidence, Evidence: evidence},
		},
		{
			name:    "evidence trigger without evidence",
			trigger: TriggerPayload{SubjectID: "subj-1", Kind: TriggerEvidence},
			wantErr: true,
		},
		{
			name: "evidence subject mismatch",
			trigger: TriggerPayload{
				SubjectID: "subj-2",
				Kind:      TriggerEvidence,
				Evidence:  evidence,
			},
			wantErr: true,
		},
		{
			name:    "missing subject",
			trigger: TriggerPayload{Kind: TriggerTick},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			trigger: TriggerPayload{SubjectID: "subj-1", Kind: "poke"},
			wantErr: true,
		},
		{
			name: "valid directive trigger",
			trigger: TriggerPayload{
				SubjectID: "subj-1",
				Kind:      TriggerDirective,
				Directive: &Directive{Action: DirectiveRuleOut, ArchetypeKey: "hero"},
			},
		},
		{
			name: "directive with bad action",
			trigger: TriggerPayload{
				SubjectID: "subj-1",
				Kind:      TriggerDirective,
				Directive: &Directive{Action: "delete", ArchetypeKey: "hero"},
			},
			wantErr: true,
		},
		{
			name:    "assessment without signals",
			trigger: TriggerPayload{SubjectID: "subj-1", Kind: TriggerAssessment},
			wantErr: true,
		},
		{
			name:    "tick trigger",
			trigger: TriggerPayload{SubjectID: "subj-1", Kind: TriggerTick},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerPayloadRoundTrip(t *testing.T) {
	original := &TriggerPayload{
		SubjectID: "subj-1",
		Kind:      TriggerEvidence,
		Evidence: &EvidenceUnit{
			ID:        "ev-42",
			SubjectID: "subj-1",
			Source:    "session",
			Payload:   json.RawMessage(`{"text":"I grew up by the sea"}`),
		},
		RequestID: "req-1",
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded TriggerPayload
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.SubjectID, decoded.SubjectID)
	assert.Equal(t, original.Kind, decoded.Kind)
	require.NotNil(t, decoded.Evidence)
	assert.Equal(t, "ev-42", decoded.Evidence.ID)
}

func TestParsePayload(t *testing.T) {
	trigger := &TriggerPayload{SubjectID: "subj-1", Kind: TriggerTick}

	t.Run("base message envelope", func(t *testing.T) {
		baseMsg := message.NewBaseMessage(TriggerType, trigger, "test")
		data, err := json.Marshal(baseMsg)
		require.NoError(t, err)

		parsed, err := ParsePayload[TriggerPayload](data)
		require.NoError(t, err)
		assert.Equal(t, "subj-1", parsed.SubjectID)
		assert.Equal(t, TriggerTick, parsed.Kind)
	})

	t.Run("bare payload", func(t *testing.T) {
		data, err := json.Marshal(trigger)
		require.NoError(t, err)

		parsed, err := ParsePayload[TriggerPayload](data)
		require.NoError(t, err)
		assert.Equal(t, "subj-1", parsed.SubjectID)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePayload[TriggerPayload]([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestTriggerSubject(t *testing.T) {
	assert.Equal(t, "story.trigger.orchestrator.subj-9", TriggerSubject("subj-9"))
}
