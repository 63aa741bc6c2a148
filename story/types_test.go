package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		allowed bool
	}{
		{"onboarding to grounding", PhaseOnboarding, PhaseGrounding, true},
		{"grounding to capture", PhaseGrounding, PhaseCapture, true},
		{"capture to composition", PhaseCapture, PhaseComposition, true},
		{"skip a phase", PhaseOnboarding, PhaseCapture, false},
		{"backward", PhaseCapture, PhaseGrounding, false},
		{"self transition", PhaseGrounding, PhaseGrounding, false},
		{"terminal phase", PhaseComposition, PhaseOnboarding, false},
		{"unknown target", PhaseOnboarding, Phase("archived"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseOnboarding.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseGrounding, next)

	_, ok = PhaseComposition.Next()
	assert.False(t, ok)

	_, ok = Phase("bogus").Next()
	assert.False(t, ok)
}

func TestNewSubjectState(t *testing.T) {
	state := NewSubjectState("subj-1")

	assert.Equal(t, "subj-1", state.SubjectID)
	assert.Equal(t, PhaseOnboarding, state.Phase)
	assert.Equal(t, DefaultSections, state.Sections)
	assert.False(t, state.Retired)
	require.NoError(t, state.Validate())
}

func TestSubjectStateValidate(t *testing.T) {
	state := NewSubjectState("subj-1")
	state.SubjectID = ""
	err := state.Validate()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "subject_id", vErr.Field)

	state = NewSubjectState("subj-1")
	state.Phase = "limbo"
	require.Error(t, state.Validate())
}

func TestSubjectStateClone(t *testing.T) {
	state := NewSubjectState("subj-1")
	clone := state.Clone()

	clone.Phase = PhaseGrounding
	clone.Sections[0] = "mutated"

	assert.Equal(t, PhaseOnboarding, state.Phase)
	assert.Equal(t, "childhood", state.Sections[0])
}

func TestAdvancePhase(t *testing.T) {
	state := NewSubjectState("subj-1")

	require.NoError(t, state.AdvancePhase(PhaseGrounding))
	assert.Equal(t, PhaseGrounding, state.Phase)

	err := state.AdvancePhase(PhaseComposition)
	require.Error(t, err)

	var invErr *InvariantError
	assert.ErrorAs(t, err, &invErr)
	assert.Equal(t, PhaseGrounding, state.Phase)
}
