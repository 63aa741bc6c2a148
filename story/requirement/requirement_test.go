package requirement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storyline/story"
)

func TestNewRequirement(t *testing.T) {
	r := New("subj-1", KindIntro, PriorityCritical, Scope{Section: "onboarding", Topic: "intro"})

	assert.True(t, len(r.ID) > 4 && r.ID[:4] == "req-")
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "onboarding/intro", r.Scope.Path())
	require.NoError(t, r.Validate())
}

func TestDedupKey(t *testing.T) {
	a := New("subj-1", KindSectionGap, PriorityImportant, Scope{Section: "childhood"})
	b := New("subj-1", KindSectionGap, PriorityOptional, Scope{Section: "childhood"})
	c := New("subj-1", KindProfile, PriorityImportant, Scope{Section: "childhood"})

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestValidateDiscriminate(t *testing.T) {
	r := New("subj-1", KindArchetypeProbe, PriorityImportant, Scope{Section: "archetype"})
	r.Purpose = PurposeDiscriminate
	r.DiscriminatesBetween = []string{"hero"}

	err := r.Validate()
	require.Error(t, err)
	var invErr *story.InvariantError
	assert.ErrorAs(t, err, &invErr)

	r.DiscriminatesBetween = []string{"hero", "hero"}
	require.Error(t, r.Validate())

	r.DiscriminatesBetween = []string{"hero", "caregiver"}
	require.NoError(t, r.Validate())
}

func TestStatusLifecycle(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusAddressed, true},
		{StatusInProgress, StatusAddressed, true},
		{StatusInProgress, StatusPending, true},
		{StatusAddressed, StatusResolved, true},
		{StatusAddressed, StatusPending, true},
		{StatusDeferred, StatusPending, true},
		{StatusPending, StatusResolved, false},
		{StatusResolved, StatusPending, false},
		{StatusResolved, StatusAddressed, false},
		{StatusObsolete, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, StatusAddressed.IsOpen())
	assert.False(t, StatusResolved.IsOpen())
	assert.True(t, StatusResolved.IsTerminal())
	assert.False(t, StatusDeferred.IsTerminal())
}

func TestClaimOrdering(t *testing.T) {
	base := time.Now().UTC()

	mk := func(id string, p Priority, purpose Purpose, age time.Duration) *Requirement {
		r := New("subj-1", KindArchetypeProbe, p, Scope{Section: "archetype", Topic: id})
		r.ID = id
		r.Purpose = purpose
		r.CreatedAt = base.Add(-age)
		return r
	}

	reqs := []*Requirement{
		mk("opt-old", PriorityOptional, PurposeNone, 10*time.Hour),
		mk("imp-strengthen", PriorityImportant, PurposeStrengthen, time.Hour),
		mk("imp-discriminate", PriorityImportant, PurposeDiscriminate, time.Minute),
		mk("crit", PriorityCritical, PurposeNone, time.Second),
		mk("imp-validate", PriorityImportant, PurposeValidate, time.Hour),
	}

	Sort(reqs)

	got := make([]string, len(reqs))
	for i, r := range reqs {
		got[i] = r.ID
	}

	// Priority outranks everything; within a priority band discriminate
	// beats validate beats strengthen regardless of age.
	assert.Equal(t, []string{"crit", "imp-discriminate", "imp-validate", "imp-strengthen", "opt-old"}, got)
}

func TestClaimOrderingAgeTieBreak(t *testing.T) {
	base := time.Now().UTC()

	older := New("subj-1", KindSectionGap, PriorityImportant, Scope{Section: "career"})
	older.CreatedAt = base.Add(-time.Hour)
	newer := New("subj-1", KindSectionGap, PriorityImportant, Scope{Section: "family"})
	newer.CreatedAt = base

	assert.True(t, Less(older, newer))
	assert.False(t, Less(newer, older))
}
