package archetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storyline/story"
)

func active(key string, confidence float64) Candidate {
	return Candidate{ArchetypeKey: key, Confidence: confidence, Status: CandidateActive}
}

func ruledOut(key string) Candidate {
	return Candidate{ArchetypeKey: key, Status: CandidateRuledOut}
}

func TestBaseStatus(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		want       RefinementStatus
		dominant   string
	}{
		{
			name: "three viable no leader is exploring",
			candidates: []Candidate{
				active("hero", 0.65), active("sage", 0.62), active("rebel", 0.70),
			},
			want: StatusExploring,
		},
		{
			name: "three viable with leader is narrowing",
			candidates: []Candidate{
				active("hero", 0.78), active("sage", 0.62), active("rebel", 0.70),
			},
			want: StatusNarrowing,
		},
		{
			name: "exactly two viable is narrowing",
			candidates: []Candidate{
				active("hero", 0.72), active("sage", 0.64), active("rebel", 0.30),
			},
			want: StatusNarrowing,
		},
		{
			name: "single dominant with faded rivals is resolved",
			candidates: []Candidate{
				active("hero", 0.88), active("sage", 0.40), ruledOut("rebel"),
			},
			want:     StatusResolved,
			dominant: "hero",
		},
		{
			name: "dominant blocked by non-faded rival",
			candidates: []Candidate{
				active("hero", 0.88), active("sage", 0.55),
			},
			want: StatusNarrowing,
		},
		{
			name: "two dominant candidates cannot resolve",
			candidates: []Candidate{
				active("hero", 0.90), active("sage", 0.87),
			},
			want: StatusNarrowing,
		},
		{
			name: "one viable below dominant keeps exploring",
			candidates: []Candidate{
				active("hero", 0.80), active("sage", 0.20),
			},
			want: StatusExploring,
		},
		{
			name: "nothing viable keeps exploring",
			candidates: []Candidate{
				active("hero", 0.30), active("sage", 0.20),
			},
			want: StatusExploring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dominant := baseStatus(tt.candidates)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.dominant, dominant)
		})
	}
}

func TestRegressionRule(t *testing.T) {
	// A candidate newly crossing the viability floor knocks narrowing
	// back to exploring.
	prev := &Analysis{
		Status: StatusNarrowing,
		Candidates: []Candidate{
			active("hero", 0.76), active("sage", 0.65), active("rebel", 0.40),
		},
	}

	now := []Candidate{
		active("hero", 0.77), active("sage", 0.66), active("rebel", 0.63),
	}

	status, dominant := computeStatus(now, prev)
	assert.Equal(t, StatusExploring, status)
	assert.Empty(t, dominant)
}

func TestRegressionRuleFromResolved(t *testing.T) {
	prev := &Analysis{
		Status:      StatusResolved,
		DominantKey: "hero",
		Candidates: []Candidate{
			active("hero", 0.88), active("sage", 0.30), active("rebel", 0.20),
		},
	}

	// Resolution would otherwise hold, but sage newly crossed the floor.
	now := []Candidate{
		active("hero", 0.86), active("sage", 0.62), active("rebel", 0.20),
	}

	status, dominant := computeStatus(now, prev)
	assert.Equal(t, StatusNarrowing, status)
	assert.Empty(t, dominant)
}

func TestNoRegressionWhenAlreadyViable(t *testing.T) {
	prev := &Analysis{
		Status: StatusNarrowing,
		Candidates: []Candidate{
			active("hero", 0.76), active("sage", 0.65),
		},
	}

	// Both candidates were already viable, so narrowing holds.
	now := []Candidate{
		active("hero", 0.80), active("sage", 0.68),
	}

	status, _ := computeStatus(now, prev)
	assert.Equal(t, StatusNarrowing, status)
}

func TestStrategicPlan(t *testing.T) {
	t.Run("exploring discriminates the least separated pair", func(t *testing.T) {
		a := &Analysis{
			Status: StatusExploring,
			Candidates: []Candidate{
				active("hero", 0.70), active("sage", 0.62), active("rebel", 0.68),
			},
		}
		plan := a.StrategicPlan()
		require.Len(t, plan, 1)
		assert.Equal(t, "discriminate", plan[0].Purpose)
		assert.Equal(t, []string{"hero", "rebel"}, plan[0].ArchetypeKeys)
	})

	t.Run("exploring skips a clear leader for a muddled pair", func(t *testing.T) {
		// The leader is well separated; the probe targets the pair the
		// evidence distinguishes worst.
		a := &Analysis{
			Status: StatusExploring,
			Candidates: []Candidate{
				active("hero", 0.74), active("sage", 0.66), active("rebel", 0.65),
			},
		}
		plan := a.StrategicPlan()
		require.Len(t, plan, 1)
		assert.Equal(t, []string{"sage", "rebel"}, plan[0].ArchetypeKeys)
	})

	t.Run("narrowing validates each viable candidate", func(t *testing.T) {
		a := &Analysis{
			Status: StatusNarrowing,
			Candidates: []Candidate{
				active("hero", 0.72), active("sage", 0.64), active("rebel", 0.30),
			},
		}
		plan := a.StrategicPlan()
		require.Len(t, plan, 2)
		for _, spec := range plan {
			assert.Equal(t, "validate", spec.Purpose)
			assert.Len(t, spec.ArchetypeKeys, 1)
		}
	})

	t.Run("resolved strengthens the dominant", func(t *testing.T) {
		a := &Analysis{
			Status:      StatusResolved,
			DominantKey: "hero",
			Candidates:  []Candidate{active("hero", 0.90)},
		}
		plan := a.StrategicPlan()
		require.Len(t, plan, 1)
		assert.Equal(t, "strengthen", plan[0].Purpose)
		assert.Equal(t, []string{"hero"}, plan[0].ArchetypeKeys)
	})
}

func TestEvidenceFingerprint(t *testing.T) {
	a := []*story.EvidenceUnit{{ID: "ev-1"}, {ID: "ev-2"}}
	b := []*story.EvidenceUnit{{ID: "ev-2"}, {ID: "ev-1"}}

	// Order independent, content sensitive.
	assert.Equal(t, EvidenceFingerprint(a), EvidenceFingerprint(b))
	assert.NotEqual(t, EvidenceFingerprint(a), EvidenceFingerprint(a[:1]))
}

func TestAnalysisValidate(t *testing.T) {
	a := &Analysis{
		ID:         AnalysisID("subj-1", 1),
		SubjectID:  "subj-1",
		Number:     1,
		Candidates: []Candidate{active("hero", 0.5)},
		Status:     StatusExploring,
	}
	require.NoError(t, a.Validate())

	a.Candidates[0].Confidence = 1.2
	require.Error(t, a.Validate())

	a.Candidates = nil
	require.Error(t, a.Validate())
}
