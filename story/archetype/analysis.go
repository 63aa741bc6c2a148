package archetype

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/storyline/story"
)

// RefinementStatus is where the hypothesis set stands after an analysis.
type RefinementStatus string

const (
	// StatusExploring means three or more hypotheses remain viable with
	// no clear front-runner.
	StatusExploring RefinementStatus = "exploring"

	// StatusNarrowing means the field has shrunk to two viable
	// hypotheses, or a front-runner has emerged from a larger field.
	StatusNarrowing RefinementStatus = "narrowing"

	// StatusResolved means a single dominant hypothesis remains and
	// every other candidate has faded or been ruled out.
	StatusResolved RefinementStatus = "resolved"
)

// Analysis is an immutable snapshot of one refinement run. Snapshots
// are append-only; each links to its predecessor.
type Analysis struct {
	// ID uniquely identifies the snapshot (format: an-{subject}-{number}).
	ID string `json:"id"`

	SubjectID string `json:"subject_id"`

	// Number is the 1-based sequence within the subject.
	Number int `json:"number"`

	// PreviousID links to the prior snapshot, empty for the first.
	PreviousID string `json:"previous_id,omitempty"`

	Candidates []Candidate `json:"candidates"`

	Status RefinementStatus `json:"status"`

	// DominantKey is set once the analysis resolves.
	DominantKey string `json:"dominant_key,omitempty"`

	// EvidenceCount records how many units informed the run.
	EvidenceCount int `json:"evidence_count"`

	// EvidenceFingerprint identifies the exact evidence set that
	// informed the run, so redelivered triggers can be recognized.
	EvidenceFingerprint string `json:"evidence_fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EvidenceFingerprint hashes an evidence set by unit ID, independent of
// ordering.
func EvidenceFingerprint(evidence []*story.EvidenceUnit) string {
	ids := make([]string, 0, len(evidence))
	for _, e := range evidence {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AnalysisID formats the canonical snapshot ID.
func AnalysisID(subjectID string, number int) string {
	return fmt.Sprintf("an-%s-%06d", subjectID, number)
}

// Active returns the candidates still in play.
func (a *Analysis) Active() []Candidate {
	out := make([]Candidate, 0, len(a.Candidates))
	for _, c := range a.Candidates {
		if c.Status == CandidateActive {
			out = append(out, c)
		}
	}
	return out
}

// Viable returns the candidates above the viability floor.
func (a *Analysis) Viable() []Candidate {
	out := make([]Candidate, 0, len(a.Candidates))
	for _, c := range a.Candidates {
		if c.Viable() {
			out = append(out, c)
		}
	}
	return out
}

// CandidateByKey returns the candidate for a key, if present.
func (a *Analysis) CandidateByKey(key string) (Candidate, bool) {
	for _, c := range a.Candidates {
		if c.ArchetypeKey == key {
			return c, true
		}
	}
	return Candidate{}, false
}

// Validate checks snapshot invariants.
func (a *Analysis) Validate() error {
	if a.SubjectID == "" {
		return &story.ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if a.Number < 1 {
		return &story.ValidationError{Field: "number", Message: "number must be >= 1"}
	}
	if len(a.Candidates) == 0 {
		return &story.ValidationError{Field: "candidates", Message: "at least one candidate is required"}
	}
	for _, c := range a.Candidates {
		if c.Confidence < 0 || c.Confidence > 1 {
			return &story.ValidationError{
				Field:   "candidates",
				Message: fmt.Sprintf("candidate %s confidence %.2f outside [0,1]", c.ArchetypeKey, c.Confidence),
			}
		}
	}
	return nil
}

// computeStatus derives the refinement status from the candidate set,
// then applies the regression rule against the previous snapshot: a
// candidate newly crossing the viability floor knocks the status back
// one step (resolved -> narrowing, narrowing -> exploring).
func computeStatus(candidates []Candidate, prev *Analysis) (RefinementStatus, string) {
	status, dominant := baseStatus(candidates)

	if prev != nil && hasNewViable(candidates, prev) {
		switch prev.Status {
		case StatusResolved:
			if status == StatusResolved {
				status, dominant = StatusNarrowing, ""
			}
		case StatusNarrowing:
			if status == StatusNarrowing || status == StatusResolved {
				status, dominant = StatusExploring, ""
			}
		}
	}

	return status, dominant
}

func baseStatus(candidates []Candidate) (RefinementStatus, string) {
	viable := make([]Candidate, 0, len(candidates))
	active := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == CandidateActive {
			active = append(active, c)
		}
		if c.Viable() {
			viable = append(viable, c)
		}
	}

	// Resolved: exactly one dominant hypothesis and every other
	// candidate ruled out or faded.
	if dominant, ok := dominantCandidate(active); ok {
		return StatusResolved, dominant.ArchetypeKey
	}

	switch {
	case len(viable) == 2:
		return StatusNarrowing, ""
	case len(viable) >= 3:
		if leader(viable).Confidence >= ConfidenceLeading {
			return StatusNarrowing, ""
		}
		return StatusExploring, ""
	default:
		// Zero or one viable without dominance: still gathering.
		return StatusExploring, ""
	}
}

func dominantCandidate(active []Candidate) (Candidate, bool) {
	var dominant Candidate
	found := false
	for _, c := range active {
		if c.Confidence >= ConfidenceDominant {
			if found {
				return Candidate{}, false // two dominant candidates cannot resolve
			}
			dominant = c
			found = true
			continue
		}
		if c.Confidence >= ConfidenceFaded {
			return Candidate{}, false // a non-faded rival blocks resolution
		}
	}
	return dominant, found
}

func leader(candidates []Candidate) Candidate {
	top := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > top.Confidence {
			top = c
		}
	}
	return top
}

// hasNewViable reports whether any candidate is viable now but was not
// in the previous snapshot.
func hasNewViable(candidates []Candidate, prev *Analysis) bool {
	for _, c := range candidates {
		if !c.Viable() {
			continue
		}
		was, ok := prev.CandidateByKey(c.ArchetypeKey)
		if !ok || !was.Viable() {
			return true
		}
	}
	return false
}

// RequirementSpec is one entry of the strategic plan: what evidence to
// ask for next and why.
type RequirementSpec struct {
	Purpose       string   `json:"purpose"`
	ArchetypeKeys []string `json:"archetype_keys"`
	Rationale     string   `json:"rationale"`
}

// StrategicPlan derives the evidence requests appropriate to the
// snapshot's status: discriminate the pair of viable hypotheses the
// evidence separates least while exploring, validate the front-runners
// while narrowing, strengthen the dominant hypothesis once resolved.
func (a *Analysis) StrategicPlan() []RequirementSpec {
	switch a.Status {
	case StatusExploring:
		viable := a.Viable()
		if len(viable) < 2 {
			return nil
		}
		sort.Slice(viable, func(i, j int) bool {
			return viable[i].Confidence > viable[j].Confidence
		})
		// Probe the adjacent pair with the smallest confidence gap;
		// that is the question the evidence answers worst.
		first, second := viable[0], viable[1]
		for i := 1; i+1 < len(viable); i++ {
			if viable[i].Confidence-viable[i+1].Confidence < first.Confidence-second.Confidence {
				first, second = viable[i], viable[i+1]
			}
		}
		return []RequirementSpec{{
			Purpose:       "discriminate",
			ArchetypeKeys: []string{first.ArchetypeKey, second.ArchetypeKey},
			Rationale: fmt.Sprintf("separate %s (%.2f) from %s (%.2f)",
				first.ArchetypeKey, first.Confidence,
				second.ArchetypeKey, second.Confidence),
		}}

	case StatusNarrowing:
		specs := make([]RequirementSpec, 0, 2)
		for _, c := range a.Viable() {
			specs = append(specs, RequirementSpec{
				Purpose:       "validate",
				ArchetypeKeys: []string{c.ArchetypeKey},
				Rationale:     fmt.Sprintf("confirm or weaken %s at %.2f", c.ArchetypeKey, c.Confidence),
			})
		}
		return specs

	case StatusResolved:
		if a.DominantKey == "" {
			return nil
		}
		return []RequirementSpec{{
			Purpose:       "strengthen",
			ArchetypeKeys: []string{a.DominantKey},
			Rationale:     fmt.Sprintf("deepen material for dominant archetype %s", a.DominantKey),
		}}
	}

	return nil
}
