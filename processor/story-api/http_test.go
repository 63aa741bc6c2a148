package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/requirement"
)

// --- in-memory fakes -------------------------------------------------------

type memStates struct {
	states map[string]*story.SubjectState
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]*story.SubjectState)}
}

func (m *memStates) Get(_ context.Context, subjectID string) (*story.SubjectState, error) {
	state, ok := m.states[subjectID]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, story.ErrNotFound)
	}
	return state.Clone(), nil
}

func (m *memStates) Update(_ context.Context, state *story.SubjectState) error {
	if _, ok := m.states[state.SubjectID]; !ok {
		return fmt.Errorf("subject %s: %w", state.SubjectID, story.ErrNotFound)
	}
	m.states[state.SubjectID] = state.Clone()
	return nil
}

func (m *memStates) ListIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids, nil
}

type memLedger struct {
	reqs []*requirement.Requirement
}

func (m *memLedger) Get(_ context.Context, subjectID, reqID string) (*requirement.Requirement, error) {
	for _, r := range m.reqs {
		if r.SubjectID == subjectID && r.ID == reqID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("requirement %s: %w", reqID, story.ErrNotFound)
}

func (m *memLedger) ListBySubject(_ context.Context, subjectID string, status requirement.Status) ([]*requirement.Requirement, error) {
	out := make([]*requirement.Requirement, 0, len(m.reqs))
	for _, r := range m.reqs {
		if r.SubjectID != subjectID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	requirement.Sort(out)
	return out, nil
}

func (m *memLedger) Claim(ctx context.Context, subjectID, scopePattern string, limit int) ([]*requirement.Requirement, error) {
	if limit <= 0 {
		limit = 1
	}
	if scopePattern == "" {
		scopePattern = "**"
	}
	pending, err := m.ListBySubject(ctx, subjectID, requirement.StatusPending)
	if err != nil {
		return nil, err
	}
	claimed := make([]*requirement.Requirement, 0, limit)
	for _, r := range pending {
		if len(claimed) >= limit {
			break
		}
		if ok, _ := doublestar.Match(scopePattern, r.Scope.Path()); !ok {
			continue
		}
		r.Status = requirement.StatusInProgress
		claimed = append(claimed, r)
	}
	return claimed, nil
}

type memEvidence struct {
	units []*story.EvidenceUnit
}

func (m *memEvidence) ListBySubject(_ context.Context, subjectID string) ([]*story.EvidenceUnit, error) {
	out := make([]*story.EvidenceUnit, 0, len(m.units))
	for _, e := range m.units {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAnalyses struct {
	analyses []*archetype.Analysis
}

func (m *memAnalyses) Latest(_ context.Context, subjectID string) (*archetype.Analysis, error) {
	var latest *archetype.Analysis
	for _, a := range m.analyses {
		if a.SubjectID != subjectID {
			continue
		}
		if latest == nil || a.Number > latest.Number {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("analyses for %s: %w", subjectID, story.ErrNotFound)
	}
	return latest, nil
}

func (m *memAnalyses) History(_ context.Context, subjectID string) ([]*archetype.Analysis, error) {
	out := make([]*archetype.Analysis, 0, len(m.analyses))
	for _, a := range m.analyses {
		if a.SubjectID == subjectID {
			out = append(out, a)
		}
	}
	return out, nil
}

type published struct {
	subject string
	data    []byte
}

type memPublisher struct {
	published []published
	failWith  error
}

func (m *memPublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.published = append(m.published, published{subject: subject, data: data})
	return nil
}

// --- fixture ---------------------------------------------------------------

type apiFixture struct {
	states   *memStates
	ledger   *memLedger
	evidence *memEvidence
	analyses *memAnalyses
	pub      *memPublisher
	server   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		states:   newMemStates(),
		ledger:   &memLedger{},
		evidence: &memEvidence{},
		analyses: &memAnalyses{},
		pub:      &memPublisher{},
	}

	c := &Component{
		name:     "story-api",
		config:   DefaultConfig(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		states:   f.states,
		ledger:   f.ledger,
		evidence: f.evidence,
		analyses: f.analyses,
		pub:      f.pub,
	}

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("api/story", mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// --- tests -----------------------------------------------------------------

func TestSubmitEvidenceQueuesSubmission(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/story/evidence", SubmitEvidenceRequest{
		SubjectID: "sub-1",
		Source:    "session",
		Payload:   json.RawMessage(`{"text":"I grew up by the sea"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[SubmitEvidenceResponse](t, resp)
	assert.True(t, body.Accepted)
	assert.Contains(t, body.EvidenceID, "ev-")

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, story.SubmitSubject, f.pub.published[0].subject)
	assert.Contains(t, string(f.pub.published[0].data), body.EvidenceID)
	assert.Contains(t, string(f.pub.published[0].data), "sub-1")
}

func TestSubmitEvidenceRequiresSubject(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/story/evidence", SubmitEvidenceRequest{Source: "session"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.pub.published)
}

func TestGetSubjectState(t *testing.T) {
	f := newAPIFixture(t)
	f.states.states["sub-1"] = story.NewSubjectState("sub-1")

	resp := f.get(t, "/api/story/subjects/sub-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state := decodeBody[story.SubjectState](t, resp)
	assert.Equal(t, "sub-1", state.SubjectID)
	assert.Equal(t, story.PhaseOnboarding, state.Phase)

	missing := f.get(t, "/api/story/subjects/nobody")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListRequirementsFiltersByStatus(t *testing.T) {
	f := newAPIFixture(t)

	pending := requirement.New("sub-1", requirement.KindIntro, requirement.PriorityCritical,
		requirement.Scope{Section: "onboarding", Topic: "intro"})
	resolved := requirement.New("sub-1", requirement.KindProfile, requirement.PriorityImportant,
		requirement.Scope{Section: "onboarding", Topic: "profile/family"})
	resolved.Status = requirement.StatusResolved
	f.ledger.reqs = []*requirement.Requirement{pending, resolved}

	resp := f.get(t, "/api/story/subjects/sub-1/requirements?status=pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[RequirementListResponse](t, resp)
	require.Len(t, body.Requirements, 1)
	assert.Equal(t, pending.ID, body.Requirements[0].ID)

	all := decodeBody[RequirementListResponse](t, f.get(t, "/api/story/subjects/sub-1/requirements"))
	assert.Len(t, all.Requirements, 2)
}

func TestClaimRequirementsMarksInProgress(t *testing.T) {
	f := newAPIFixture(t)

	intro := requirement.New("sub-1", requirement.KindIntro, requirement.PriorityCritical,
		requirement.Scope{Section: "onboarding", Topic: "intro"})
	gap := requirement.New("sub-1", requirement.KindSectionGap, requirement.PriorityImportant,
		requirement.Scope{Section: "childhood"})
	f.ledger.reqs = []*requirement.Requirement{gap, intro}

	resp := f.post(t, "/api/story/subjects/sub-1/requirements/claim", ClaimRequest{Limit: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[RequirementListResponse](t, resp)
	require.Len(t, body.Requirements, 1)
	// Critical outranks important in claim order.
	assert.Equal(t, intro.ID, body.Requirements[0].ID)
	assert.Equal(t, requirement.StatusInProgress, intro.Status)
	assert.Equal(t, requirement.StatusPending, gap.Status)
}

func TestArchetypeRedactedUntilRevealed(t *testing.T) {
	f := newAPIFixture(t)
	f.states.states["sub-1"] = story.NewSubjectState("sub-1")
	f.analyses.analyses = []*archetype.Analysis{{
		ID:        archetype.AnalysisID("sub-1", 1),
		SubjectID: "sub-1",
		Number:    1,
		Status:    archetype.StatusNarrowing,
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.78, Status: archetype.CandidateActive},
			{ArchetypeKey: "sage", Confidence: 0.66, Status: archetype.CandidateActive},
		},
		EvidenceCount: 12,
		CreatedAt:     time.Now().UTC(),
	}}

	hidden := decodeBody[ArchetypeResponse](t, f.get(t, "/api/story/subjects/sub-1/archetype"))
	assert.False(t, hidden.Revealed)
	assert.Equal(t, archetype.StatusNarrowing, hidden.Status)
	assert.Empty(t, hidden.Candidates)
	assert.Empty(t, hidden.DominantKey)

	reveal := f.post(t, "/api/story/subjects/sub-1/archetype/reveal", nil)
	defer reveal.Body.Close()
	require.Equal(t, http.StatusOK, reveal.StatusCode)
	assert.True(t, f.states.states["sub-1"].ArchetypeRevealed)

	shown := decodeBody[ArchetypeResponse](t, f.get(t, "/api/story/subjects/sub-1/archetype"))
	assert.True(t, shown.Revealed)
	require.Len(t, shown.Candidates, 2)
	assert.Equal(t, "hero", shown.Candidates[0].ArchetypeKey)
}

func TestArchetypeHistoryForbiddenWhenHidden(t *testing.T) {
	f := newAPIFixture(t)
	f.states.states["sub-1"] = story.NewSubjectState("sub-1")

	resp := f.get(t, "/api/story/subjects/sub-1/archetype/history")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateSnapshotNamesEveryFailingSubGate(t *testing.T) {
	f := newAPIFixture(t)
	state := story.NewSubjectState("sub-1")
	state.Phase = story.PhaseCapture
	state.Signals = story.AssessmentSignals{MaterialSufficiency: true}
	f.states.states["sub-1"] = state

	f.analyses.analyses = []*archetype.Analysis{{
		ID:          archetype.AnalysisID("sub-1", 3),
		SubjectID:   "sub-1",
		Number:      3,
		Status:      archetype.StatusResolved,
		DominantKey: "hero",
		Candidates: []archetype.Candidate{
			{ArchetypeKey: "hero", Confidence: 0.88, Status: archetype.CandidateActive},
		},
		CreatedAt: time.Now().UTC(),
	}}

	body := decodeBody[GateResponse](t, f.get(t, "/api/story/subjects/sub-1/gate"))
	assert.False(t, body.Gate.Ready)
	assert.Equal(t, "hero", body.Gate.DominantKey)
	assert.ElementsMatch(t,
		[]string{"character_development", "thematic_coherence"},
		body.Gate.FailedGates)
}

func TestAssessmentTriggerQueued(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/story/subjects/sub-1/assessments", story.AssessmentSignals{
		MaterialSufficiency: true,
		ThematicCoherence:   true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[TriggerQueuedResponse](t, resp)
	assert.True(t, body.Queued)
	assert.Equal(t, string(story.TriggerAssessment), body.Kind)

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, story.TriggerSubject("sub-1"), f.pub.published[0].subject)
	assert.Contains(t, string(f.pub.published[0].data), `"assessment"`)
}

func TestDirectiveRejectsUnknownAction(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/story/subjects/sub-1/directives", story.Directive{
		Action:       "banish",
		ArchetypeKey: "hero",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.pub.published)
}

func TestRetireSubject(t *testing.T) {
	f := newAPIFixture(t)
	f.states.states["sub-1"] = story.NewSubjectState("sub-1")

	resp := f.post(t, "/api/story/subjects/sub-1/retire", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.states.states["sub-1"].Retired)
}
