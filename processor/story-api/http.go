package storyapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/gate"
	"github.com/c360studio/storyline/story/requirement"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// updateRetries is how many times a flag write re-reads after losing a
// CAS race against the dispatcher.
const updateRetries = 3

// RegisterHTTPHandlers registers all story-api HTTP handlers under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g. "api/story").
// Handlers are registered as:
//
//	POST <prefix>/evidence
//	GET  <prefix>/subjects
//	GET  <prefix>/subjects/{id}
//	GET  <prefix>/subjects/{id}/evidence
//	GET  <prefix>/subjects/{id}/requirements
//	POST <prefix>/subjects/{id}/requirements/claim
//	GET  <prefix>/subjects/{id}/archetype
//	GET  <prefix>/subjects/{id}/archetype/history
//	POST <prefix>/subjects/{id}/archetype/reveal
//	GET  <prefix>/subjects/{id}/gate
//	POST <prefix>/subjects/{id}/assessments
//	POST <prefix>/subjects/{id}/directives
//	POST <prefix>/subjects/{id}/sessions/complete
//	POST <prefix>/subjects/{id}/retire
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"evidence", c.handleSubmitEvidence)
	mux.HandleFunc(prefix+"subjects", c.handleListSubjects)
	mux.HandleFunc(prefix+"subjects/", c.handleSubject)
}

// ----------------------------------------------------------------------------
// POST /api/story/evidence
// ----------------------------------------------------------------------------

// SubmitEvidenceRequest is the request body for POST /api/story/evidence.
type SubmitEvidenceRequest struct {
	// SubjectID identifies the storyteller the evidence is about.
	SubjectID string `json:"subject_id"`

	// RequirementID optionally attributes the evidence to a requirement.
	RequirementID string `json:"requirement_id,omitempty"`

	// Source names the producer (e.g. "session", "upload").
	Source string `json:"source,omitempty"`

	// Payload is the evidence content, stored opaquely.
	Payload json.RawMessage `json:"payload,omitempty"`

	// RequestID correlates the submission with downstream events.
	RequestID string `json:"request_id,omitempty"`
}

// SubmitEvidenceResponse is the response body for POST /api/story/evidence.
type SubmitEvidenceResponse struct {
	// EvidenceID is the server-assigned unit ID.
	EvidenceID string `json:"evidence_id"`

	// Accepted is true once the submission is durably queued. Processing
	// is asynchronous; watch the event stream for the pass result.
	Accepted bool `json:"accepted"`
}

// handleSubmitEvidence accepts a raw evidence unit and queues it for the
// ingest processor. The unit ID is assigned here so retried HTTP calls
// produce distinct units; exactly-once is enforced downstream on the ID.
func (c *Component) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.touchActivity()

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SubmitEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SubjectID == "" {
		http.Error(w, "subject_id is required", http.StatusBadRequest)
		return
	}

	submission := story.SubmissionPayload{
		Evidence: story.EvidenceUnit{
			ID:            "ev-" + uuid.NewString(),
			SubjectID:     req.SubjectID,
			RequirementID: req.RequirementID,
			Source:        req.Source,
			Payload:       req.Payload,
			SubmittedAt:   time.Now().UTC(),
		},
		RequestID: req.RequestID,
	}

	baseMsg := message.NewBaseMessage(story.SubmissionType, &submission, c.name)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Error("Failed to marshal submission", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err := c.pub.PublishToStream(r.Context(), story.SubmitSubject, data); err != nil {
		c.logger.Error("Failed to publish submission",
			"subject_id", req.SubjectID,
			"error", err)
		http.Error(w, "Failed to queue submission", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitEvidenceResponse{
		EvidenceID: submission.Evidence.ID,
		Accepted:   true,
	})
}

// ----------------------------------------------------------------------------
// GET /api/story/subjects
// ----------------------------------------------------------------------------

// SubjectListResponse is the response body for GET /api/story/subjects.
type SubjectListResponse struct {
	SubjectIDs []string `json:"subject_ids"`
}

func (c *Component) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.touchActivity()

	ids, err := c.states.ListIDs(r.Context())
	if err != nil {
		c.logger.Error("Failed to list subjects", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SubjectListResponse{SubjectIDs: ids})
}

// ----------------------------------------------------------------------------
// /api/story/subjects/{id}/...
// ----------------------------------------------------------------------------

// handleSubject routes requests under subjects/{id} by path suffix.
func (c *Component) handleSubject(w http.ResponseWriter, r *http.Request) {
	c.touchActivity()

	// Strip everything up to and including "subjects/".
	_, rest, found := strings.Cut(r.URL.Path, "/subjects/")
	if !found || rest == "" {
		http.NotFound(w, r)
		return
	}

	subjectID, suffix, _ := strings.Cut(rest, "/")
	if subjectID == "" {
		http.NotFound(w, r)
		return
	}

	switch suffix {
	case "":
		c.handleGetSubject(w, r, subjectID)
	case "evidence":
		c.handleListEvidence(w, r, subjectID)
	case "requirements":
		c.handleListRequirements(w, r, subjectID)
	case "requirements/claim":
		c.handleClaimRequirements(w, r, subjectID)
	case "archetype":
		c.handleGetArchetype(w, r, subjectID)
	case "archetype/history":
		c.handleArchetypeHistory(w, r, subjectID)
	case "archetype/reveal":
		c.handleRevealArchetype(w, r, subjectID)
	case "gate":
		c.handleGetGate(w, r, subjectID)
	case "assessments":
		c.handleSubmitAssessments(w, r, subjectID)
	case "directives":
		c.handleSubmitDirective(w, r, subjectID)
	case "sessions/complete":
		c.handleSessionComplete(w, r, subjectID)
	case "retire":
		c.handleRetireSubject(w, r, subjectID)
	default:
		http.NotFound(w, r)
	}
}

// handleGetSubject returns the authoritative subject state.
func (c *Component) handleGetSubject(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.states.Get(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// EvidenceListResponse is the response body for GET .../evidence.
type EvidenceListResponse struct {
	SubjectID string                `json:"subject_id"`
	Units     []*story.EvidenceUnit `json:"units"`
}

func (c *Component) handleListEvidence(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	units, err := c.evidence.ListBySubject(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvidenceListResponse{SubjectID: subjectID, Units: units})
}

// RequirementListResponse is the response body for GET .../requirements.
type RequirementListResponse struct {
	SubjectID    string                     `json:"subject_id"`
	Requirements []*requirement.Requirement `json:"requirements"`
}

// handleListRequirements returns a subject's requirements in claim
// order, optionally filtered by ?status=.
func (c *Component) handleListRequirements(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := requirement.Status(r.URL.Query().Get("status"))
	reqs, err := c.ledger.ListBySubject(r.Context(), subjectID, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RequirementListResponse{SubjectID: subjectID, Requirements: reqs})
}

// ClaimRequest is the request body for POST .../requirements/claim.
type ClaimRequest struct {
	// ScopePattern is a doublestar glob over scope paths. Empty claims
	// from every scope.
	ScopePattern string `json:"scope_pattern,omitempty"`

	// Limit caps how many requirements are claimed. Defaults to 1.
	Limit int `json:"limit,omitempty"`
}

// handleClaimRequirements moves pending requirements to in_progress on
// behalf of a collector and returns them in claim order.
func (c *Component) handleClaimRequirements(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	claimed, err := c.ledger.Claim(r.Context(), subjectID, req.ScopePattern, req.Limit)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RequirementListResponse{SubjectID: subjectID, Requirements: claimed})
}

// ArchetypeResponse is the response body for GET .../archetype. When the
// subject has not opted into reveal, candidate details and the dominant
// key are suppressed; only coarse progress is reported.
type ArchetypeResponse struct {
	SubjectID string `json:"subject_id"`
	Revealed  bool   `json:"revealed"`

	AnalysisID    string                     `json:"analysis_id"`
	Number        int                        `json:"number"`
	Status        archetype.RefinementStatus `json:"status"`
	EvidenceCount int                        `json:"evidence_count"`
	CreatedAt     time.Time                  `json:"created_at"`

	// Present only when revealed.
	DominantKey string                `json:"dominant_key,omitempty"`
	Candidates  []archetype.Candidate `json:"candidates,omitempty"`
}

// handleGetArchetype returns the latest analysis snapshot, redacted
// unless the subject has revealed their archetype. Analysis always runs
// server-side regardless of the flag; only the read path is gated.
func (c *Component) handleGetArchetype(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.states.Get(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	analysis, err := c.analyses.Latest(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}

	resp := ArchetypeResponse{
		SubjectID:     subjectID,
		Revealed:      state.ArchetypeRevealed,
		AnalysisID:    analysis.ID,
		Number:        analysis.Number,
		Status:        analysis.Status,
		EvidenceCount: analysis.EvidenceCount,
		CreatedAt:     analysis.CreatedAt,
	}
	if state.ArchetypeRevealed {
		resp.DominantKey = analysis.DominantKey
		resp.Candidates = analysis.Candidates
	}

	writeJSON(w, http.StatusOK, resp)
}

// ArchetypeHistoryResponse is the response body for GET .../archetype/history.
type ArchetypeHistoryResponse struct {
	SubjectID string                `json:"subject_id"`
	Analyses  []*archetype.Analysis `json:"analyses"`
}

// handleArchetypeHistory returns every snapshot. History includes full
// candidate detail, so it is only served once revealed.
func (c *Component) handleArchetypeHistory(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.states.Get(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	if !state.ArchetypeRevealed {
		http.Error(w, "archetype has not been revealed for this subject", http.StatusForbidden)
		return
	}

	history, err := c.analyses.History(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ArchetypeHistoryResponse{SubjectID: subjectID, Analyses: history})
}

// handleRevealArchetype sets the subject's reveal flag. Idempotent.
func (c *Component) handleRevealArchetype(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.updateSubject(r.Context(), subjectID, func(s *story.SubjectState) {
		s.ArchetypeRevealed = true
	})
	if err != nil {
		c.writeError(w, err)
		return
	}

	c.logger.Info("Archetype revealed", "subject_id", subjectID)
	writeJSON(w, http.StatusOK, state)
}

// GateResponse is the response body for GET .../gate.
type GateResponse struct {
	SubjectID string      `json:"subject_id"`
	Phase     story.Phase `json:"phase"`
	Gate      gate.Result `json:"gate"`
}

// handleGetGate evaluates the composition gate against the current
// state and latest analysis without side effects.
func (c *Component) handleGetGate(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.states.Get(r.Context(), subjectID)
	if err != nil {
		c.writeError(w, err)
		return
	}

	analysis, err := c.analyses.Latest(r.Context(), subjectID)
	if err != nil && !errors.Is(err, story.ErrNotFound) {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, GateResponse{
		SubjectID: subjectID,
		Phase:     state.Phase,
		Gate:      gate.Evaluate(state, analysis, state.Signals),
	})
}

// TriggerQueuedResponse acknowledges an asynchronous trigger.
type TriggerQueuedResponse struct {
	SubjectID string `json:"subject_id"`
	Kind      string `json:"kind"`
	Queued    bool   `json:"queued"`
}

// handleSubmitAssessments queues an assessment trigger carrying the
// externally judged sufficiency signals.
func (c *Component) handleSubmitAssessments(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var signals story.AssessmentSignals
	if err := json.NewDecoder(r.Body).Decode(&signals); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	trigger := &story.TriggerPayload{
		SubjectID:  subjectID,
		Kind:       story.TriggerAssessment,
		Signals:    &signals,
		ReceivedAt: time.Now().UTC(),
	}
	c.queueTrigger(w, r, trigger)
}

// handleSubmitDirective queues a directive trigger (rule out or boost an
// archetype hypothesis).
func (c *Component) handleSubmitDirective(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var directive story.Directive
	if err := json.NewDecoder(r.Body).Decode(&directive); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := directive.Validate(); err != nil {
		c.writeError(w, err)
		return
	}

	trigger := &story.TriggerPayload{
		SubjectID:  subjectID,
		Kind:       story.TriggerDirective,
		Directive:  &directive,
		ReceivedAt: time.Now().UTC(),
	}
	c.queueTrigger(w, r, trigger)
}

// handleSessionComplete queues a session-complete trigger.
func (c *Component) handleSessionComplete(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	trigger := &story.TriggerPayload{
		SubjectID:  subjectID,
		Kind:       story.TriggerSessionComplete,
		ReceivedAt: time.Now().UTC(),
	}
	c.queueTrigger(w, r, trigger)
}

// handleRetireSubject sets the retired flag. The record stays intact;
// the dispatcher simply stops acting on triggers for the subject.
func (c *Component) handleRetireSubject(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := c.updateSubject(r.Context(), subjectID, func(s *story.SubjectState) {
		s.Retired = true
	})
	if err != nil {
		c.writeError(w, err)
		return
	}

	c.logger.Info("Subject retired", "subject_id", subjectID)
	writeJSON(w, http.StatusOK, state)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// queueTrigger publishes a trigger to the subject's ordered subject and
// writes the acknowledgement.
func (c *Component) queueTrigger(w http.ResponseWriter, r *http.Request, trigger *story.TriggerPayload) {
	baseMsg := message.NewBaseMessage(story.TriggerType, trigger, c.name)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Error("Failed to marshal trigger", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err := c.pub.PublishToStream(r.Context(), story.TriggerSubject(trigger.SubjectID), data); err != nil {
		c.logger.Error("Failed to publish trigger",
			"subject_id", trigger.SubjectID,
			"kind", trigger.Kind,
			"error", err)
		http.Error(w, "Failed to queue trigger", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerQueuedResponse{
		SubjectID: trigger.SubjectID,
		Kind:      string(trigger.Kind),
		Queued:    true,
	})
}

// updateSubject applies a read-only flag mutation with CAS retry. The
// dispatcher owns every other state field, so contention is rare and a
// lost race just means re-reading a fresher revision.
func (c *Component) updateSubject(ctx context.Context, subjectID string, mutate func(*story.SubjectState)) (*story.SubjectState, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		state, err := c.states.Get(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		mutate(state)
		if err := c.states.Update(ctx, state); err != nil {
			if errors.Is(err, story.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return state, nil
	}
	return nil, lastErr
}

// writeError maps domain errors to HTTP status codes.
func (c *Component) writeError(w http.ResponseWriter, err error) {
	var vErr *story.ValidationError
	var iErr *story.InvariantError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.As(err, &iErr):
		http.Error(w, iErr.Error(), http.StatusConflict)
	case errors.Is(err, story.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, story.ErrDuplicate), errors.Is(err, story.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		c.logger.Error("Request failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to do.
		_ = err
	}
}
