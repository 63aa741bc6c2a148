// Package dispatch implements the trigger dispatcher: one orchestration
// pass per trigger, serialized per subject, with all-or-nothing
// persistence guarded by compare-and-swap on the subject state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/gate"
	"github.com/c360studio/storyline/story/requirement"
	"github.com/c360studio/storyline/story/subflow"
)

// StateStore is the subject state persistence the dispatcher needs.
type StateStore interface {
	Get(ctx context.Context, subjectID string) (*story.SubjectState, error)
	Create(ctx context.Context, state *story.SubjectState) error
	Update(ctx context.Context, state *story.SubjectState) error
}

// RequirementStore is the ledger surface the dispatcher needs.
type RequirementStore interface {
	ListBySubject(ctx context.Context, subjectID string, status requirement.Status) ([]*requirement.Requirement, error)
	Create(ctx context.Context, r *requirement.Requirement) error
	AttributeEvidence(ctx context.Context, subjectID, reqID, evidenceID string) error
	Transition(ctx context.Context, subjectID, reqID string, target requirement.Status) (*requirement.Requirement, error)
}

// EvidenceStore is the evidence log surface the dispatcher needs.
type EvidenceStore interface {
	Append(ctx context.Context, e *story.EvidenceUnit) error
	ListBySubject(ctx context.Context, subjectID string) ([]*story.EvidenceUnit, error)
}

// AnalysisStore is the snapshot log surface the dispatcher needs.
type AnalysisStore interface {
	Append(ctx context.Context, a *archetype.Analysis) error
	Latest(ctx context.Context, subjectID string) (*archetype.Analysis, error)
}

// Stores bundles the four persistence surfaces.
type Stores struct {
	States       StateStore
	Requirements RequirementStore
	Evidence     EvidenceStore
	Analyses     AnalysisStore
}

// NextActionKind is the dispatcher's instruction to the outside world.
type NextActionKind string

const (
	NextAwaitMoreEvidence NextActionKind = "await_more_evidence"
	NextAdvancePhase      NextActionKind = "advance_phase"
	NextEscalateManual    NextActionKind = "escalate_manual_review"
)

// NextAction tells collectors what the system wants next.
type NextAction struct {
	Kind NextActionKind `json:"kind"`

	// AdvanceTo is set for advance_phase.
	AdvanceTo story.Phase `json:"advance_to,omitempty"`

	// Reason explains awaits and escalations.
	Reason string `json:"reason,omitempty"`

	// Claimable are the open pending requirements in claim order.
	Claimable []*requirement.Requirement `json:"claimable,omitempty"`
}

// PassResult summarizes one completed (or abandoned) pass.
type PassResult struct {
	SubjectID   string
	RequestID   string
	TriggerKind story.TriggerKind

	// State is the persisted post-pass state.
	State *story.SubjectState

	Next NextAction

	PhaseAdvanced bool
	PreviousPhase story.Phase
	AnalysisID    string
	Analysis      *archetype.Analysis
	FailedGates   []string

	CreatedRequirements  []*requirement.Requirement
	ResolvedRequirements []*requirement.Requirement

	// NoOp is true when the pass changed nothing and persisted nothing.
	NoOp bool
}

// Dispatcher runs orchestration passes. It is safe for concurrent use;
// passes for the same subject are serialized.
type Dispatcher struct {
	stores   Stores
	registry *subflow.Registry
	logger   *slog.Logger

	// locks serializes passes per subject within this process. Cross
	// process ordering comes from the per-subject trigger stream.
	locks sync.Map

	conflictRetries int
	faultRetries    int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConflictRetries sets how many times a pass is re-run after a
// lost CAS race before giving up.
func WithConflictRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.conflictRetries = n
		}
	}
}

// NewDispatcher builds a dispatcher over the given stores and registry.
func NewDispatcher(stores Stores, registry *subflow.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		stores:          stores,
		registry:        registry,
		logger:          logger,
		conflictRetries: 1,
		faultRetries:    1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one pass for a trigger. Store conflicts re-run the pass
// from a fresh read; subflow faults are retried once and then abandoned
// with an escalation result. An abandoned pass persists nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger *story.TriggerPayload) (*PassResult, error) {
	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	lock := d.lockFor(trigger.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	faults := 0
	for attempt := 0; ; attempt++ {
		result, err := d.runPass(ctx, trigger)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, story.ErrConflict) {
			if attempt < d.conflictRetries {
				d.logger.Warn("Pass lost a store race, retrying from fresh read",
					"subject_id", trigger.SubjectID,
					"attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("pass for %s: %w", trigger.SubjectID, err)
		}

		var subErr *story.SubflowError
		var invErr *story.InvariantError
		switch {
		case errors.As(err, &subErr):
			if faults < d.faultRetries {
				faults++
				d.logger.Warn("Subflow failed, retrying pass",
					"subject_id", trigger.SubjectID,
					"subflow", subErr.Subflow,
					"error", subErr.Err)
				continue
			}
			d.logger.Error("Pass abandoned after subflow retries",
				"subject_id", trigger.SubjectID,
				"subflow", subErr.Subflow,
				"error", subErr.Err)
			return d.escalationResult(trigger, err.Error()), nil

		case errors.As(err, &invErr):
			// Invariant violations never succeed on redelivery.
			d.logger.Error("Pass abandoned on invariant violation",
				"subject_id", trigger.SubjectID,
				"error", err)
			return d.escalationResult(trigger, err.Error()), nil
		}

		return nil, err
	}
}

func (d *Dispatcher) lockFor(subjectID string) *sync.Mutex {
	actual, _ := d.locks.LoadOrStore(subjectID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (d *Dispatcher) escalationResult(trigger *story.TriggerPayload, reason string) *PassResult {
	return &PassResult{
		SubjectID:   trigger.SubjectID,
		RequestID:   trigger.RequestID,
		TriggerKind: trigger.Kind,
		Next: NextAction{
			Kind:   NextEscalateManual,
			Reason: reason,
		},
	}
}

// runPass executes one pass end to end: snapshot, attribute, walk the
// registry folding deltas, then persist with the state CAS last so a
// lost race replays the whole pass. The side stores are idempotent, so
// writes that landed before a failed CAS are absorbed on the retry.
func (d *Dispatcher) runPass(ctx context.Context, trigger *story.TriggerPayload) (*PassResult, error) {
	state, created, err := d.loadState(ctx, trigger)
	if err != nil {
		return nil, err
	}

	if state.Retired {
		return &PassResult{
			SubjectID:   trigger.SubjectID,
			RequestID:   trigger.RequestID,
			TriggerKind: trigger.Kind,
			State:       state,
			Next:        NextAction{Kind: NextAwaitMoreEvidence, Reason: "subject is retired"},
			NoOp:        true,
		}, nil
	}

	ps, err := d.buildPassState(ctx, trigger, state, created)
	if err != nil {
		return nil, err
	}

	intents := &passIntents{}
	dirty := created

	dirty = d.applyTrigger(trigger, ps, intents) || dirty

	for _, sub := range d.registry.Subflows() {
		if !sub.EntryCriteriaMet(ps) {
			continue
		}
		delta, err := sub.Act(ctx, ps)
		if err != nil {
			return nil, &story.SubflowError{Subflow: sub.Name(), Err: err}
		}
		if delta.IsZero() {
			continue
		}
		if err := ps.Apply(delta); err != nil {
			return nil, err
		}
		intents.collect(delta)
		dirty = true
	}

	result := d.buildResult(trigger, state, ps, intents)

	if !dirty {
		result.NoOp = true
		result.State = state
		return result, nil
	}

	if err := d.persist(ctx, ps, intents, created); err != nil {
		return nil, err
	}
	result.State = ps.Subject

	d.logger.Info("Pass complete",
		"subject_id", trigger.SubjectID,
		"trigger", trigger.Kind,
		"phase", ps.Subject.Phase,
		"next_action", result.Next.Kind,
		"created_requirements", len(intents.newRequirements),
		"resolved_requirements", len(intents.resolved))

	return result, nil
}

func (d *Dispatcher) loadState(ctx context.Context, trigger *story.TriggerPayload) (*story.SubjectState, bool, error) {
	state, err := d.stores.States.Get(ctx, trigger.SubjectID)
	if err == nil {
		return state.Clone(), false, nil
	}
	if !errors.Is(err, story.ErrNotFound) {
		return nil, false, err
	}
	return story.NewSubjectState(trigger.SubjectID), true, nil
}

func (d *Dispatcher) buildPassState(ctx context.Context, trigger *story.TriggerPayload, state *story.SubjectState, created bool) (*subflow.PassState, error) {
	ps := &subflow.PassState{
		Subject: state,
		Trigger: trigger,
	}
	if created {
		return ps, nil
	}

	reqs, err := d.stores.Requirements.ListBySubject(ctx, trigger.SubjectID, "")
	if err != nil {
		return nil, fmt.Errorf("load requirements: %w", err)
	}
	ps.Requirements = reqs

	evidence, err := d.stores.Evidence.ListBySubject(ctx, trigger.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	ps.Evidence = evidence

	analysis, err := d.stores.Analyses.Latest(ctx, trigger.SubjectID)
	if err != nil && !errors.Is(err, story.ErrNotFound) {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	ps.Analysis = analysis

	return ps, nil
}

// applyTrigger folds the trigger itself into the working copy: new
// evidence joins the working evidence set (with attribution moving its
// requirement to addressed), assessment signals land on the state.
// Returns whether anything changed.
func (d *Dispatcher) applyTrigger(trigger *story.TriggerPayload, ps *subflow.PassState, intents *passIntents) bool {
	switch trigger.Kind {
	case story.TriggerEvidence:
		unit := trigger.Evidence
		for _, existing := range ps.Evidence {
			if existing.ID == unit.ID {
				// Redelivered evidence. Re-check attribution in case a
				// crash landed the unit without its requirement update.
				if unit.RequirementID != "" && !hasAttribution(ps, unit) {
					d.attributeWorking(ps, unit, intents)
					return true
				}
				return false
			}
		}
		ps.Evidence = append(ps.Evidence, unit)
		intents.newEvidence = append(intents.newEvidence, unit)

		if unit.RequirementID != "" {
			d.attributeWorking(ps, unit, intents)
		}
		return true

	case story.TriggerAssessment:
		if ps.Subject.Signals == *trigger.Signals {
			return false
		}
		ps.Subject.Signals = *trigger.Signals
		return true
	}

	return false
}

func hasAttribution(ps *subflow.PassState, unit *story.EvidenceUnit) bool {
	for _, r := range ps.Requirements {
		if r.ID != unit.RequirementID {
			continue
		}
		for _, ref := range r.EvidenceRefs {
			if ref == unit.ID {
				return true
			}
		}
		return false
	}
	return true // unknown requirement, nothing to repair
}

func (d *Dispatcher) attributeWorking(ps *subflow.PassState, unit *story.EvidenceUnit, intents *passIntents) {
	for _, r := range ps.Requirements {
		if r.ID != unit.RequirementID {
			continue
		}
		if r.Status.IsTerminal() {
			// The requirement settled while the evidence was in
			// flight. Keep the evidence, leave the requirement alone.
			d.logger.Warn("Evidence arrived for settled requirement",
				"subject_id", unit.SubjectID,
				"requirement_id", r.ID,
				"evidence_id", unit.ID,
				"status", r.Status)
			return
		}
		r.EvidenceRefs = append(r.EvidenceRefs, unit.ID)
		if r.Status != requirement.StatusAddressed {
			r.Status = requirement.StatusAddressed
		}
		intents.attributions = append(intents.attributions, attribution{
			requirementID: r.ID,
			evidenceID:    unit.ID,
		})
		return
	}

	d.logger.Warn("Evidence attributed to unknown requirement",
		"subject_id", unit.SubjectID,
		"requirement_id", unit.RequirementID,
		"evidence_id", unit.ID)
}

// persist commits the pass. Side stores first (all idempotent), state
// CAS last. A CAS conflict surfaces as story.ErrConflict and re-runs
// the pass from a fresh read.
func (d *Dispatcher) persist(ctx context.Context, ps *subflow.PassState, intents *passIntents, created bool) error {
	for _, unit := range intents.newEvidence {
		if err := d.stores.Evidence.Append(ctx, unit); err != nil && !errors.Is(err, story.ErrDuplicate) {
			return fmt.Errorf("persist evidence %s: %w", unit.ID, err)
		}
	}

	for _, r := range intents.newRequirements {
		if err := d.stores.Requirements.Create(ctx, r); err != nil && !errors.Is(err, story.ErrDuplicate) {
			return fmt.Errorf("persist requirement %s: %w", r.ID, err)
		}
	}

	for _, a := range intents.attributions {
		if err := d.stores.Requirements.AttributeEvidence(ctx, ps.Subject.SubjectID, a.requirementID, a.evidenceID); err != nil {
			return fmt.Errorf("attribute evidence %s: %w", a.evidenceID, err)
		}
	}

	for _, id := range intents.resolved {
		if _, err := d.stores.Requirements.Transition(ctx, ps.Subject.SubjectID, id, requirement.StatusResolved); err != nil {
			return fmt.Errorf("resolve requirement %s: %w", id, err)
		}
	}
	for _, id := range intents.reopened {
		if _, err := d.stores.Requirements.Transition(ctx, ps.Subject.SubjectID, id, requirement.StatusPending); err != nil {
			return fmt.Errorf("reopen requirement %s: %w", id, err)
		}
	}

	if intents.analysis != nil {
		if err := d.stores.Analyses.Append(ctx, intents.analysis); err != nil && !errors.Is(err, story.ErrDuplicate) {
			return fmt.Errorf("persist analysis %s: %w", intents.analysis.ID, err)
		}
	}

	if created {
		err := d.stores.States.Create(ctx, ps.Subject)
		if errors.Is(err, story.ErrDuplicate) {
			// Lost the creation race; replay against the stored state.
			return fmt.Errorf("subject %s created concurrently: %w", ps.Subject.SubjectID, story.ErrConflict)
		}
		return err
	}
	return d.stores.States.Update(ctx, ps.Subject)
}

func (d *Dispatcher) buildResult(trigger *story.TriggerPayload, before *story.SubjectState, ps *subflow.PassState, intents *passIntents) *PassResult {
	result := &PassResult{
		SubjectID:           trigger.SubjectID,
		RequestID:           trigger.RequestID,
		TriggerKind:         trigger.Kind,
		PreviousPhase:       before.Phase,
		PhaseAdvanced:       ps.Subject.Phase != before.Phase,
		CreatedRequirements: intents.newRequirements,
	}
	if intents.analysis != nil {
		result.AnalysisID = intents.analysis.ID
		result.Analysis = intents.analysis
	}
	for _, id := range intents.resolved {
		for _, r := range ps.Requirements {
			if r.ID == id {
				result.ResolvedRequirements = append(result.ResolvedRequirements, r)
			}
		}
	}
	if ps.GateResult != nil {
		result.FailedGates = ps.GateResult.FailedGates
	}

	result.Next = d.nextAction(ps, intents, result)
	return result
}

func (d *Dispatcher) nextAction(ps *subflow.PassState, intents *passIntents, result *PassResult) NextAction {
	claimable := claimableFrom(ps)

	switch {
	case intents.escalation != "":
		return NextAction{Kind: NextEscalateManual, Reason: intents.escalation, Claimable: claimable}

	case result.PhaseAdvanced:
		return NextAction{Kind: NextAdvancePhase, AdvanceTo: ps.Subject.Phase, Claimable: claimable}

	default:
		reason := "more evidence needed"
		if ps.GateResult != nil && len(ps.GateResult.FailedGates) > 0 {
			reason = "gates not met: " + joinGates(ps.GateResult.FailedGates)
		}
		return NextAction{Kind: NextAwaitMoreEvidence, Reason: reason, Claimable: claimable}
	}
}

func claimableFrom(ps *subflow.PassState) []*requirement.Requirement {
	pending := make([]*requirement.Requirement, 0, len(ps.Requirements))
	for _, r := range ps.Requirements {
		if r.Status == requirement.StatusPending {
			pending = append(pending, r)
		}
	}
	requirement.Sort(pending)
	return pending
}

func joinGates(gates []string) string {
	out := ""
	for i, g := range gates {
		if i > 0 {
			out += ", "
		}
		out += g
	}
	return out
}

// passIntents accumulates what a pass wants persisted.
type passIntents struct {
	newEvidence     []*story.EvidenceUnit
	newRequirements []*requirement.Requirement
	attributions    []attribution
	resolved        []string
	reopened        []string
	analysis        *archetype.Analysis
	escalation      string
}

type attribution struct {
	requirementID string
	evidenceID    string
}

func (pi *passIntents) collect(delta *subflow.Delta) {
	pi.newEvidence = append(pi.newEvidence, delta.NewEvidence...)
	pi.newRequirements = append(pi.newRequirements, delta.NewRequirements...)
	pi.resolved = append(pi.resolved, delta.Resolved...)
	pi.reopened = append(pi.reopened, delta.Reopened...)
	if delta.Analysis != nil {
		pi.analysis = delta.Analysis
	}
	if delta.Escalation != "" {
		pi.escalation = delta.Escalation
	}
}

// GateSnapshot evaluates the gate read-only for the API surface.
func (d *Dispatcher) GateSnapshot(ctx context.Context, subjectID string) (*gate.Result, error) {
	state, err := d.stores.States.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	analysis, err := d.stores.Analyses.Latest(ctx, subjectID)
	if err != nil && !errors.Is(err, story.ErrNotFound) {
		return nil, err
	}
	result := gate.Evaluate(state, analysis, state.Signals)
	return &result, nil
}
