package requirement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/storyline/story"
)

// Bucket is the KV bucket holding requirements.
const Bucket = "STORY_REQUIREMENTS"

// Ledger persists requirements in a JetStream KV bucket, keyed by
// {subject_id}.{requirement_id}. It enforces open-requirement dedup on
// (scope, kind) and the lifecycle transition rules.
type Ledger struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewLedger creates or binds the requirements bucket.
func NewLedger(nc *natsclient.Client, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "Requirement ledger work items",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &Ledger{bucket: bucket, logger: logger}, nil
}

func requirementKey(subjectID, reqID string) string {
	return subjectID + "." + reqID
}

// Create stores a new requirement. An open requirement with the same
// (scope, kind) already in the ledger makes this a no-op returning
// story.ErrDuplicate.
func (l *Ledger) Create(ctx context.Context, r *Requirement) error {
	if err := r.Validate(); err != nil {
		return err
	}

	open, err := l.ListOpen(ctx, r.SubjectID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	for _, existing := range open {
		if existing.DedupKey() == r.DedupKey() {
			return fmt.Errorf("open requirement %s has same scope and kind: %w",
				existing.ID, story.ErrDuplicate)
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal requirement: %w", err)
	}

	_, err = l.bucket.Create(ctx, requirementKey(r.SubjectID, r.ID), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("requirement %s: %w", r.ID, story.ErrDuplicate)
		}
		return fmt.Errorf("create requirement: %w", err)
	}

	l.logger.Debug("Requirement created",
		"subject_id", r.SubjectID,
		"requirement_id", r.ID,
		"kind", r.Kind,
		"priority", r.Priority,
		"scope", r.Scope.Path())

	return nil
}

// Get retrieves a requirement.
func (l *Ledger) Get(ctx context.Context, subjectID, reqID string) (*Requirement, error) {
	entry, err := l.bucket.Get(ctx, requirementKey(subjectID, reqID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("requirement %s: %w", reqID, story.ErrNotFound)
		}
		return nil, fmt.Errorf("get requirement: %w", err)
	}

	var r Requirement
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal requirement: %w", err)
	}
	return &r, nil
}

// ListBySubject returns a subject's requirements, optionally filtered by
// status. An empty status returns everything.
func (l *Ledger) ListBySubject(ctx context.Context, subjectID string, status Status) ([]*Requirement, error) {
	keys, err := l.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Requirement{}, nil
		}
		return nil, fmt.Errorf("list requirement keys: %w", err)
	}

	prefix := subjectID + "."
	reqs := make([]*Requirement, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := l.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get requirement %s: %w", key, err)
		}
		var r Requirement
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal requirement %s: %w", key, err)
		}
		if status != "" && r.Status != status {
			continue
		}
		reqs = append(reqs, &r)
	}

	Sort(reqs)
	return reqs, nil
}

// ListOpen returns a subject's open requirements (pending, in_progress,
// addressed) in claim order.
func (l *Ledger) ListOpen(ctx context.Context, subjectID string) ([]*Requirement, error) {
	all, err := l.ListBySubject(ctx, subjectID, "")
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, r := range all {
		if r.Status.IsOpen() {
			open = append(open, r)
		}
	}
	return open, nil
}

// Claim marks up to limit pending requirements as in_progress and
// returns them in claim order. scopePattern is a doublestar glob over
// the scope path ("**" or empty matches everything).
func (l *Ledger) Claim(ctx context.Context, subjectID, scopePattern string, limit int) ([]*Requirement, error) {
	if limit <= 0 {
		limit = 1
	}
	if scopePattern == "" {
		scopePattern = "**"
	}
	if !doublestar.ValidatePattern(scopePattern) {
		return nil, &story.ValidationError{Field: "scope_pattern", Message: "invalid glob pattern"}
	}

	pending, err := l.ListBySubject(ctx, subjectID, StatusPending)
	if err != nil {
		return nil, err
	}

	claimed := make([]*Requirement, 0, limit)
	now := time.Now().UTC()
	for _, r := range pending {
		if len(claimed) >= limit {
			break
		}
		matched, err := doublestar.Match(scopePattern, r.Scope.Path())
		if err != nil || !matched {
			continue
		}
		r.Status = StatusInProgress
		r.ClaimedAt = &now
		r.UpdatedAt = now
		if err := l.put(ctx, r); err != nil {
			return nil, fmt.Errorf("claim requirement %s: %w", r.ID, err)
		}
		claimed = append(claimed, r)
	}

	l.logger.Debug("Requirements claimed",
		"subject_id", subjectID,
		"scope_pattern", scopePattern,
		"claimed", len(claimed))

	return claimed, nil
}

// AttributeEvidence records an evidence unit against a requirement and
// moves it to addressed. Attribution to a terminal requirement is an
// invariant violation.
func (l *Ledger) AttributeEvidence(ctx context.Context, subjectID, reqID, evidenceID string) error {
	r, err := l.Get(ctx, subjectID, reqID)
	if err != nil {
		return err
	}
	return l.attributeAndPut(ctx, r, evidenceID)
}

func (l *Ledger) attributeAndPut(ctx context.Context, r *Requirement, evidenceID string) error {
	if r.Status.IsTerminal() {
		return &story.InvariantError{
			Invariant: "evidence cannot be attributed to a terminal requirement",
			Detail:    fmt.Sprintf("requirement %s is %s", r.ID, r.Status),
		}
	}

	for _, ref := range r.EvidenceRefs {
		if ref == evidenceID {
			return nil // already attributed, idempotent replay
		}
	}

	r.EvidenceRefs = append(r.EvidenceRefs, evidenceID)
	if r.Status != StatusAddressed {
		if !r.Status.CanTransitionTo(StatusAddressed) {
			return &story.InvariantError{
				Invariant: "illegal requirement transition",
				Detail:    fmt.Sprintf("%s -> %s", r.Status, StatusAddressed),
			}
		}
		r.Status = StatusAddressed
	}
	r.UpdatedAt = time.Now().UTC()

	return l.put(ctx, r)
}

// Transition moves a requirement to target after checking the lifecycle
// rules. Resolved sets ResolvedAt.
func (l *Ledger) Transition(ctx context.Context, subjectID, reqID string, target Status) (*Requirement, error) {
	r, err := l.Get(ctx, subjectID, reqID)
	if err != nil {
		return nil, err
	}

	if r.Status == target {
		return r, nil // idempotent replay
	}
	if !r.Status.CanTransitionTo(target) {
		return nil, &story.InvariantError{
			Invariant: "illegal requirement transition",
			Detail:    fmt.Sprintf("requirement %s: %s -> %s", reqID, r.Status, target),
		}
	}

	now := time.Now().UTC()
	r.Status = target
	r.UpdatedAt = now
	if target == StatusResolved {
		r.ResolvedAt = &now
	}

	if err := l.put(ctx, r); err != nil {
		return nil, err
	}

	l.logger.Debug("Requirement transitioned",
		"subject_id", subjectID,
		"requirement_id", reqID,
		"status", target)

	return r, nil
}

func (l *Ledger) put(ctx context.Context, r *Requirement) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal requirement: %w", err)
	}
	if _, err := l.bucket.Put(ctx, requirementKey(r.SubjectID, r.ID), data); err != nil {
		return fmt.Errorf("put requirement: %w", err)
	}
	return nil
}
