package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// EvidenceBucket is the KV bucket holding the append-only evidence log.
const EvidenceBucket = "STORY_EVIDENCE"

// EvidenceUnit is a single unit of material about a subject: a session
// transcript chunk, an uploaded document, an answer to a probe. The
// payload is opaque to the orchestration core.
type EvidenceUnit struct {
	// ID uniquely identifies this unit (format: ev-{uuid}). IDs are the
	// dedup key for at-least-once delivery.
	ID string `json:"id"`

	// SubjectID identifies the storyteller the evidence is about.
	SubjectID string `json:"subject_id"`

	// RequirementID optionally attributes the evidence to the requirement
	// it was gathered for. Empty means unattributed.
	RequirementID string `json:"requirement_id,omitempty"`

	// Source names the producer (e.g. "session", "upload", "directive").
	Source string `json:"source,omitempty"`

	// Payload is the evidence content, opaque to the core.
	Payload json.RawMessage `json:"payload,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks required evidence fields.
func (e *EvidenceUnit) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if e.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	return nil
}

// EvidenceStore persists evidence units in a JetStream KV bucket, keyed
// by {subject_id}.{evidence_id}. Writes use Create so replays of the
// same unit are detected rather than overwritten.
type EvidenceStore struct {
	bucket jetstream.KeyValue
}

// NewEvidenceStore creates or binds the evidence bucket.
func NewEvidenceStore(nc *natsclient.Client) (*EvidenceStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      EvidenceBucket,
		Description: "Append-only evidence log per subject",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &EvidenceStore{bucket: bucket}, nil
}

func evidenceKey(subjectID, evidenceID string) string {
	return subjectID + "." + evidenceID
}

// Append stores a new evidence unit. Returns ErrDuplicate when a unit
// with the same ID already exists for the subject.
func (s *EvidenceStore) Append(ctx context.Context, e *EvidenceUnit) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = s.bucket.Create(ctx, evidenceKey(e.SubjectID, e.ID), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("evidence %s: %w", e.ID, ErrDuplicate)
		}
		return fmt.Errorf("create evidence: %w", err)
	}

	return nil
}

// Get retrieves a single evidence unit.
func (s *EvidenceStore) Get(ctx context.Context, subjectID, evidenceID string) (*EvidenceUnit, error) {
	entry, err := s.bucket.Get(ctx, evidenceKey(subjectID, evidenceID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("evidence %s: %w", evidenceID, ErrNotFound)
		}
		return nil, fmt.Errorf("get evidence: %w", err)
	}

	var e EvidenceUnit
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	return &e, nil
}

// ListBySubject returns every evidence unit for a subject, ordered by
// submission time, then ID for a stable tie-break.
func (s *EvidenceStore) ListBySubject(ctx context.Context, subjectID string) ([]*EvidenceUnit, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*EvidenceUnit{}, nil
		}
		return nil, fmt.Errorf("list evidence keys: %w", err)
	}

	prefix := subjectID + "."
	units := make([]*EvidenceUnit, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, fmt.Errorf("get evidence %s: %w", key, err)
		}
		var e EvidenceUnit
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal evidence %s: %w", key, err)
		}
		units = append(units, &e)
	}

	sort.Slice(units, func(i, j int) bool {
		if !units[i].SubmittedAt.Equal(units[j].SubmittedAt) {
			return units[i].SubmittedAt.Before(units[j].SubmittedAt)
		}
		return units[i].ID < units[j].ID
	})

	return units, nil
}
