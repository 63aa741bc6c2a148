package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// SubjectsBucket is the KV bucket holding subject states.
const SubjectsBucket = "STORY_SUBJECTS"

// StateStore persists SubjectState records in a JetStream KV bucket.
// Updates are compare-and-swap on the revision the state was read at,
// surfaced to callers as ErrConflict so they can re-read and retry.
type StateStore struct {
	bucket jetstream.KeyValue
}

// NewStateStore creates or binds the subjects bucket.
func NewStateStore(nc *natsclient.Client) (*StateStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SubjectsBucket,
		Description: "Authoritative per-subject orchestration state",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &StateStore{bucket: bucket}, nil
}

// Get retrieves the state for a subject. Version is set from the KV
// revision so a later Update can compare-and-swap against it.
func (s *StateStore) Get(ctx context.Context, subjectID string) (*SubjectState, error) {
	entry, err := s.bucket.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
		}
		return nil, fmt.Errorf("get subject state: %w", err)
	}

	var state SubjectState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("unmarshal subject state: %w", err)
	}
	state.Version = entry.Revision()

	return &state, nil
}

// Create persists a new subject. Returns ErrDuplicate when the subject
// already exists.
func (s *StateStore) Create(ctx context.Context, state *SubjectState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal subject state: %w", err)
	}

	rev, err := s.bucket.Create(ctx, state.SubjectID, data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("subject %s: %w", state.SubjectID, ErrDuplicate)
		}
		return fmt.Errorf("create subject state: %w", err)
	}
	state.Version = rev

	return nil
}

// Update persists a modified state with compare-and-swap on Version.
// On success Version advances to the new revision. A lost race returns
// ErrConflict and persists nothing.
func (s *StateStore) Update(ctx context.Context, state *SubjectState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal subject state: %w", err)
	}

	rev, err := s.bucket.Update(ctx, state.SubjectID, data, state.Version)
	if err != nil {
		if isRevisionMismatch(err) {
			return fmt.Errorf("subject %s at revision %d: %w", state.SubjectID, state.Version, ErrConflict)
		}
		return fmt.Errorf("update subject state: %w", err)
	}
	state.Version = rev

	return nil
}

// ListIDs returns every known subject ID.
func (s *StateStore) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list subject keys: %w", err)
	}
	return keys, nil
}

// isRevisionMismatch detects a lost CAS race. The KV API reports it as
// a wrong-last-sequence stream error.
func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
