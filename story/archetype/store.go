package archetype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/storyline/story"
)

// Bucket is the KV bucket holding analysis snapshots.
const Bucket = "STORY_ANALYSES"

// AnalysisStore persists analysis snapshots append-only, keyed by
// {subject_id}.{number} with a zero-padded number so key order matches
// sequence order.
type AnalysisStore struct {
	bucket jetstream.KeyValue
}

// NewAnalysisStore creates or binds the analyses bucket.
func NewAnalysisStore(nc *natsclient.Client) (*AnalysisStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "Append-only archetype analysis snapshots",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &AnalysisStore{bucket: bucket}, nil
}

func analysisKey(subjectID string, number int) string {
	return fmt.Sprintf("%s.%06d", subjectID, number)
}

// Append stores a snapshot. Create makes the sequence append-only: a
// replayed pass writing the same number is reported as ErrDuplicate.
func (s *AnalysisStore) Append(ctx context.Context, a *Analysis) error {
	if err := a.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	_, err = s.bucket.Create(ctx, analysisKey(a.SubjectID, a.Number), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("analysis %s: %w", a.ID, story.ErrDuplicate)
		}
		return fmt.Errorf("create analysis: %w", err)
	}

	return nil
}

// Get retrieves a snapshot by sequence number.
func (s *AnalysisStore) Get(ctx context.Context, subjectID string, number int) (*Analysis, error) {
	entry, err := s.bucket.Get(ctx, analysisKey(subjectID, number))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("analysis %d for %s: %w", number, subjectID, story.ErrNotFound)
		}
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	var a Analysis
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return &a, nil
}

// Latest returns the most recent snapshot for a subject, or
// story.ErrNotFound when none exist.
func (s *AnalysisStore) Latest(ctx context.Context, subjectID string) (*Analysis, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, fmt.Errorf("analyses for %s: %w", subjectID, story.ErrNotFound)
		}
		return nil, fmt.Errorf("list analysis keys: %w", err)
	}

	prefix := subjectID + "."
	latest := ""
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// Zero-padded numbers make lexicographic order sequence order.
		if key > latest {
			latest = key
		}
	}
	if latest == "" {
		return nil, fmt.Errorf("analyses for %s: %w", subjectID, story.ErrNotFound)
	}

	entry, err := s.bucket.Get(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", latest, err)
	}

	var a Analysis
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return &a, nil
}

// History returns every snapshot for a subject in sequence order.
func (s *AnalysisStore) History(ctx context.Context, subjectID string) ([]*Analysis, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Analysis{}, nil
		}
		return nil, fmt.Errorf("list analysis keys: %w", err)
	}

	prefix := subjectID + "."
	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	history := make([]*Analysis, 0, len(matched))
	for _, key := range matched {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get analysis %s: %w", key, err)
		}
		var a Analysis
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			return nil, fmt.Errorf("unmarshal analysis %s: %w", key, err)
		}
		history = append(history, &a)
	}

	return history, nil
}
