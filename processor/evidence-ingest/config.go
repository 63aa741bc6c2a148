package evidenceingest

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/storyline/story"
)

// ingestSchema defines the configuration schema.
var ingestSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the evidence ingest component.
type Config struct {
	// StreamName is the JetStream stream carrying submissions.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// SubmitSubject is the subject raw submissions arrive on.
	SubmitSubject string `json:"submit_subject"`

	// SeenBucket is the KV bucket used as the dedup barrier.
	SeenBucket string `json:"seen_bucket"`

	// SeenTTL bounds how long dedup markers are kept.
	SeenTTL time.Duration `json:"seen_ttl"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:    "STORY",
		ConsumerName:  "evidence-ingest",
		SubmitSubject: story.SubmitSubject,
		SeenBucket:    "STORY_EVIDENCE_SEEN",
		SeenTTL:       7 * 24 * time.Hour,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "submissions",
					Type:        "jetstream",
					Subject:     story.SubmitSubject,
					StreamName:  "STORY",
					Description: "Raw evidence submissions",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "triggers",
					Type:        "jetstream",
					Subject:     story.TriggerSubjectFilter,
					StreamName:  "STORY",
					Description: "Per-subject ordered orchestration triggers",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.SubmitSubject == "" {
		return fmt.Errorf("submit_subject is required")
	}
	if c.SeenBucket == "" {
		return fmt.Errorf("seen_bucket is required")
	}
	if c.SeenTTL <= 0 {
		return fmt.Errorf("seen_ttl must be positive")
	}
	return nil
}
