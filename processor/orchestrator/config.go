package orchestrator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/storyline/scoring"
	"github.com/c360studio/storyline/story"
)

// orchestratorSchema defines the configuration schema.
var orchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the orchestrator component.
type Config struct {
	// StreamName is the JetStream stream carrying triggers.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// TriggerFilter matches the per-subject trigger subjects.
	TriggerFilter string `json:"trigger_filter"`

	// CatalogPath is the archetype catalog YAML. Empty selects the
	// built-in catalog.
	CatalogPath string `json:"catalog_path,omitempty"`

	// Scoring configures the archetype scoring endpoint.
	Scoring scoring.Config `json:"scoring"`

	// ScoreTimeout bounds a single scoring call within a pass.
	ScoreTimeout time.Duration `json:"score_timeout"`

	// MetricsAddr serves prometheus metrics when set (e.g. ":9102").
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:    "STORY",
		ConsumerName:  "orchestrator",
		TriggerFilter: story.TriggerSubjectFilter,
		ScoreTimeout:  30 * time.Second,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "triggers",
					Type:        "jetstream",
					Subject:     story.TriggerSubjectFilter,
					StreamName:  "STORY",
					Description: "Per-subject ordered orchestration triggers",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "pass-events",
					Type:        "jetstream",
					Subject:     "story.events.>",
					StreamName:  "STORY",
					Description: "Pass lifecycle events",
					Required:    true,
				},
				{
					Name:        "escalations",
					Type:        "jetstream",
					Subject:     "user.signal.escalate",
					StreamName:  "USER",
					Description: "Manual review escalations",
					Required:    false,
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
	if c.TriggerFilter == "" {
		return fmt.Errorf("trigger_filter is required")
	}
	if c.ScoreTimeout <= 0 {
		return fmt.Errorf("score_timeout must be positive")
	}
	return c.Scoring.Validate()
}
