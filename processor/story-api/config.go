package storyapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// storyAPISchema defines the configuration schema.
var storyAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the story API component.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `json:"addr"`

	// PathPrefix is the URL prefix handlers are registered under,
	// without leading or trailing slash (e.g. "api/story").
	PathPrefix string `json:"path_prefix"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:       ":8090",
		PathPrefix: "api/story",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "evidence-submissions",
					Type:        "jetstream",
					Subject:     "story.evidence.submit",
					StreamName:  "STORY",
					Description: "Raw evidence submissions for the ingest processor",
					Required:    true,
				},
				{
					Name:        "triggers",
					Type:        "jetstream",
					Subject:     "story.trigger.orchestrator.>",
					StreamName:  "STORY",
					Description: "Assessment, directive, and session triggers",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.PathPrefix == "" {
		return fmt.Errorf("path_prefix is required")
	}
	return nil
}
