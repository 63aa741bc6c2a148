package requirementtimeout

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// timeoutSchema defines the configuration schema.
var timeoutSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the requirement timeout component.
type Config struct {
	// CheckInterval is how often to sweep for stale requirements.
	CheckInterval time.Duration `json:"check_interval"`

	// DefaultSLA is how long a requirement may sit in_progress before
	// it is deferred.
	DefaultSLA time.Duration `json:"default_sla"`

	// TickInterval emits periodic re-evaluation triggers for active
	// subjects. Zero disables ticks.
	TickInterval time.Duration `json:"tick_interval,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Minute,
		DefaultSLA:    48 * time.Hour,
		TickInterval:  0,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "escalation-events",
					Type:        "jetstream",
					Subject:     "user.signal.escalate",
					StreamName:  "USER",
					Description: "Escalations for requirements that exceeded their SLA",
					Required:    true,
				},
				{
					Name:        "tick-triggers",
					Type:        "jetstream",
					Subject:     "story.trigger.orchestrator.>",
					StreamName:  "STORY",
					Description: "Periodic re-evaluation triggers",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.DefaultSLA <= 0 {
		return fmt.Errorf("default_sla must be positive")
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("tick_interval cannot be negative")
	}
	return nil
}
