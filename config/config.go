// Package config provides configuration loading and management for Storyline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Storyline configuration
type Config struct {
	Scoring      ScoringConfig      `yaml:"scoring"`
	NATS         NATSConfig         `yaml:"nats"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	API          APIConfig          `yaml:"api"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Requirements RequirementsConfig `yaml:"requirements"`
}

// ScoringConfig configures the archetype scoring service
type ScoringConfig struct {
	// Model is the model to request from the scoring endpoint
	Model string `yaml:"model"`
	// Endpoint is the OpenAI-compatible base URL (default: http://localhost:11434/v1)
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for one scoring run
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// CatalogConfig configures the archetype catalog
type CatalogConfig struct {
	// Path is the catalog YAML file (empty = built-in catalog)
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	// Addr is the listen address for the story API
	Addr string `yaml:"addr"`
	// PathPrefix is the URL prefix for story endpoints
	PathPrefix string `yaml:"path_prefix"`
}

// MetricsConfig configures the metrics endpoint
type MetricsConfig struct {
	// Addr is the listen address for Prometheus metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// RequirementsConfig configures requirement SLA handling
type RequirementsConfig struct {
	// SLA is how long a requirement may sit in_progress before deferral
	SLA time.Duration `yaml:"sla"`
	// CheckInterval is how often the timeout sweep runs
	CheckInterval time.Duration `yaml:"check_interval"`
	// TickInterval emits periodic re-evaluation triggers (0 = disabled)
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scoring: ScoringConfig{
			Model:       "qwen2.5:14b",
			Endpoint:    "http://localhost:11434/v1",
			Temperature: 0.2,
			Timeout:     30 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Catalog: CatalogConfig{
			Path: "", // Built-in catalog
		},
		API: APIConfig{
			Addr:       ":8090",
			PathPrefix: "api/story",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Requirements: RequirementsConfig{
			SLA:           48 * time.Hour,
			CheckInterval: 5 * time.Minute,
			TickInterval:  0,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Scoring.Model == "" {
		return fmt.Errorf("scoring.model is required")
	}
	if c.Scoring.Endpoint == "" {
		return fmt.Errorf("scoring.endpoint is required")
	}
	if c.Scoring.Temperature < 0 || c.Scoring.Temperature > 1 {
		return fmt.Errorf("scoring.temperature must be between 0 and 1")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.Requirements.SLA <= 0 {
		return fmt.Errorf("requirements.sla must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Scoring
	if other.Scoring.Model != "" {
		c.Scoring.Model = other.Scoring.Model
	}
	if other.Scoring.Endpoint != "" {
		c.Scoring.Endpoint = other.Scoring.Endpoint
	}
	if other.Scoring.Temperature != 0 {
		c.Scoring.Temperature = other.Scoring.Temperature
	}
	if other.Scoring.Timeout != 0 {
		c.Scoring.Timeout = other.Scoring.Timeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Catalog
	if other.Catalog.Path != "" {
		c.Catalog.Path = other.Catalog.Path
	}

	// API
	if other.API.Addr != "" {
		c.API.Addr = other.API.Addr
	}
	if other.API.PathPrefix != "" {
		c.API.PathPrefix = other.API.PathPrefix
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Requirements
	if other.Requirements.SLA != 0 {
		c.Requirements.SLA = other.Requirements.SLA
	}
	if other.Requirements.CheckInterval != 0 {
		c.Requirements.CheckInterval = other.Requirements.CheckInterval
	}
	if other.Requirements.TickInterval != 0 {
		c.Requirements.TickInterval = other.Requirements.TickInterval
	}
}
