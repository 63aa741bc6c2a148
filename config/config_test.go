package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scoring.Model != "qwen2.5:14b" {
		t.Errorf("expected default model qwen2.5:14b, got %s", cfg.Scoring.Model)
	}
	if cfg.Scoring.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected default endpoint http://localhost:11434/v1, got %s", cfg.Scoring.Endpoint)
	}
	if cfg.Scoring.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Scoring.Temperature)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Requirements.SLA != 48*time.Hour {
		t.Errorf("expected default SLA 48h, got %v", cfg.Requirements.SLA)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing scoring model",
			modify:  func(c *Config) { c.Scoring.Model = "" },
			wantErr: true,
		},
		{
			name:    "missing scoring endpoint",
			modify:  func(c *Config) { c.Scoring.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Scoring.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Scoring.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "missing api addr",
			modify:  func(c *Config) { c.API.Addr = "" },
			wantErr: true,
		},
		{
			name:    "non-positive SLA",
			modify:  func(c *Config) { c.Requirements.SLA = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
scoring:
  model: "test-model"
  endpoint: "http://test:1234/v1"
  temperature: 0.5
  timeout: 1m
catalog:
  path: "/test/archetypes.yaml"
nats:
  url: "nats://test:4222"
api:
  addr: ":9000"
requirements:
  sla: 24h
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Scoring.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", cfg.Scoring.Model)
	}
	if cfg.Scoring.Endpoint != "http://test:1234/v1" {
		t.Errorf("expected endpoint http://test:1234/v1, got %s", cfg.Scoring.Endpoint)
	}
	if cfg.Scoring.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.Scoring.Temperature)
	}
	if cfg.Scoring.Timeout != time.Minute {
		t.Errorf("expected timeout 1m, got %v", cfg.Scoring.Timeout)
	}
	if cfg.Catalog.Path != "/test/archetypes.yaml" {
		t.Errorf("expected catalog path /test/archetypes.yaml, got %s", cfg.Catalog.Path)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.API.Addr != ":9000" {
		t.Errorf("expected api addr :9000, got %s", cfg.API.Addr)
	}
	if cfg.Requirements.SLA != 24*time.Hour {
		t.Errorf("expected SLA 24h, got %v", cfg.Requirements.SLA)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Scoring: ScoringConfig{
			Model: "override-model",
		},
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
	}

	base.Merge(override)

	if base.Scoring.Model != "override-model" {
		t.Errorf("expected model override-model, got %s", base.Scoring.Model)
	}
	// Endpoint should remain from base since override didn't set it
	if base.Scoring.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Scoring.Endpoint)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	if base.NATS.Embedded {
		t.Error("expected embedded NATS disabled once a URL is set")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Scoring.Model = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Scoring.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.Scoring.Model)
	}
}

func TestLoaderAppliesEnvOverrides(t *testing.T) {
	t.Setenv("STORYLINE_NATS_URL", "nats://env:4222")
	t.Setenv("STORYLINE_SCORING_MODEL", "env-model")

	cfg := DefaultConfig()
	NewLoader(nil).applyEnv(cfg)

	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected NATS URL from env, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Embedded {
		t.Error("expected embedded NATS disabled when env URL is set")
	}
	if cfg.Scoring.Model != "env-model" {
		t.Errorf("expected model from env, got %s", cfg.Scoring.Model)
	}
}
