// Package main provides the storyline binary entry point.
// Storyline is a requirement-driven biography orchestration service
// built on semstreams: evidence arrives over HTTP or NATS, the
// orchestrator runs self-gating passes per subject, and the archetype
// refinement engine narrows hypotheses as material accumulates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"

	storylineconfig "github.com/c360studio/storyline/config"
	evidenceingest "github.com/c360studio/storyline/processor/evidence-ingest"
	"github.com/c360studio/storyline/processor/orchestrator"
	requirementtimeout "github.com/c360studio/storyline/processor/requirement-timeout"
	storyapi "github.com/c360studio/storyline/processor/story-api"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "storyline"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "storyline",
		Short: "Requirement-driven biography orchestration service",
		Long: `Storyline runs the self-gating orchestration core for biography capture.

It provides:
- Per-subject orchestration passes triggered by evidence, assessments,
  directives, and session completions
- A requirement ledger that collectors claim work from
- Multi-hypothesis archetype refinement over the evidence log
- A composition gate that unblocks narrative assembly

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(logLevel string) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load layered storyline configuration (defaults, user, project, env)
	appCfg, err := storylineconfig.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg, err := buildPlatformConfig(appCfg)
	if err != nil {
		return fmt.Errorf("build platform config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Storyline ready",
		"version", Version,
		"scoring_endpoint", appCfg.Scoring.Endpoint,
		"api_addr", appCfg.API.Addr)

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := types.PlatformMeta{Org: "storyline", Platform: "storyline-local"}

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := config.NewConfigManager(cfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	slog.Debug("Registering storyline component factories")
	if err := evidenceingest.Register(componentRegistry); err != nil {
		return fmt.Errorf("register evidence-ingest: %w", err)
	}
	if err := orchestrator.Register(componentRegistry); err != nil {
		return fmt.Errorf("register orchestrator: %w", err)
	}
	if err := requirementtimeout.Register(componentRegistry); err != nil {
		return fmt.Errorf("register requirement-timeout: %w", err)
	}
	if err := storyapi.Register(componentRegistry); err != nil {
		return fmt.Errorf("register story-api: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(cfg)

	// Create service dependencies
	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	// Configure and create services
	if err := configureAndCreateServices(cfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start all services
	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Stop all services
	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Storyline shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Storyline v" + Version + "                    ║")
	fmt.Println("║    Biography Orchestration Service            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// buildPlatformConfig translates the storyline config into the
// semstreams platform config that drives streams and components.
func buildPlatformConfig(appCfg *storylineconfig.Config) (*config.Config, error) {
	orchestratorConfig := map[string]any{
		"catalog_path": appCfg.Catalog.Path,
		"scoring": map[string]any{
			"url":         appCfg.Scoring.Endpoint,
			"model":       appCfg.Scoring.Model,
			"temperature": appCfg.Scoring.Temperature,
		},
		"score_timeout": appCfg.Scoring.Timeout,
		"metrics_addr":  appCfg.Metrics.Addr,
	}
	orchestratorJSON, err := json.Marshal(orchestratorConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal orchestrator config: %w", err)
	}

	timeoutConfig := map[string]any{
		"check_interval": appCfg.Requirements.CheckInterval,
		"default_sla":    appCfg.Requirements.SLA,
		"tick_interval":  appCfg.Requirements.TickInterval,
	}
	timeoutJSON, err := json.Marshal(timeoutConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal requirement-timeout config: %w", err)
	}

	apiConfig := map[string]any{
		"addr":        appCfg.API.Addr,
		"path_prefix": appCfg.API.PathPrefix,
	}
	apiJSON, err := json.Marshal(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal story-api config: %w", err)
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "storyline",
			ID:          "storyline-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{natsURL(appCfg)},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: config.ComponentConfigs{
			"evidence-ingest": types.ComponentConfig{
				Name:    "evidence-ingest",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  json.RawMessage(`{}`),
			},
			"orchestrator": types.ComponentConfig{
				Name:    "orchestrator",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  orchestratorJSON,
			},
			"requirement-timeout": types.ComponentConfig{
				Name:    "requirement-timeout",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  timeoutJSON,
			},
			"story-api": types.ComponentConfig{
				Name:    "story-api",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  apiJSON,
			},
		},
		Streams: config.StreamConfigs{
			"STORY": config.StreamConfig{
				Subjects: []string{
					"story.evidence.submit",
					"story.trigger.orchestrator.>",
					"story.events.>",
				},
				MaxAge:   "720h",
				Storage:  "file",
				Replicas: 1,
			},
			"USER": config.StreamConfig{
				Subjects: []string{
					"user.signal.>",
				},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

func natsURL(appCfg *storylineconfig.Config) string {
	if appCfg.NATS.URL != "" {
		return appCfg.NATS.URL
	}
	return "nats://localhost:4222"
}

func connectToNATS(ctx context.Context, appCfg *storylineconfig.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURLs := natsURL(appCfg)

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURLs = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName("storyline"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Storyline API",
				"description": "requirement-driven biography orchestration",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}

		if !svcConfig.Enabled {
			slog.Info("Service disabled in config", "name", name)
			continue
		}

		if !manager.HasConstructor(name) {
			slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
			continue
		}

		if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}

		slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	}

	return nil
}
