// Package orchestrator consumes per-subject orchestration triggers,
// runs one dispatcher pass per trigger, and publishes the pass
// lifecycle events downstream consumers react to.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/storyline/scoring"
	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/dispatch"
	"github.com/c360studio/storyline/story/requirement"
	"github.com/c360studio/storyline/story/subflow"
)

// Component implements the orchestrator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	dispatcher *dispatch.Dispatcher
	catalog    *archetype.Catalog

	// JetStream consumer
	consumer jetstream.Consumer

	// Prometheus
	registry      *prometheus.Registry
	metrics       *passMetrics
	metricsServer *http.Server

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	triggersProcessed atomic.Int64
	passesFailed      atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewComponent creates a new orchestrator processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.TriggerFilter == "" {
		config.TriggerFilter = defaults.TriggerFilter
	}
	if config.ScoreTimeout == 0 {
		config.ScoreTimeout = defaults.ScoreTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	catalog, err := loadCatalog(config.CatalogPath, logger)
	if err != nil {
		return nil, err
	}

	scorer, err := scoring.NewClient(config.Scoring, catalog, scoring.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create scorer: %w", err)
	}

	engine := archetype.NewEngine(scorer, catalog,
		archetype.WithScoreTimeout(config.ScoreTimeout),
		archetype.WithLogger(logger))

	states, err := story.NewStateStore(deps.NATSClient)
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	ledger, err := requirement.NewLedger(deps.NATSClient, logger)
	if err != nil {
		return nil, fmt.Errorf("create requirement ledger: %w", err)
	}
	evidence, err := story.NewEvidenceStore(deps.NATSClient)
	if err != nil {
		return nil, fmt.Errorf("create evidence store: %w", err)
	}
	analyses, err := archetype.NewAnalysisStore(deps.NATSClient)
	if err != nil {
		return nil, fmt.Errorf("create analysis store: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Stores{
		States:       states,
		Requirements: ledger,
		Evidence:     evidence,
		Analyses:     analyses,
	}, subflow.DefaultRegistry(engine), logger)

	registry := prometheus.NewRegistry()

	return &Component{
		name:       "orchestrator",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		dispatcher: dispatcher,
		catalog:    catalog,
		registry:   registry,
		metrics:    newPassMetrics(registry),
	}, nil
}

func loadCatalog(path string, logger *slog.Logger) (*archetype.Catalog, error) {
	if path == "" {
		return archetype.NewCatalog(logger), nil
	}
	catalog, err := archetype.LoadCatalog(path, logger)
	if err != nil {
		return nil, fmt.Errorf("load archetype catalog: %w", err)
	}
	return catalog, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized orchestrator",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"trigger_filter", c.config.TriggerFilter)
	return nil
}

// Start begins consuming triggers.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.TriggerFilter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.ScoreTimeout*2 + time.Minute,
		MaxDeliver:    5,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	// Catalog hot reload runs until the component stops.
	go func() {
		if err := c.catalog.Watch(subCtx); err != nil {
			c.logger.Warn("Catalog watcher exited", "error", err)
		}
	}()

	if c.config.MetricsAddr != "" {
		c.startMetricsServer()
	}

	c.logger.Info("orchestrator started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"trigger_filter", c.config.TriggerFilter,
		"metrics_addr", c.config.MetricsAddr)

	return nil
}

func (c *Component) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              c.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.metricsServer = server

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server failed", "addr", c.config.MetricsAddr, "error", err)
		}
	}()
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes triggers from the consumer.
// Fetching one message at a time preserves per-subject ordering across
// the stream.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleTrigger(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleTrigger runs one pass and publishes its lifecycle events.
func (c *Component) handleTrigger(ctx context.Context, msg jetstream.Msg) {
	c.triggersProcessed.Add(1)
	c.updateLastActivity()

	trigger, err := story.ParsePayload[story.TriggerPayload](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse trigger", "error", err)
		c.metrics.passes.WithLabelValues(outcomeRejected).Inc()
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	started := time.Now()
	result, err := c.dispatcher.Dispatch(ctx, trigger)
	c.metrics.passDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		c.passesFailed.Add(1)

		var vErr *story.ValidationError
		switch {
		case errors.As(err, &vErr):
			// Invalid triggers never become valid on redelivery.
			c.logger.Warn("Rejecting invalid trigger",
				"subject_id", trigger.SubjectID,
				"error", err)
			c.metrics.passes.WithLabelValues(outcomeRejected).Inc()
			if err := msg.Ack(); err != nil {
				c.logger.Warn("Failed to ACK message", "error", err)
			}

		case errors.Is(err, story.ErrConflict):
			c.logger.Warn("Pass lost store race beyond in-process retries, redelivering",
				"subject_id", trigger.SubjectID)
			c.metrics.conflicts.Inc()
			c.metrics.passes.WithLabelValues(outcomeFailed).Inc()
			if err := msg.Nak(); err != nil {
				c.logger.Warn("Failed to NAK message", "error", err)
			}

		default:
			c.logger.Error("Pass failed",
				"subject_id", trigger.SubjectID,
				"error", err)
			c.metrics.passes.WithLabelValues(outcomeFailed).Inc()
			if err := msg.Nak(); err != nil {
				c.logger.Warn("Failed to NAK message", "error", err)
			}
		}
		return
	}

	c.recordOutcome(result)
	c.publishEvents(ctx, result)

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

func (c *Component) recordOutcome(result *dispatch.PassResult) {
	switch {
	case result.Next.Kind == dispatch.NextEscalateManual:
		c.metrics.passes.WithLabelValues(outcomeEscalated).Inc()
		c.metrics.escalations.Inc()
	case result.NoOp:
		c.metrics.passes.WithLabelValues(outcomeNoOp).Inc()
	default:
		c.metrics.passes.WithLabelValues(outcomeCompleted).Inc()
	}
}

// publishEvents emits the typed lifecycle events for a completed pass.
// Publish failures are logged, never fatal: the pass already persisted.
func (c *Component) publishEvents(ctx context.Context, result *dispatch.PassResult) {
	phase := ""
	if result.State != nil {
		phase = result.State.Phase.String()
	}

	c.publish(ctx, story.PassCompleted.Pattern, story.PassCompletedEvent{
		SubjectID:     result.SubjectID,
		RequestID:     result.RequestID,
		TriggerKind:   string(result.TriggerKind),
		NextAction:    string(result.Next.Kind),
		Phase:         phase,
		PhaseAdvanced: result.PhaseAdvanced,
		FailedGates:   result.FailedGates,
		AnalysisID:    result.AnalysisID,
	})

	if result.PhaseAdvanced && result.State != nil {
		c.publish(ctx, story.PhaseAdvanced.Pattern, story.PhaseAdvancedEvent{
			SubjectID: result.SubjectID,
			From:      result.PreviousPhase.String(),
			To:        result.State.Phase.String(),
		})
	}

	for _, r := range result.CreatedRequirements {
		c.publish(ctx, story.RequirementCreated.Pattern, story.RequirementCreatedEvent{
			SubjectID:     result.SubjectID,
			RequirementID: r.ID,
			Kind:          string(r.Kind),
			Priority:      string(r.Priority),
			Purpose:       string(r.Purpose),
		})
	}
	for _, r := range result.ResolvedRequirements {
		c.publish(ctx, story.RequirementResolved.Pattern, story.RequirementResolvedEvent{
			SubjectID:     result.SubjectID,
			RequirementID: r.ID,
			Kind:          string(r.Kind),
		})
	}

	if result.Analysis != nil {
		active := 0
		for _, cand := range result.Analysis.Candidates {
			if cand.Status == archetype.CandidateActive {
				active++
			}
		}
		c.publish(ctx, story.AnalysisCompleted.Pattern, story.AnalysisCompletedEvent{
			SubjectID:        result.SubjectID,
			AnalysisID:       result.Analysis.ID,
			Number:           result.Analysis.Number,
			Status:           string(result.Analysis.Status),
			DominantKey:      result.Analysis.DominantKey,
			ActiveCandidates: active,
		})
	}

	if result.Next.Kind == dispatch.NextEscalateManual {
		c.publish(ctx, story.UserEscalation.Pattern, story.EscalationEvent{
			SubjectID: result.SubjectID,
			Reason:    result.Next.Reason,
		})
	}
}

func (c *Component) publish(ctx context.Context, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := c.natsClient.PublishToStream(ctx, subject, data); err != nil {
		c.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.metricsServer.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Metrics server shutdown failed", "error", err)
		}
		c.metricsServer = nil
	}

	c.running = false
	c.logger.Info("orchestrator stopped",
		"triggers_processed", c.triggersProcessed.Load(),
		"passes_failed", c.passesFailed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrator",
		Type:        "processor",
		Description: "Runs orchestration passes over subject triggers",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:   running,
		LastCheck: time.Now(),
		Uptime:    time.Since(startTime),
		Status:    status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		LastActivity: c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
