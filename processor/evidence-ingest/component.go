// Package evidenceingest accepts raw evidence submissions, drops
// duplicates at the edge, and republishes survivors as per-subject
// ordered orchestration triggers.
package evidenceingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/storyline/story"
)

// Component implements the evidence-ingest processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	// JetStream consumer
	consumer jetstream.Consumer
	seen     jetstream.KeyValue

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	submissionsProcessed atomic.Int64
	duplicatesDropped    atomic.Int64
	triggersPublished    atomic.Int64
	lastActivityMu       sync.RWMutex
	lastActivity         time.Time
}

// NewComponent creates a new evidence-ingest processor.
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
	if config.SubmitSubject == "" {
		config.SubmitSubject = defaults.SubmitSubject
	}
	if config.SeenBucket == "" {
		config.SeenBucket = defaults.SeenBucket
	}
	if config.SeenTTL == 0 {
		config.SeenTTL = defaults.SeenTTL
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "evidence-ingest",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized evidence-ingest",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"submit_subject", c.config.SubmitSubject)
	return nil
}

// Start begins consuming evidence submissions.
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

	seen, err := js.CreateOrUpdateKeyValue(subCtx, jetstream.KeyValueConfig{
		Bucket:      c.config.SeenBucket,
		Description: "Evidence dedup barrier",
		TTL:         c.config.SeenTTL,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create seen bucket: %w", err)
	}
	c.seen = seen

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.SubmitSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx)

	c.logger.Info("evidence-ingest started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.SubmitSubject)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes submissions from the consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(16, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleSubmission(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleSubmission validates one submission, applies the dedup barrier,
// and republishes it as a trigger on the subject's ordered stream.
func (c *Component) handleSubmission(ctx context.Context, msg jetstream.Msg) {
	c.submissionsProcessed.Add(1)
	c.updateLastActivity()

	submission, err := story.ParsePayload[story.SubmissionPayload](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse submission", "error", err)
		// Malformed input never parses on redelivery.
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	if err := submission.Validate(); err != nil {
		c.logger.Warn("Rejecting invalid submission", "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	unit := submission.Evidence
	if unit.SubmittedAt.IsZero() {
		unit.SubmittedAt = time.Now()
	}

	// Create is the idempotency barrier: the first writer wins, every
	// replay of the same evidence ID lands on ErrKeyExists.
	seenKey := unit.SubjectID + "." + unit.ID
	if _, err := c.seen.Create(ctx, seenKey, nil); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			c.duplicatesDropped.Add(1)
			c.logger.Debug("Dropping duplicate evidence",
				"subject_id", unit.SubjectID,
				"evidence_id", unit.ID)
			if err := msg.Ack(); err != nil {
				c.logger.Warn("Failed to ACK message", "error", err)
			}
			return
		}
		c.logger.Error("Dedup barrier write failed",
			"subject_id", unit.SubjectID,
			"evidence_id", unit.ID,
			"error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := c.publishTrigger(ctx, submission, &unit); err != nil {
		c.logger.Error("Failed to publish trigger",
			"subject_id", unit.SubjectID,
			"evidence_id", unit.ID,
			"error", err)
		// Delete the marker so the redelivery can pass the barrier again.
		if derr := c.seen.Delete(ctx, seenKey); derr != nil {
			c.logger.Warn("Failed to roll back dedup marker", "key", seenKey, "error", derr)
		}
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	c.triggersPublished.Add(1)
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}

	c.logger.Info("Evidence accepted",
		"subject_id", unit.SubjectID,
		"evidence_id", unit.ID,
		"source", unit.Source)
}

// publishTrigger emits the orchestration trigger on the subject's
// ordered subject.
func (c *Component) publishTrigger(ctx context.Context, submission *story.SubmissionPayload, unit *story.EvidenceUnit) error {
	trigger := story.TriggerPayload{
		SubjectID:  unit.SubjectID,
		Kind:       story.TriggerEvidence,
		Evidence:   unit,
		RequestID:  submission.RequestID,
		TraceID:    submission.TraceID,
		ReceivedAt: time.Now(),
	}

	baseMsg := message.NewBaseMessage(story.TriggerType, &trigger, c.name)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}

	subject := story.TriggerSubject(unit.SubjectID)
	if err := c.natsClient.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("evidence-ingest stopped",
		"submissions_processed", c.submissionsProcessed.Load(),
		"duplicates_dropped", c.duplicatesDropped.Load(),
		"triggers_published", c.triggersPublished.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "evidence-ingest",
		Type:        "processor",
		Description: "Deduplicates evidence submissions and emits orchestration triggers",
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
	return ingestSchema
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
