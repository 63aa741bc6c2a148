// Package requirementtimeout sweeps the requirement ledger for work
// that sat in_progress past its SLA, defers it, and surfaces the
// timeout as an escalation. It can also emit periodic tick triggers so
// capture-phase subjects re-evaluate without new evidence.
package requirementtimeout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/requirement"
)

// Component implements the requirement-timeout processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	states *story.StateStore
	ledger *requirement.Ledger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	checksPerformed  atomic.Int64
	timeoutsDetected atomic.Int64
	ticksEmitted     atomic.Int64
	lastCheckMu      sync.RWMutex
	lastCheck        time.Time
}

// NewComponent creates a new requirement-timeout processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.CheckInterval == 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.DefaultSLA == 0 {
		config.DefaultSLA = defaults.DefaultSLA
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	states, err := story.NewStateStore(deps.NATSClient)
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	ledger, err := requirement.NewLedger(deps.NATSClient, deps.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("create requirement ledger: %w", err)
	}

	return &Component{
		name:       "requirement-timeout",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		states:     states,
		ledger:     ledger,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized requirement-timeout",
		"check_interval", c.config.CheckInterval,
		"default_sla", c.config.DefaultSLA,
		"tick_interval", c.config.TickInterval)
	return nil
}

// Start begins monitoring requirement SLAs.
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

	go c.checkLoop(subCtx)
	if c.config.TickInterval > 0 {
		go c.tickLoop(subCtx)
	}

	c.logger.Info("requirement-timeout started",
		"check_interval", c.config.CheckInterval,
		"default_sla", c.config.DefaultSLA)

	return nil
}

// checkLoop periodically sweeps for stale requirements.
func (c *Component) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.checkTimeouts(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkTimeouts(ctx)
		}
	}
}

// checkTimeouts finds overdue in_progress requirements and defers them.
func (c *Component) checkTimeouts(ctx context.Context) {
	c.checksPerformed.Add(1)
	c.updateLastCheck()

	subjectIDs, err := c.states.ListIDs(ctx)
	if err != nil {
		c.logger.Error("Failed to list subjects", "error", err)
		return
	}

	for _, subjectID := range subjectIDs {
		reqs, err := c.ledger.ListBySubject(ctx, subjectID, requirement.StatusInProgress)
		if err != nil {
			c.logger.Warn("Failed to list in_progress requirements",
				"subject_id", subjectID,
				"error", err)
			continue
		}

		for _, r := range reqs {
			if err := c.checkRequirement(ctx, r); err != nil {
				c.logger.Warn("Failed to check requirement SLA",
					"subject_id", subjectID,
					"requirement_id", r.ID,
					"error", err)
			}
		}
	}
}

// checkRequirement defers one requirement if it exceeded the SLA. Age
// is measured from the last status change, so reclaimed requirements
// get a fresh window.
func (c *Component) checkRequirement(ctx context.Context, r *requirement.Requirement) error {
	since := r.UpdatedAt
	if since.IsZero() {
		since = r.CreatedAt
	}
	age := time.Since(since)
	if age <= c.config.DefaultSLA {
		return nil
	}

	c.timeoutsDetected.Add(1)

	c.logger.Info("Requirement SLA exceeded, deferring",
		"subject_id", r.SubjectID,
		"requirement_id", r.ID,
		"kind", r.Kind,
		"age", age,
		"sla", c.config.DefaultSLA)

	if _, err := c.ledger.Transition(ctx, r.SubjectID, r.ID, requirement.StatusDeferred); err != nil {
		return fmt.Errorf("defer requirement: %w", err)
	}

	if err := c.publishEscalation(ctx, r, age); err != nil {
		c.logger.Warn("Failed to publish escalation",
			"requirement_id", r.ID,
			"error", err)
	}
	return nil
}

// publishEscalation surfaces the timeout on the user signal stream.
func (c *Component) publishEscalation(ctx context.Context, r *requirement.Requirement, age time.Duration) error {
	event := story.EscalationEvent{
		SubjectID:     r.SubjectID,
		RequirementID: r.ID,
		Reason:        fmt.Sprintf("requirement %s exceeded SLA (%s in progress)", r.ID, age.Round(time.Minute)),
	}

	data, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.natsClient.PublishToStream(ctx, story.UserEscalation.Pattern, data); err != nil {
		return fmt.Errorf("publish to %s: %w", story.UserEscalation.Pattern, err)
	}
	return nil
}

// tickLoop emits periodic re-evaluation triggers for active subjects.
func (c *Component) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitTicks(ctx)
		}
	}
}

func (c *Component) emitTicks(ctx context.Context) {
	subjectIDs, err := c.states.ListIDs(ctx)
	if err != nil {
		c.logger.Error("Failed to list subjects for ticks", "error", err)
		return
	}

	for _, subjectID := range subjectIDs {
		state, err := c.states.Get(ctx, subjectID)
		if err != nil {
			c.logger.Warn("Failed to load subject for tick", "subject_id", subjectID, "error", err)
			continue
		}
		if state.Retired || state.Phase == story.PhaseComposition {
			continue
		}

		trigger := story.TriggerPayload{
			SubjectID:  subjectID,
			Kind:       story.TriggerTick,
			ReceivedAt: time.Now(),
		}
		baseMsg := message.NewBaseMessage(story.TriggerType, &trigger, c.name)
		data, err := json.Marshal(baseMsg)
		if err != nil {
			c.logger.Warn("Failed to marshal tick trigger", "subject_id", subjectID, "error", err)
			continue
		}
		if err := c.natsClient.PublishToStream(ctx, story.TriggerSubject(subjectID), data); err != nil {
			c.logger.Warn("Failed to publish tick trigger", "subject_id", subjectID, "error", err)
			continue
		}
		c.ticksEmitted.Add(1)
	}
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
	c.logger.Info("requirement-timeout stopped",
		"checks_performed", c.checksPerformed.Load(),
		"timeouts_detected", c.timeoutsDetected.Load(),
		"ticks_emitted", c.ticksEmitted.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "requirement-timeout",
		Type:        "processor",
		Description: "Defers requirements that exceed their SLA and emits re-evaluation ticks",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list. The sweep reads KV directly.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
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
	return timeoutSchema
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
		LastActivity: c.getLastCheck(),
	}
}

func (c *Component) updateLastCheck() {
	c.lastCheckMu.Lock()
	c.lastCheck = time.Now()
	c.lastCheckMu.Unlock()
}

func (c *Component) getLastCheck() time.Time {
	c.lastCheckMu.RLock()
	defer c.lastCheckMu.RUnlock()
	return c.lastCheck
}
