// Package storyapi exposes the orchestration core over HTTP: evidence
// submission, subject state, requirement claiming, the archetype read
// path, and the composition gate snapshot. Writes that change subject
// state go through the trigger pipeline; the API never mutates state
// the dispatcher owns, except for the reveal and retire flags.
package storyapi

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

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
	"github.com/c360studio/storyline/story/requirement"
)

// subjectStore is the state surface the API needs.
type subjectStore interface {
	Get(ctx context.Context, subjectID string) (*story.SubjectState, error)
	Update(ctx context.Context, state *story.SubjectState) error
	ListIDs(ctx context.Context) ([]string, error)
}

// requirementLedger is the ledger surface the API needs.
type requirementLedger interface {
	Get(ctx context.Context, subjectID, reqID string) (*requirement.Requirement, error)
	ListBySubject(ctx context.Context, subjectID string, status requirement.Status) ([]*requirement.Requirement, error)
	Claim(ctx context.Context, subjectID, scopePattern string, limit int) ([]*requirement.Requirement, error)
}

// evidenceLog is the evidence surface the API needs.
type evidenceLog interface {
	ListBySubject(ctx context.Context, subjectID string) ([]*story.EvidenceUnit, error)
}

// analysisLog is the snapshot surface the API needs.
type analysisLog interface {
	Latest(ctx context.Context, subjectID string) (*archetype.Analysis, error)
	History(ctx context.Context, subjectID string) ([]*archetype.Analysis, error)
}

// publisher abstracts the JetStream publish used for submissions and
// triggers.
type publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Component implements the story-api processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	states   subjectStore
	ledger   requirementLedger
	evidence evidenceLog
	analyses analysisLog
	pub      publisher

	httpServer *http.Server

	// Lifecycle state machine
	// States: 0=stopped, 1=starting, 2=running, 3=stopping
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	requestsServed atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// NewComponent constructs a story-api Component from raw JSON config and deps.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.PathPrefix == "" {
		config.PathPrefix = defaults.PathPrefix
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

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

	return &Component{
		name:     "story-api",
		config:   config,
		logger:   logger,
		states:   states,
		ledger:   ledger,
		evidence: evidence,
		analyses: analyses,
		pub:      deps.NATSClient,
	}, nil
}

// Initialize prepares the component for startup.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized story-api",
		"addr", c.config.Addr,
		"path_prefix", c.config.PathPrefix)
	return nil
}

// Start begins serving HTTP requests.
func (c *Component) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		current := c.state.Load()
		if current == stateRunning || current == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", current)
	}

	defer func() {
		if c.state.Load() == stateStarting {
			c.state.Store(stateStopped)
		}
	}()

	_, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers(c.config.PathPrefix, mux)

	server := &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	c.mu.Lock()
	c.cancel = cancel
	c.httpServer = server
	c.startTime = time.Now()
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server failed", "addr", c.config.Addr, "error", err)
		}
	}()

	c.state.Store(stateRunning)
	c.logger.Info("story-api started", "addr", c.config.Addr)
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		current := c.state.Load()
		if current == stateStopped || current == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", current)
	}

	c.mu.Lock()
	cancel := c.cancel
	server := c.httpServer
	c.cancel = nil
	c.httpServer = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("HTTP server shutdown", "error", err)
		}
	}

	c.state.Store(stateStopped)
	c.logger.Info("story-api stopped", "requests_served", c.requestsServed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "story-api",
		Type:        "processor",
		Description: "HTTP endpoints for evidence submission and subject state",
		Version:     "0.1.0",
	}
}

// InputPorts returns an empty port list. Requests arrive over HTTP.
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
	return storyAPISchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	state := c.state.Load()
	running := state == stateRunning

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "running"
	case stateStopping:
		status = "stopping"
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

func (c *Component) touchActivity() {
	c.requestsServed.Add(1)
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
