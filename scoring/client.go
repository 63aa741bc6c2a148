// Package scoring implements the archetype scorer against an
// OpenAI-compatible chat completions endpoint, with retry, backoff, and
// tolerant JSON extraction from model responses.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Config configures the scoring endpoint.
type Config struct {
	// URL is the base URL of an OpenAI-compatible API.
	URL string `json:"url" yaml:"url"`

	// Model is the model name sent with every request.
	Model string `json:"model" yaml:"model"`

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &story.ValidationError{Field: "url", Message: "scoring url is required"}
	}
	if c.Model == "" {
		return &story.ValidationError{Field: "model", Message: "scoring model is required"}
	}
	return nil
}

// Client scores archetype candidates by asking a chat model. It
// implements archetype.Scorer.
type Client struct {
	config      Config
	catalog     *archetype.Catalog
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a scoring client. The catalog supplies archetype
// definitions for the prompt.
func NewClient(config Config, catalog *archetype.Catalog, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:      config,
		catalog:     catalog,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Allow time for model responses
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// message is a chat message in the OpenAI wire format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible request format.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible response format.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Score implements archetype.Scorer. Transient failures are retried
// with backoff; context cancellation and deadline expiry surface
// unwrapped so the caller's timeout handling sees them.
func (c *Client) Score(ctx context.Context, subjectID string, evidence []*story.EvidenceUnit, candidates []archetype.Candidate) ([]archetype.Score, error) {
	messages := buildMessages(subjectID, evidence, candidates, c.catalog.Definitions())

	content, err := c.completeWithRetry(ctx, messages)
	if err != nil {
		return nil, err
	}

	return c.parseScores(content, candidates)
}

func (c *Client) completeWithRetry(ctx context.Context, messages []message) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		content, err := c.doRequest(ctx, messages)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if IsFatal(err) {
			return "", err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.backoff(attempt)
			c.logger.Debug("Scoring request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("scoring failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}

// doRequest executes one HTTP request against the endpoint.
func (c *Client) doRequest(ctx context.Context, messages []message) (string, error) {
	req := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = &c.config.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(), bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey := os.Getenv("SCORING_API_KEY"); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", NewTransientError(fmt.Errorf("no choices in response"))
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *Client) buildURL() string {
	url := strings.TrimSuffix(c.config.URL, "/")
	if strings.HasSuffix(url, "/chat/completions") {
		return url
	}
	return url + "/chat/completions"
}

// parseScores extracts the score array from the model response and
// filters it against the candidates that were actually asked about.
// Candidates the model skipped are left to the caller, which treats
// missing scores as zero confidence.
func (c *Client) parseScores(content string, candidates []archetype.Candidate) ([]archetype.Score, error) {
	raw := ExtractJSONArray(content)
	if raw == "" {
		return nil, NewTransientError(fmt.Errorf("no JSON array in response"))
	}

	var scores []archetype.Score
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse scores: %w", err))
	}

	asked := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		asked[cand.ArchetypeKey] = true
	}

	kept := scores[:0]
	for _, s := range scores {
		if !asked[s.ArchetypeKey] {
			c.logger.Warn("Scorer returned unknown archetype, dropping",
				"archetype_key", s.ArchetypeKey)
			continue
		}
		kept = append(kept, s)
	}
	return kept, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("scoring API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
