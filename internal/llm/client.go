// Package llm talks to the external text-generation service used for
// assisted planning and analysis. Responses are treated as untyped text;
// callers recover JSON from them with ExtractJSON.
package llm

//go:generate mockgen -destination=mocks/mock_collaborator.go -package=mocks github.com/anstrom/scanpilot/internal/llm Collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/scanpilot/internal/logging"
)

const (
	planSystemPrompt     = "You are a penetration testing planner. Reply with a single JSON object and nothing else."
	analysisSystemPrompt = "You are a security analyst. Reply with a single JSON object matching the requested schema and nothing else."
	maxResponseBytes     = 1 << 20
)

// Collaborator produces free text for planning and analysis requests.
type Collaborator interface {
	GeneratePlan(ctx context.Context, prompt string) (string, error)
	GenerateAnalysis(ctx context.Context, prompt string) (string, error)
}

// ErrNoAPIKey is returned when the client has no credential configured.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// Config configures a Client.
type Config struct {
	BaseURL       string
	Model         string
	APIKey        string
	Temperature   float64
	Timeout       time.Duration
	RatePerMinute int
}

// Client is an OpenAI-compatible chat completions client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewClient creates a client. A non-positive RatePerMinute disables limiting.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logging.OrDefault(logger).WithComponent("llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GeneratePlan implements Collaborator.
func (c *Client) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, planSystemPrompt, prompt)
}

// GenerateAnalysis implements Collaborator.
func (c *Client) GenerateAnalysis(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, analysisSystemPrompt, prompt)
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limit wait: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	c.logger.Debug("completion received", "status", resp.StatusCode, "duration", time.Since(start), "bytes", len(raw))

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("llm: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("llm: response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
