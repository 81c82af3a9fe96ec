// Package model calls the text-generation service that produces audit
// reports. Only a single blocking completion call is used; serving and
// tuning models is out of scope.
package model

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

	"github.com/exploopio/audit-anchor/pkg/core"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Default model settings.
const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "qwen2.5:latest"
	DefaultTimeout = 120 * time.Second

	maxResponseBody = 16 << 20
)

// Config configures the Ollama client.
type Config struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	Model       string        `yaml:"model" json:"model"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`

	// RateLimit is the sustained number of generations per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// DefaultConfig returns the default model configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: DefaultBaseURL,
		Model:   DefaultModel,
		Timeout: DefaultTimeout,
		Burst:   1,
	}
}

// Generator produces free text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
}

// Generation is one completed model call.
type Generation struct {
	Text     string        `json:"text"`
	Model    string        `json:"model"`
	Duration time.Duration `json:"duration"`

	// Token counts as reported by the server, zero when absent.
	PromptTokens int `json:"prompt_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Client talks to an Ollama server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     core.Logger
}

var _ Generator = (*Client)(nil)

// New creates an Ollama client. A nil logger discards output.
func New(cfg *Config, logger core.Logger) *Client {
	c := *DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if c.RateLimit > 0 {
		burst := c.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	return &Client{
		cfg:        c,
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     core.OrNop(logger),
	}
}

// SetHTTPClient replaces the HTTP client (tests, custom transports).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Generate runs one non-streaming completion. The call follows ctx and is
// additionally bounded by the configured timeout.
func (c *Client) Generate(ctx context.Context, prompt string) (*Generation, error) {
	const op = "model.Generate"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.E(errs.KindRateLimit, op, "rate limiter", err)
	}

	body, err := json.Marshal(generateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: c.cfg.Temperature},
	})
	if err != nil {
		return nil, errs.E(errs.KindInternal, op, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, op, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.E(errs.KindTimeout, op, fmt.Sprintf("no answer within %s", c.cfg.Timeout), err)
		}
		return nil, errs.E(errs.KindNetwork, op, "http request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.E(errs.KindTimeout, op, "read response", err)
		}
		return nil, errs.E(errs.KindNetwork, op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := errs.KindInternal
		if resp.StatusCode == http.StatusNotFound {
			kind = errs.KindNotFound
		}
		return nil, errs.E(kind, op, fmt.Sprintf("model %s request failed", c.cfg.Model),
			&errs.StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, errs.E(errs.KindModelOutput, op, "decode response", err)
	}
	if gr.Error != "" {
		return nil, errs.E(errs.KindModelOutput, op, gr.Error)
	}

	g := &Generation{
		Text:         gr.Response,
		Model:        gr.Model,
		Duration:     time.Since(start),
		PromptTokens: gr.PromptEvalCount,
		OutputTokens: gr.EvalCount,
	}
	if g.Model == "" {
		g.Model = c.cfg.Model
	}
	c.logger.Debug("model %s answered %d chars in %s", g.Model, len(g.Text), g.Duration)
	return g, nil
}

// Ping checks that the server answers and lists models.
func (c *Client) Ping(ctx context.Context) error {
	const op = "model.Ping"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return errs.E(errs.KindInvalidInput, op, "create request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.E(errs.KindNetwork, op, "http request", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.E(errs.KindNetwork, op, "model server unhealthy", &errs.StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}
