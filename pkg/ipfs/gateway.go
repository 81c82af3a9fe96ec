package ipfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/exploopio/audit-anchor/pkg/core"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/report"
)

// Default gateway settings.
const (
	DefaultGatewayURL     = "https://gateway.pinata.cloud"
	DefaultGatewayTimeout = 30 * time.Second

	// DefaultMaxReportSize bounds a fetched report body.
	DefaultMaxReportSize = 8 << 20
)

// GatewayConfig configures report retrieval.
type GatewayConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	MaxSize   int64         `yaml:"max_size" json:"max_size"`
	StrictCID bool          `yaml:"strict_cid" json:"strict_cid"`
}

// DefaultGatewayConfig returns the default gateway configuration.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		BaseURL:   DefaultGatewayURL,
		Timeout:   DefaultGatewayTimeout,
		MaxSize:   DefaultMaxReportSize,
		StrictCID: true,
	}
}

// Gateway reads published reports back by CID. It is independent of the
// publish path.
type Gateway struct {
	cfg        GatewayConfig
	httpClient *http.Client
	logger     core.Logger
}

// NewGateway creates a gateway client. A nil logger discards output.
func NewGateway(cfg *GatewayConfig, logger core.Logger) *Gateway {
	c := *DefaultGatewayConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultGatewayURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultGatewayTimeout
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxReportSize
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	return &Gateway{
		cfg:        c,
		httpClient: &http.Client{Timeout: c.Timeout},
		logger:     core.OrNop(logger),
	}
}

// SetHTTPClient replaces the HTTP client (tests, custom transports).
func (g *Gateway) SetHTTPClient(c *http.Client) {
	g.httpClient = c
}

// URL returns the gateway URL for a CID.
func (g *Gateway) URL(cidStr string) string {
	return g.cfg.BaseURL + "/ipfs/" + url.PathEscape(cidStr)
}

// FetchRaw returns the stored bytes for a CID.
// A non-2xx response is a not-found error carrying the status and body.
func (g *Gateway) FetchRaw(ctx context.Context, cidStr string) ([]byte, error) {
	const op = "ipfs.Fetch"

	if strings.TrimSpace(cidStr) == "" {
		return nil, errs.E(errs.KindInvalidInput, op, "empty CID")
	}
	if g.cfg.StrictCID {
		if _, err := ParseCID(cidStr); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.URL(cidStr), nil)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, op, "create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindNetwork, op, "http request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.cfg.MaxSize+1))
	if err != nil {
		return nil, errs.E(errs.KindNetwork, op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.E(errs.KindNotFound, op, fmt.Sprintf("report %s not available", cidStr),
			&errs.StatusError{StatusCode: resp.StatusCode, Body: core.Truncate(string(data), 512)})
	}
	if int64(len(data)) > g.cfg.MaxSize {
		return nil, errs.E(errs.KindDecode, op, fmt.Sprintf("report exceeds %d bytes", g.cfg.MaxSize))
	}

	g.logger.Debug("fetched %s (%d bytes)", cidStr, len(data))
	return data, nil
}

// Fetch retrieves a CID and parses it as a report.
func (g *Gateway) Fetch(ctx context.Context, cidStr string) (report.Report, error) {
	data, err := g.FetchRaw(ctx, cidStr)
	if err != nil {
		return nil, err
	}
	r, err := report.Parse(data)
	if err != nil {
		return nil, errs.E(errs.KindDecode, "ipfs.Fetch", "failed to decode JSON from IPFS content", err)
	}
	return r, nil
}

