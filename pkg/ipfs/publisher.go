// Package ipfs publishes canonical report bytes to a pinning service and
// reads them back through a gateway.
//
// The publisher makes exactly one network attempt per call. Retry policy
// belongs to the caller.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/audit-anchor/pkg/core"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Default pinning settings.
const (
	DefaultPinEndpoint = "https://api.pinata.cloud/pinning/pinFileToIPFS"
	DefaultFileName    = "audit_report.json"
	DefaultTimeout     = 60 * time.Second

	// maxResponseBody caps how much of an error body is kept for diagnostics.
	maxResponseBody = 64 << 10
)

// PublisherConfig configures the Pinata publisher.
type PublisherConfig struct {
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	APIKey       string        `yaml:"api_key" json:"-"`
	SecretAPIKey string        `yaml:"secret_api_key" json:"-"`
	FileName     string        `yaml:"file_name" json:"file_name"`
	PinName      string        `yaml:"pin_name" json:"pin_name"` // optional pinataMetadata name
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`

	// RateLimit is the sustained number of uploads per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	// StrictCID rejects responses whose IpfsHash does not parse as a CID.
	StrictCID bool `yaml:"strict_cid" json:"strict_cid"`
}

// DefaultPublisherConfig returns the default publisher configuration.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Endpoint:  DefaultPinEndpoint,
		FileName:  DefaultFileName,
		Timeout:   DefaultTimeout,
		Burst:     1,
		StrictCID: true,
	}
}

// Publisher uploads bytes to a Pinata-compatible pinning endpoint.
type Publisher struct {
	cfg        PublisherConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     core.Logger
}

// NewPublisher creates a publisher. A nil logger discards output.
func NewPublisher(cfg *PublisherConfig, logger core.Logger) *Publisher {
	c := *DefaultPublisherConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultPinEndpoint
	}
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if c.RateLimit > 0 {
		burst := c.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}

	return &Publisher{
		cfg:        c,
		httpClient: &http.Client{Timeout: c.Timeout},
		limiter:    limiter,
		logger:     core.OrNop(logger),
	}
}

// SetHTTPClient replaces the HTTP client (tests, custom transports).
func (p *Publisher) SetHTTPClient(c *http.Client) {
	p.httpClient = c
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Publish uploads data and returns the CID reported by the service.
//
// Exactly one HTTP attempt is made. Any outcome other than a 200 response
// carrying a non-empty IpfsHash is a publish error; the status and body are
// kept on the wrapped *errors.StatusError.
func (p *Publisher) Publish(ctx context.Context, data []byte) (string, error) {
	const op = "ipfs.Publish"

	if err := p.limiter.Wait(ctx); err != nil {
		return "", errs.E(errs.KindPublish, op, "rate limiter", err)
	}

	body, contentType, err := p.buildMultipart(data)
	if err != nil {
		return "", errs.E(errs.KindPublish, op, "build multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, body)
	if err != nil {
		return "", errs.E(errs.KindPublish, op, "create request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("pinata_api_key", p.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", p.cfg.SecretAPIKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errs.E(errs.KindPublish, op, "http request", errs.E(errs.KindNetwork, op, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", errs.E(errs.KindPublish, op, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errs.E(errs.KindPublish, op, "upload rejected",
			&errs.StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var pr pinResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", errs.E(errs.KindPublish, op, "decode response",
			&errs.StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}
	if pr.IpfsHash == "" {
		return "", errs.E(errs.KindPublish, op, "response has no IpfsHash",
			&errs.StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}
	if p.cfg.StrictCID {
		if _, err := ParseCID(pr.IpfsHash); err != nil {
			return "", errs.E(errs.KindPublish, op, fmt.Sprintf("invalid CID %q", pr.IpfsHash), err)
		}
	}

	p.logger.Debug("pinned %d bytes as %s in %s", len(data), pr.IpfsHash, time.Since(start))
	return pr.IpfsHash, nil
}

func (p *Publisher) buildMultipart(data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", p.cfg.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	if p.cfg.PinName != "" {
		meta, err := json.Marshal(map[string]string{"name": p.cfg.PinName})
		if err != nil {
			return nil, "", err
		}
		if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
