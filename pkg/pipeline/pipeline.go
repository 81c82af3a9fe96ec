// Package pipeline anchors analysis reports: canonicalize, digest, publish to
// the content store, register on the ledger and wait a bounded time for
// confirmation.
//
// Canonicalization failures are returned as errors. Everything after that is
// best-effort: publish, submit and confirm failures are recorded in the
// Result and never returned.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/digest"
	"github.com/exploopio/audit-anchor/pkg/journal"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/retry"
)

// NotAvailable is the CID reported when publishing did not succeed.
const NotAvailable = "N/A"

// Publisher stores canonical bytes and returns their CID. One network
// attempt per call.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
}

// Submitter registers a digest and CID on the ledger.
type Submitter interface {
	SubmitRegistration(ctx context.Context, d digest.Digest, cid string) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Confirmation, error)
}

// Journal records anchoring outcomes.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// Config configures the pipeline.
type Config struct {
	// PublishTimeout bounds each publish attempt.
	// Default: 60 seconds
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// SubmitTimeout bounds each submission attempt, lock wait included.
	// Default: 30 seconds
	SubmitTimeout time.Duration `yaml:"submit_timeout"`

	// ConfirmTimeout bounds the confirmation wait. The result is pending
	// when it runs out.
	// Default: 60 seconds
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// RetryAttempts is the total attempts for publish and for submit.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryStrategy is "exponential", "linear" or "constant".
	// Default: exponential
	RetryStrategy string `yaml:"retry_strategy"`

	// RetryDelay is the base backoff between attempts.
	// Default: 1 second
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RetryMaxDelay caps the backoff.
	// Default: 10 seconds
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// OnCompleted is called for every anchoring outcome.
	OnCompleted func(result *Result) `yaml:"-"`

	// OnFailed is called when the outcome is not confirmed or pending.
	OnFailed func(result *Result, err error) `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PublishTimeout: 60 * time.Second,
		SubmitTimeout:  30 * time.Second,
		ConfirmTimeout: ledger.DefaultConfirmTimeout,
		RetryAttempts:  retry.DefaultMaxAttempts,
		RetryDelay:     retry.DefaultBaseInterval,
		RetryMaxDelay:  retry.DefaultMaxInterval,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = d.PublishTimeout
	}
	if out.SubmitTimeout <= 0 {
		out.SubmitTimeout = d.SubmitTimeout
	}
	if out.ConfirmTimeout <= 0 {
		out.ConfirmTimeout = d.ConfirmTimeout
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = d.RetryAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = d.RetryDelay
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = d.RetryMaxDelay
	}
	return &out
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithJournal records every outcome in j.
func WithJournal(j Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = metrics.OrNop(c) }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(p *Pipeline) { p.logger = core.OrNop(l) }
}

// WithLocalCID stores the locally computed CID of the canonical bytes in the
// journal entry.
func WithLocalCID(fn func([]byte) (string, error)) Option {
	return func(p *Pipeline) { p.localCID = fn }
}

// Pipeline runs anchor operations. Safe for concurrent use; requests share
// nothing but the collaborators' own synchronization.
type Pipeline struct {
	config    *Config
	publisher Publisher
	submitter Submitter
	journal   Journal
	metrics   metrics.Collector
	tracer    trace.Tracer
	logger    core.Logger
	localCID  func([]byte) (string, error)

	// Stats
	started    int64
	confirmed  int64
	pending    int64
	failed     int64
	inProgress int32
}

// New creates a pipeline. A nil publisher or submitter disables anchoring:
// every call then returns a disabled result after canonicalization.
func New(config *Config, publisher Publisher, submitter Submitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:    config.withDefaults(),
		publisher: publisher,
		submitter: submitter,
		metrics:   &metrics.NopCollector{},
		tracer:    otel.Tracer("github.com/exploopio/audit-anchor/pkg/pipeline"),
		logger:    &core.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Enabled() {
		b := p.backoff()
		p.logger.Debug("Anchor retries: %d attempts per stage, waits %v, at most %s asleep per stage",
			p.config.RetryAttempts, b.RetrySchedule(p.config.RetryAttempts), b.TotalBackoffTime(p.config.RetryAttempts))
	}
	return p
}

// Enabled reports whether anchoring collaborators are configured.
func (p *Pipeline) Enabled() bool {
	return p.publisher != nil && p.submitter != nil
}

// Stats holds pipeline counters.
type Stats struct {
	Started    int64 `json:"started"`
	Confirmed  int64 `json:"confirmed"`
	Pending    int64 `json:"pending"`
	Failed     int64 `json:"failed"`
	InProgress int   `json:"in_progress"`
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() *Stats {
	return &Stats{
		Started:    atomic.LoadInt64(&p.started),
		Confirmed:  atomic.LoadInt64(&p.confirmed),
		Pending:    atomic.LoadInt64(&p.pending),
		Failed:     atomic.LoadInt64(&p.failed),
		InProgress: int(atomic.LoadInt32(&p.inProgress)),
	}
}

func (p *Pipeline) backoff() *retry.BackoffConfig {
	return &retry.BackoffConfig{
		Strategy:     retry.ParseStrategy(p.config.RetryStrategy),
		BaseInterval: p.config.RetryDelay,
		MaxInterval:  p.config.RetryMaxDelay,
		Jitter:       retry.DefaultJitter,
	}
}
