// Package verify audits the registry: every registered digest is checked
// against the content stored under its CID.
package verify

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/audit-anchor/pkg/canonical"
	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/report"
	"github.com/exploopio/audit-anchor/pkg/shared/severity"
)

// DefaultConcurrency bounds parallel gateway fetches.
const DefaultConcurrency = 8

// Registry lists registrations.
type Registry interface {
	Registrations(ctx context.Context, fromBlock uint64) ([]ledger.RegistrationRecord, error)
}

// Fetcher reads stored bytes by CID.
type Fetcher interface {
	FetchRaw(ctx context.Context, cid string) ([]byte, error)
}

// Outcome is the verification result of one registration.
type Outcome string

const (
	// OutcomeVerified means the stored content hashes to the registered digest.
	OutcomeVerified Outcome = "verified"

	// OutcomeMismatch means the stored content hashes to something else.
	OutcomeMismatch Outcome = "mismatch"

	// OutcomeUnavailable means the content could not be fetched.
	OutcomeUnavailable Outcome = "unavailable"

	// OutcomeUndecodable means the content is not a JSON object.
	OutcomeUndecodable Outcome = "undecodable"
)

// Record is one checked registration.
type Record struct {
	ledger.RegistrationRecord

	Outcome  Outcome        `json:"outcome"`
	Computed *digest.Digest `json:"computed_hash,omitempty"`

	// Canonical reports whether the stored bytes were already canonical.
	Canonical bool `json:"canonical"`

	Name    string          `json:"name,omitempty"`
	Summary *report.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Report summarizes a verification run.
type Report struct {
	FromBlock   uint64                   `json:"from_block"`
	Total       int                      `json:"total"`
	Verified    int                      `json:"verified"`
	Mismatched  int                      `json:"mismatched"`
	Unavailable int                      `json:"unavailable"`
	Undecodable int                      `json:"undecodable"`
	Severities  severity.CountBySeverity `json:"severities"`
	Records     []Record                 `json:"records"`
	DurationMs  int64                    `json:"duration_ms"`
}

// OK reports whether every registration verified.
func (r *Report) OK() bool {
	return r.Verified == r.Total
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithConcurrency sets the number of parallel fetches.
func WithConcurrency(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(v *Verifier) { v.metrics = metrics.OrNop(c) }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(v *Verifier) { v.logger = core.OrNop(l) }
}

// Verifier checks registrations against stored content.
type Verifier struct {
	registry    Registry
	fetcher     Fetcher
	concurrency int
	metrics     metrics.Collector
	logger      core.Logger
}

// New creates a verifier.
func New(registry Registry, fetcher Fetcher, opts ...Option) *Verifier {
	v := &Verifier{
		registry:    registry,
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		metrics:     &metrics.NopCollector{},
		logger:      &core.NopLogger{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks every registration from fromBlock on. Listing failures are
// returned; a failed fetch only marks its own record.
func (v *Verifier) Verify(ctx context.Context, fromBlock uint64) (*Report, error) {
	start := time.Now()

	regs, err := v.registry.Registrations(ctx, fromBlock)
	if err != nil {
		return nil, errs.Wrap(err, "verify.Verify")
	}

	rep := &Report{
		FromBlock: fromBlock,
		Total:     len(regs),
		Records:   make([]Record, len(regs)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i := range regs {
		g.Go(func() error {
			rep.Records[i] = v.check(gctx, regs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.E(errs.KindTimeout, "verify.Verify", "verification interrupted", err)
	}

	for _, rec := range rep.Records {
		switch rec.Outcome {
		case OutcomeVerified:
			rep.Verified++
		case OutcomeMismatch:
			rep.Mismatched++
		case OutcomeUnavailable:
			rep.Unavailable++
		case OutcomeUndecodable:
			rep.Undecodable++
		}
		if rec.Summary != nil {
			addCounts(&rep.Severities, rec.Summary.CountBySeverity)
		}
		v.metrics.CounterInc(metrics.VerifyRecordsTotal.Name, "result", string(rec.Outcome))
	}
	v.metrics.GaugeSet(metrics.VerifyLastMismatched.Name, float64(rep.Mismatched))
	rep.DurationMs = time.Since(start).Milliseconds()

	v.logger.Info("verified %d/%d registrations from block %d (%d mismatched, %d unavailable)",
		rep.Verified, rep.Total, fromBlock, rep.Mismatched, rep.Unavailable)
	return rep, nil
}

// Check verifies a single registration.
func (v *Verifier) Check(ctx context.Context, reg ledger.RegistrationRecord) Record {
	return v.check(ctx, reg)
}

func (v *Verifier) check(ctx context.Context, reg ledger.RegistrationRecord) Record {
	rec := Record{RegistrationRecord: reg}

	raw, err := v.fetcher.FetchRaw(ctx, reg.IpfsCID)
	if err != nil {
		rec.Outcome = OutcomeUnavailable
		rec.Error = err.Error()
		v.logger.Warn("registration %d: fetch %s: %v", reg.Index, reg.IpfsCID, err)
		return rec
	}

	parsed, err := report.Parse(raw)
	if err != nil {
		rec.Outcome = OutcomeUndecodable
		rec.Error = err.Error()
		return rec
	}
	canon, err := canonical.Marshal(parsed)
	if err != nil {
		rec.Outcome = OutcomeUndecodable
		rec.Error = err.Error()
		return rec
	}

	computed := digest.Sum(canon)
	rec.Computed = &computed
	rec.Canonical = string(canon) == string(raw)
	rec.Name = parsed.Name()
	summary := parsed.Summarize()
	rec.Summary = &summary

	if computed == reg.ReportHash {
		rec.Outcome = OutcomeVerified
	} else {
		rec.Outcome = OutcomeMismatch
		v.logger.Warn("registration %d: digest mismatch for %s: registered %s, computed %s",
			reg.Index, reg.IpfsCID, reg.ReportHash.Hex(), computed.Hex())
	}
	return rec
}

func addCounts(dst *severity.CountBySeverity, src severity.CountBySeverity) {
	dst.Critical += src.Critical
	dst.High += src.High
	dst.Medium += src.Medium
	dst.Low += src.Low
	dst.Unknown += src.Unknown
	dst.Total += src.Total
}
