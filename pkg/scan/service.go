// Package scan runs one audit request end to end: optional signature check,
// model analysis, report extraction and best-effort anchoring.
//
// Analysis failures are returned to the caller. Anchoring never fails a
// request; its outcome is reported in the response fields.
package scan

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/exploopio/audit-anchor/pkg/audit"
	"github.com/exploopio/audit-anchor/pkg/auth"
	"github.com/exploopio/audit-anchor/pkg/core"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/model"
	"github.com/exploopio/audit-anchor/pkg/pipeline"
	"github.com/exploopio/audit-anchor/pkg/report"
)

// Anchorer anchors an extracted report.
type Anchorer interface {
	Anchor(ctx context.Context, report any) (*pipeline.Result, error)
}

// Request is an audit request.
type Request struct {
	Code      string `json:"code"`
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

// Response is the audit outcome. The first four fields are the long-standing
// wire contract; the rest describe the anchoring outcome in detail.
type Response struct {
	Report    report.Report `json:"report"`
	RawOutput string        `json:"raw_output"`
	IPFSCID   string        `json:"ipfs_cid"`
	TxHash    string        `json:"tx_hash"`

	Digest       string          `json:"digest"`
	AnchorStatus pipeline.Status `json:"anchor_status"`
	AnchorID     string          `json:"anchor_id,omitempty"`
	Summary      report.Summary  `json:"summary"`
}

// Option configures a Service.
type Option func(*Service)

// WithVerifier enables request signature checks.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Service) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithTemplate replaces the audit instruction template. It must contain a
// {code} placeholder.
func WithTemplate(tmpl string) Option {
	return func(s *Service) {
		if tmpl != "" {
			s.template = tmpl
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Service) { s.metrics = metrics.OrNop(c) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAudit records accepted, rejected and failed requests in the audit
// trail.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(s *Service) { s.logger = core.OrNop(l) }
}

// Service handles audit requests. Safe for concurrent use.
type Service struct {
	generator model.Generator
	anchorer  Anchorer
	verifier  *auth.Verifier
	template  string
	metrics   metrics.Collector
	tracer    trace.Tracer
	audit     *audit.Logger
	logger    core.Logger
}

// NewService creates a scan service.
func NewService(generator model.Generator, anchorer Anchorer, opts ...Option) *Service {
	s := &Service{
		generator: generator,
		anchorer:  anchorer,
		verifier:  auth.NewVerifier(nil),
		template:  model.AuditTemplate,
		metrics:   &metrics.NopCollector{},
		tracer:    otel.Tracer("github.com/exploopio/audit-anchor/pkg/scan"),
		logger:    &core.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan analyzes req.Code and anchors the resulting report.
//
// The model call follows ctx; anchoring, once started, does not. Errors are
// invalid input, authentication, model and extraction failures, and a report
// that cannot be canonicalized.
func (s *Service) Scan(ctx context.Context, req Request) (resp *Response, err error) {
	const op = "scan.Scan"

	ctx, span := s.tracer.Start(ctx, "scan", trace.WithAttributes(attribute.Int("scan.code_bytes", len(req.Code))))
	defer func() {
		status := "ok"
		if err != nil {
			status = errs.GetKind(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		s.metrics.CounterInc(metrics.ScanRequestsTotal.Name, "status", status)
		span.End()
	}()

	if strings.TrimSpace(req.Code) == "" {
		return nil, errs.E(errs.KindInvalidInput, op, "code is required")
	}
	if err := s.verifier.Check(req.Wallet, req.Code, req.Signature); err != nil {
		s.logger.Warn("rejected request from %s: %v", req.Wallet, err)
		s.audit.ScanRejected(req.Wallet, err)
		return nil, err
	}
	s.audit.ScanAccepted(req.Wallet, len(req.Code))

	s.logger.Info("new request from %s (%d bytes)", req.Wallet, len(req.Code))

	start := time.Now()
	gen, err := s.generator.Generate(ctx, model.RenderPrompt(s.template, req.Code))
	s.metrics.HistogramObserve(metrics.ScanModelDuration.Name, time.Since(start).Seconds())
	if err != nil {
		err = errs.E(op, "model analysis", err)
		s.audit.ScanFailed(req.Wallet, err)
		return nil, err
	}

	rep, err := report.Extract(gen.Text)
	if err != nil {
		s.audit.ScanFailed(req.Wallet, err)
		return nil, err
	}
	if verr := rep.Validate(); verr != nil {
		s.logger.Debug("report from %s is off-shape: %v", req.Wallet, verr)
	}

	res, err := s.anchorer.Anchor(ctx, rep)
	if err != nil {
		return nil, err
	}

	return &Response{
		Report:       rep,
		RawOutput:    gen.Text,
		IPFSCID:      res.CID,
		TxHash:       res.TransactionField(),
		Digest:       res.Digest.Hex(),
		AnchorStatus: res.Status,
		AnchorID:     res.AnchorID,
		Summary:      rep.Summarize(),
	}, nil
}
