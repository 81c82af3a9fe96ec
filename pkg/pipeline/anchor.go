package pipeline

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/exploopio/audit-anchor/pkg/canonical"
	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/journal"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/retry"
)

const (
	journalTimeout  = 5 * time.Second
	maxFailureInfo  = 512
	disabledDetail  = "anchoring is not configured"
	disabledCause   = "disabled"
	unexpectedCause = "unexpected"
)

// Anchor canonicalizes report, publishes the canonical bytes and registers
// their digest with the CID on the ledger.
//
// Only a canonicalization failure is returned as an error; no network call is
// made in that case. Every later failure is captured in the Result:
//
//   - publish fails: CID is NotAvailable, status publish_failed
//   - submit fails: CID kept, status submit_failed
//   - not mined in time: CID and hash kept, status pending
//   - mined and reverted: status reverted
//
// Once publishing begins the run no longer follows ctx cancellation; each
// stage is bounded by its own timeout instead.
func (p *Pipeline) Anchor(ctx context.Context, report any) (*Result, error) {
	const op = "pipeline.Anchor"

	data, err := canonical.Marshal(report)
	if err != nil {
		return nil, errs.E(errs.KindSerialization, op, "canonicalize report", err)
	}

	res := &Result{
		AnchorID:  uuid.NewString(),
		Digest:    digest.Sum(data),
		CID:       NotAvailable,
		StartedAt: time.Now().UTC(),
	}

	atomic.AddInt64(&p.started, 1)
	atomic.AddInt32(&p.inProgress, 1)
	defer atomic.AddInt32(&p.inProgress, -1)
	p.metrics.GaugeInc(metrics.AnchorInFlight.Name)
	defer p.metrics.GaugeDec(metrics.AnchorInFlight.Name)

	if !p.Enabled() {
		res.Status = StatusDisabled
		res.Failure = FailureMarker(StageAnchor, disabledCause, disabledDetail)
		p.finish(ctx, res, data, errs.ErrAnchoringDisabled)
		return res, nil
	}

	actx, span := p.tracer.Start(context.WithoutCancel(ctx), "anchor", trace.WithAttributes(
		attribute.String("anchor.id", res.AnchorID),
		attribute.String("anchor.digest", res.Digest.Hex()),
		attribute.Int("anchor.bytes", len(data)),
	))
	defer span.End()

	cid, err := p.publish(actx, data, res)
	if err != nil {
		res.Status = StatusPublishFailed
		res.Failure = FailureMarker(StagePublish, failureCause(err), truncate(err.Error()))
		p.finish(actx, res, data, err)
		return res, nil
	}
	res.CID = cid
	span.SetAttributes(attribute.String("anchor.cid", cid))

	hash, err := p.submit(actx, res.Digest, cid, res)
	if err != nil {
		res.Status = StatusSubmitFailed
		res.Failure = FailureMarker(StageSubmit, failureCause(err), truncate(err.Error()))
		p.finish(actx, res, data, err)
		return res, nil
	}
	res.TxHash = hash.Hex()
	span.SetAttributes(attribute.String("anchor.tx_hash", res.TxHash))

	conf, err := p.confirm(actx, hash)
	if conf != nil {
		res.BlockNumber = conf.BlockNumber
	}
	switch {
	case err == nil:
		res.Status = StatusConfirmed
	case errs.GetCause(err) == errs.CauseReverted:
		res.Status = StatusReverted
		res.Failure = FailureMarker(StageConfirm, failureCause(err), truncate(err.Error()))
	default:
		res.Status = StatusPending
		res.Failure = FailureMarker(StageConfirm, failureCause(err), truncate(err.Error()))
	}
	p.finish(actx, res, data, err)
	return res, nil
}

func (p *Pipeline) publish(ctx context.Context, data []byte, res *Result) (string, error) {
	ctx, span := p.tracer.Start(ctx, "anchor.publish")
	defer span.End()
	timer := metrics.NewTimer(p.metrics, metrics.AnchorStageDuration.Name, "stage", string(StagePublish))
	defer timer.ObserveDuration()

	var cid string
	r := retry.Do(ctx, retry.Policy{
		MaxAttempts: p.config.RetryAttempts,
		Backoff:     p.backoff(),
		Retryable:   retryablePublish,
		OnRetry:     p.onRetry(StagePublish),
	}, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()

		c, err := p.publisher.Publish(actx, data)
		if err != nil {
			p.metrics.CounterInc(metrics.AnchorPublishTotal.Name, "status", "failed")
			return err
		}
		p.metrics.CounterInc(metrics.AnchorPublishTotal.Name, "status", "ok")
		cid = c
		return nil
	})

	res.PublishAttempts = r.Attempts
	span.SetAttributes(attribute.Int("attempts", r.Attempts))
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return cid, r.Err
}

func (p *Pipeline) submit(ctx context.Context, d digest.Digest, cid string, res *Result) (common.Hash, error) {
	ctx, span := p.tracer.Start(ctx, "anchor.submit")
	defer span.End()
	timer := metrics.NewTimer(p.metrics, metrics.AnchorStageDuration.Name, "stage", string(StageSubmit))
	defer timer.ObserveDuration()

	var hash common.Hash
	r := retry.Do(ctx, retry.Policy{
		MaxAttempts: p.config.RetryAttempts,
		Backoff:     p.backoff(),
		Retryable:   retryableSubmit,
		OnRetry:     p.onRetry(StageSubmit),
	}, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, p.config.SubmitTimeout)
		defer cancel()

		h, err := p.submitter.SubmitRegistration(actx, d, cid)
		if err != nil {
			p.metrics.CounterInc(metrics.AnchorSubmissionsTotal.Name, "cause", failureCause(err))
			return err
		}
		p.metrics.CounterInc(metrics.AnchorSubmissionsTotal.Name, "cause", "none")
		hash = h
		return nil
	})

	res.SubmitAttempts = r.Attempts
	span.SetAttributes(attribute.Int("attempts", r.Attempts))
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, "submit failed")
	}
	return hash, r.Err
}

func (p *Pipeline) confirm(ctx context.Context, hash common.Hash) (*ledger.Confirmation, error) {
	ctx, span := p.tracer.Start(ctx, "anchor.confirm", trace.WithAttributes(attribute.String("tx_hash", hash.Hex())))
	defer span.End()
	timer := metrics.NewTimer(p.metrics, metrics.AnchorStageDuration.Name, "stage", string(StageConfirm))
	defer timer.ObserveDuration()

	conf, err := p.submitter.AwaitConfirmation(ctx, hash, p.config.ConfirmTimeout)

	status := string(ledger.TxConfirmed)
	switch {
	case conf != nil:
		status = string(conf.Status)
	case err != nil:
		status = unexpectedCause
	}
	p.metrics.CounterInc(metrics.AnchorConfirmationsTotal.Name, "status", status)
	if err != nil {
		span.RecordError(err)
	}
	return conf, err
}

// finish stamps timing, updates counters, journals the outcome and runs
// hooks. Journal failures are logged only.
func (p *Pipeline) finish(ctx context.Context, res *Result, data []byte, err error) {
	res.CompletedAt = time.Now().UTC()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

	switch res.Status {
	case StatusConfirmed:
		atomic.AddInt64(&p.confirmed, 1)
	case StatusPending:
		atomic.AddInt64(&p.pending, 1)
	default:
		atomic.AddInt64(&p.failed, 1)
	}
	p.metrics.CounterInc(metrics.AnchorRequestsTotal.Name, "status", string(res.Status))

	if p.journal != nil {
		p.record(ctx, res, data)
	}

	switch res.Status {
	case StatusConfirmed:
		p.logger.Info("anchored %s digest=%s cid=%s tx=%s in %dms", res.AnchorID, res.Digest.Hex(), res.CID, res.TxHash, res.DurationMs)
	case StatusDisabled:
		p.logger.Debug("anchoring disabled for %s digest=%s", res.AnchorID, res.Digest.Hex())
	default:
		p.logger.Warn("anchor %s ended %s: %s", res.AnchorID, res.Status, res.Failure)
	}

	if p.config.OnCompleted != nil {
		p.config.OnCompleted(res)
	}
	if res.Status != StatusConfirmed && res.Status != StatusPending && p.config.OnFailed != nil {
		p.config.OnFailed(res, err)
	}
}

func (p *Pipeline) record(ctx context.Context, res *Result, data []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	entry := &journal.Entry{
		ID:        res.AnchorID,
		Digest:    res.Digest,
		CID:       res.CID,
		TxHash:    res.TxHash,
		Status:    string(res.Status),
		Failure:   res.Failure,
		Payload:   data,
		CreatedAt: res.StartedAt,
	}
	if p.localCID != nil {
		if c, err := p.localCID(data); err == nil {
			entry.LocalCID = c
		}
	}
	if err := p.journal.Record(ctx, entry); err != nil {
		p.logger.Warn("journal anchor %s: %v", res.AnchorID, err)
	}
}

func (p *Pipeline) onRetry(stage Stage) func(attempt int, err error, wait time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		p.metrics.CounterInc(metrics.AnchorRetriesTotal.Name, "stage", string(stage))
		p.logger.Warn("%s attempt %d/%d failed, retrying in %s: %v", stage, attempt, p.config.RetryAttempts, wait, err)
	}
}

// retryablePublish retries content-store failures except requests the
// service rejected outright; those fail the same way every time.
func retryablePublish(err error) bool {
	if !errs.IsPublishError(err) {
		return false
	}
	if se, ok := errs.IsStatusError(err); ok && se.StatusCode >= 400 && se.StatusCode < 500 {
		return se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// retryableSubmit retries only when the node could not be reached. Other
// causes either need an operator or have already reset the nonce tracker.
func retryableSubmit(err error) bool {
	return errs.IsLedgerSubmissionError(err) && errs.GetCause(err) == errs.CauseNetworkUnavailable
}

func truncate(s string) string {
	return core.Truncate(s, maxFailureInfo)
}
