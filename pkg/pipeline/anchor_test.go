package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
	"github.com/exploopio/audit-anchor/pkg/journal"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
)

// mockPublisher implements Publisher for testing
type mockPublisher struct {
	publishFunc func(ctx context.Context, data []byte) (string, error)
	calls       int32
	mu          sync.Mutex
	last        []byte
}

func (m *mockPublisher) Publish(ctx context.Context, data []byte) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.last = append([]byte(nil), data...)
	m.mu.Unlock()
	if m.publishFunc != nil {
		return m.publishFunc(ctx, data)
	}
	return "CID123", nil
}

// mockSubmitter implements Submitter for testing
type mockSubmitter struct {
	submitFunc func(ctx context.Context, d digest.Digest, cid string) (common.Hash, error)
	awaitFunc  func(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Confirmation, error)
	submits    int32
	awaits     int32
	gotDigest  digest.Digest
	gotCID     string
	gotTimeout time.Duration
	mu         sync.Mutex
}

var knownTxHash = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000001234")

func (m *mockSubmitter) SubmitRegistration(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
	atomic.AddInt32(&m.submits, 1)
	m.mu.Lock()
	m.gotDigest, m.gotCID = d, cid
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(ctx, d, cid)
	}
	return knownTxHash, nil
}

func (m *mockSubmitter) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Confirmation, error) {
	atomic.AddInt32(&m.awaits, 1)
	m.mu.Lock()
	m.gotTimeout = timeout
	m.mu.Unlock()
	if m.awaitFunc != nil {
		return m.awaitFunc(ctx, hash, timeout)
	}
	return &ledger.Confirmation{TxHash: hash, Status: ledger.TxConfirmed, BlockNumber: 7}, nil
}

// mockJournal implements Journal for testing
type mockJournal struct {
	mu      sync.Mutex
	entries []*journal.Entry
	err     error
}

func (m *mockJournal) Record(ctx context.Context, e *journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func fastConfig() *Config {
	return &Config{
		PublishTimeout: time.Second,
		SubmitTimeout:  time.Second,
		ConfirmTimeout: time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func exampleReport() map[string]any {
	return map[string]any{
		"vulnerabilities": []any{
			map[string]any{"severity": "high", "explanation": "...", "category": "reentrancy"},
		},
		"pragma": "^0.8.0",
		"name":   "Foo.sol",
	}
}

func networkPublishError() error {
	return errs.E(errs.KindPublish, "ipfs.Publish", "http request",
		errs.E(errs.KindNetwork, "ipfs.Publish", errors.New("dial tcp: connection refused")))
}

func TestAnchor_EndToEnd(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubmitter{}
	p := New(fastConfig(), pub, sub)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	wantBytes := `{"name":"Foo.sol","pragma":"^0.8.0","vulnerabilities":[{"category":"reentrancy","explanation":"...","severity":"high"}]}`
	if string(pub.last) != wantBytes {
		t.Errorf("published bytes = %s, want %s", pub.last, wantBytes)
	}

	wantDigest := "0x7db62b69a0045f80b2f889b620c5b2b0e784aec47f62f445fcf16c5ea5d19ba6"
	if res.Digest.Hex() != wantDigest {
		t.Errorf("Digest = %s, want %s", res.Digest.Hex(), wantDigest)
	}
	if sub.gotDigest != res.Digest || sub.gotCID != "CID123" {
		t.Errorf("submitted (%s, %s), want (%s, CID123)", sub.gotDigest.Hex(), sub.gotCID, res.Digest.Hex())
	}

	if res.CID != "CID123" {
		t.Errorf("CID = %q, want CID123", res.CID)
	}
	if res.TransactionField() != knownTxHash.Hex() {
		t.Errorf("TransactionField() = %q, want %q", res.TransactionField(), knownTxHash.Hex())
	}
	if res.Status != StatusConfirmed || !res.Anchored() {
		t.Errorf("Status = %v, want confirmed", res.Status)
	}
	if res.BlockNumber != 7 {
		t.Errorf("BlockNumber = %d, want 7", res.BlockNumber)
	}
	if res.Failure != "" {
		t.Errorf("Failure = %q, want empty", res.Failure)
	}
	if sub.gotTimeout != time.Second {
		t.Errorf("confirmation timeout = %v, want 1s", sub.gotTimeout)
	}
}

func TestAnchor_PublishFailureSoftFails(t *testing.T) {
	pub := &mockPublisher{publishFunc: func(ctx context.Context, data []byte) (string, error) {
		return "", networkPublishError()
	}}
	sub := &mockSubmitter{}
	p := New(fastConfig(), pub, sub)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor must not return publish errors, got %v", err)
	}

	if res.CID != NotAvailable {
		t.Errorf("CID = %q, want %q", res.CID, NotAvailable)
	}
	if res.Status != StatusPublishFailed {
		t.Errorf("Status = %v, want publish_failed", res.Status)
	}
	if !IsFailureMarker(res.TransactionField()) {
		t.Errorf("TransactionField() = %q, want failure marker", res.TransactionField())
	}
	if !strings.HasPrefix(res.TransactionField(), "Failed: publish[network]: ") {
		t.Errorf("marker = %q, want publish/network marker", res.TransactionField())
	}
	if got := atomic.LoadInt32(&pub.calls); got != 3 {
		t.Errorf("publish calls = %d, want 3 (bounded retry)", got)
	}
	if res.PublishAttempts != 3 {
		t.Errorf("PublishAttempts = %d, want 3", res.PublishAttempts)
	}
	if atomic.LoadInt32(&sub.submits) != 0 {
		t.Error("nothing should be submitted without a CID")
	}
}

func TestAnchor_PublishRejectedNotRetried(t *testing.T) {
	pub := &mockPublisher{publishFunc: func(ctx context.Context, data []byte) (string, error) {
		return "", errs.E(errs.KindPublish, "ipfs.Publish", "upload rejected",
			&errs.StatusError{StatusCode: 401, Body: `{"error":"Invalid API key"}`})
	}}
	p := New(fastConfig(), pub, &mockSubmitter{})

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if got := atomic.LoadInt32(&pub.calls); got != 1 {
		t.Errorf("publish calls = %d, want 1", got)
	}
	if !strings.HasPrefix(res.Failure, "Failed: publish[http_401]: ") {
		t.Errorf("Failure = %q", res.Failure)
	}
}

func TestAnchor_PublishRecoversOnRetry(t *testing.T) {
	var n int32
	pub := &mockPublisher{publishFunc: func(ctx context.Context, data []byte) (string, error) {
		if atomic.AddInt32(&n, 1) == 1 {
			return "", errs.E(errs.KindPublish, "ipfs.Publish", "upload rejected", &errs.StatusError{StatusCode: 503})
		}
		return "CID123", nil
	}}
	collector := metrics.NewInMemoryCollector()
	p := New(fastConfig(), pub, &mockSubmitter{}, WithMetrics(collector))

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if res.Status != StatusConfirmed || res.PublishAttempts != 2 {
		t.Errorf("Status = %v after %d attempts, want confirmed after 2", res.Status, res.PublishAttempts)
	}
	if got := collector.GetCounter(metrics.AnchorRetriesTotal.Name, "stage", "publish"); got != 1 {
		t.Errorf("publish retries = %v, want 1", got)
	}
}

func TestAnchor_StaleNonceKeepsCID(t *testing.T) {
	staleNonce := ledger.ClassifySubmitError("ledger.SubmitRegistration", errors.New("nonce too low: next nonce 5, tx nonce 4"))
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
		return common.Hash{}, staleNonce
	}}
	p := New(fastConfig(), &mockPublisher{}, sub)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor must not return submit errors, got %v", err)
	}

	if res.CID != "CID123" {
		t.Errorf("CID = %q, want the published CID", res.CID)
	}
	if res.Status != StatusSubmitFailed {
		t.Errorf("Status = %v, want submit_failed", res.Status)
	}
	marker := res.TransactionField()
	if !strings.HasPrefix(marker, "Failed: submit[stale_nonce]: ") {
		t.Errorf("marker = %q, want submit/stale_nonce marker", marker)
	}
	if strings.HasPrefix(marker, "Failed: publish") {
		t.Error("submit failure must be distinguishable from publish failure")
	}
	if got := atomic.LoadInt32(&sub.submits); got != 1 {
		t.Errorf("submits = %d, want 1 (stale nonce is not retried here)", got)
	}
	if atomic.LoadInt32(&sub.awaits) != 0 {
		t.Error("nothing to confirm after a failed submission")
	}
}

func TestAnchor_SubmitNetworkRetried(t *testing.T) {
	var n int32
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
		if atomic.AddInt32(&n, 1) < 3 {
			return common.Hash{}, ledger.ClassifySubmitError("op", errors.New("dial tcp 10.0.0.1:8545: connect: connection refused"))
		}
		return knownTxHash, nil
	}}
	p := New(fastConfig(), &mockPublisher{}, sub)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Errorf("Status = %v, want confirmed", res.Status)
	}
	if res.SubmitAttempts != 3 {
		t.Errorf("SubmitAttempts = %d, want 3", res.SubmitAttempts)
	}
}

func TestAnchor_InsufficientFundsNotRetried(t *testing.T) {
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
		return common.Hash{}, ledger.ClassifySubmitError("op", errors.New("insufficient funds for gas * price + value"))
	}}
	p := New(fastConfig(), &mockPublisher{}, sub)

	res, _ := p.Anchor(context.Background(), exampleReport())
	if got := atomic.LoadInt32(&sub.submits); got != 1 {
		t.Errorf("submits = %d, want 1", got)
	}
	if !strings.HasPrefix(res.Failure, "Failed: submit[insufficient_funds]: ") {
		t.Errorf("Failure = %q", res.Failure)
	}
}

func TestAnchor_ConfirmationTimeoutIsPending(t *testing.T) {
	sub := &mockSubmitter{awaitFunc: func(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Confirmation, error) {
		return &ledger.Confirmation{TxHash: hash, Status: ledger.TxPending},
			errs.E(errs.KindConfirmationTimeout, "ledger.AwaitConfirmation", "not mined yet", context.DeadlineExceeded)
	}}
	p := New(fastConfig(), &mockPublisher{}, sub)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("Status = %v, want pending", res.Status)
	}
	if res.TransactionField() != knownTxHash.Hex() {
		t.Errorf("pending result should report the hash, got %q", res.TransactionField())
	}
	if !strings.HasPrefix(res.Failure, "Failed: confirm[timeout]: ") {
		t.Errorf("Failure = %q", res.Failure)
	}
	if res.CID != "CID123" {
		t.Errorf("CID = %q", res.CID)
	}
}

func TestAnchor_Reverted(t *testing.T) {
	sub := &mockSubmitter{awaitFunc: func(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Confirmation, error) {
		return &ledger.Confirmation{TxHash: hash, Status: ledger.TxReverted, BlockNumber: 9},
			errs.E(errs.KindLedgerSubmission, errs.CauseReverted, "ledger.AwaitConfirmation", "reverted")
	}}
	var failed *Result
	cfg := fastConfig()
	cfg.OnFailed = func(r *Result, err error) { failed = r }
	p := New(cfg, &mockPublisher{}, sub)

	res, _ := p.Anchor(context.Background(), exampleReport())
	if res.Status != StatusReverted {
		t.Errorf("Status = %v, want reverted", res.Status)
	}
	if !strings.HasPrefix(res.TransactionField(), "Failed: confirm[reverted]: ") {
		t.Errorf("TransactionField() = %q", res.TransactionField())
	}
	if res.TxHash != knownTxHash.Hex() || res.BlockNumber != 9 {
		t.Errorf("hash/block not kept: %s %d", res.TxHash, res.BlockNumber)
	}
	if failed != res {
		t.Error("OnFailed should receive the reverted result")
	}
}

func TestAnchor_SerializationFailsFast(t *testing.T) {
	pub := &mockPublisher{}
	p := New(fastConfig(), pub, &mockSubmitter{})

	for name, report := range map[string]any{
		"nan":     map[string]any{"score": math.NaN()},
		"channel": map[string]any{"c": make(chan int)},
		"bad key": map[int]any{1: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := p.Anchor(context.Background(), report)
			if err == nil {
				t.Fatal("expected serialization error")
			}
			if !errs.IsSerializationError(err) {
				t.Errorf("error kind = %v, want serialization", errs.GetKind(err))
			}
			if res != nil {
				t.Error("no partial result on serialization failure")
			}
		})
	}
	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Error("no network call may happen after a serialization failure")
	}
}

func TestAnchor_Disabled(t *testing.T) {
	j := &mockJournal{}
	p := New(nil, nil, nil, WithJournal(j))
	if p.Enabled() {
		t.Fatal("pipeline without collaborators should be disabled")
	}

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if res.Status != StatusDisabled || res.CID != NotAvailable {
		t.Errorf("got %v/%q, want disabled/N/A", res.Status, res.CID)
	}
	if res.TransactionField() != "Failed: anchor[disabled]: anchoring is not configured" {
		t.Errorf("TransactionField() = %q", res.TransactionField())
	}
	if len(j.entries) != 1 {
		t.Errorf("journal entries = %d, want 1", len(j.entries))
	}
}

func TestAnchor_IgnoresCallerCancellation(t *testing.T) {
	pub := &mockPublisher{publishFunc: func(ctx context.Context, data []byte) (string, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if _, ok := ctx.Deadline(); !ok {
			return "", errors.New("publish must run under its own timeout")
		}
		return "CID123", nil
	}}
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
		if ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}
		return knownTxHash, nil
	}}
	p := New(fastConfig(), pub, sub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Anchor(ctx, exampleReport())
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Errorf("Status = %v (%s), want confirmed despite caller cancellation", res.Status, res.Failure)
	}
}

func TestAnchor_JournalMetricsHooksStats(t *testing.T) {
	j := &mockJournal{err: errors.New("disk full")}
	collector := metrics.NewInMemoryCollector()
	var completed int32
	cfg := fastConfig()
	cfg.OnCompleted = func(r *Result) { atomic.AddInt32(&completed, 1) }

	p := New(cfg, &mockPublisher{}, &mockSubmitter{},
		WithJournal(j),
		WithMetrics(collector),
		WithLocalCID(func(b []byte) (string, error) { return "bafk-local", nil }),
	)

	res, err := p.Anchor(context.Background(), exampleReport())
	if err != nil {
		t.Fatalf("journal errors must not fail the anchor: %v", err)
	}

	if len(j.entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(j.entries))
	}
	e := j.entries[0]
	if e.ID != res.AnchorID || e.CID != "CID123" || e.TxHash != knownTxHash.Hex() || e.Status != "confirmed" {
		t.Errorf("journal entry = %+v", e)
	}
	if e.LocalCID != "bafk-local" || len(e.Payload) == 0 {
		t.Errorf("journal entry missing payload or local CID: %+v", e)
	}

	if got := collector.GetCounter(metrics.AnchorRequestsTotal.Name, "status", "confirmed"); got != 1 {
		t.Errorf("anchor_requests_total{confirmed} = %v, want 1", got)
	}
	if got := len(collector.GetHistogram(metrics.AnchorStageDuration.Name, "stage", "publish")); got != 1 {
		t.Errorf("publish stage observations = %d, want 1", got)
	}
	if got := collector.GetGauge(metrics.AnchorInFlight.Name); got != 0 {
		t.Errorf("anchor_in_flight = %v after completion, want 0", got)
	}
	if atomic.LoadInt32(&completed) != 1 {
		t.Error("OnCompleted not called")
	}

	stats := p.GetStats()
	if stats.Started != 1 || stats.Confirmed != 1 || stats.InProgress != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{RetryAttempts: 5}).withDefaults()
	if cfg.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.RetryAttempts)
	}
	if cfg.PublishTimeout != 60*time.Second || cfg.SubmitTimeout != 30*time.Second || cfg.ConfirmTimeout != 60*time.Second {
		t.Errorf("timeouts = %v/%v/%v", cfg.PublishTimeout, cfg.SubmitTimeout, cfg.ConfirmTimeout)
	}

	var nilCfg *Config
	if nilCfg.withDefaults().RetryAttempts != 3 {
		t.Error("nil config should use defaults")
	}
}

func TestFailureMarker(t *testing.T) {
	got := FailureMarker(StageSubmit, "stale_nonce", "nonce too low")
	if got != "Failed: submit[stale_nonce]: nonce too low" {
		t.Errorf("FailureMarker = %q", got)
	}
	if !IsFailureMarker(got) || IsFailureMarker(knownTxHash.Hex()) {
		t.Error("IsFailureMarker misclassifies")
	}

	long := strings.Repeat("x", 2000)
	if len(truncate(long)) != maxFailureInfo+3 {
		t.Errorf("truncate length = %d", len(truncate(long)))
	}
	wide := "x" + strings.Repeat("é", maxFailureInfo)
	if got := truncate(wide); !utf8.ValidString(got) {
		t.Errorf("truncate split a rune: %q", got[len(got)-8:])
	}
}
