// Package audit keeps an append-only trail of security-relevant service
// events as JSON lines: scan requests and rejections, anchoring outcomes and
// verification runs.
//
// The trail complements the journal, which stores report payloads, and the
// operational log. A nil *Logger is valid and records nothing.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exploopio/audit-anchor/pkg/pipeline"
	"github.com/exploopio/audit-anchor/pkg/verify"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Lifecycle events
	EventServiceStart EventType = "service_start"
	EventServiceStop  EventType = "service_stop"

	// Scan events
	EventScanAccepted EventType = "scan_accepted"
	EventScanRejected EventType = "scan_rejected"
	EventScanFailed   EventType = "scan_failed"

	// Anchor events
	EventAnchorConfirmed EventType = "anchor_confirmed"
	EventAnchorPending   EventType = "anchor_pending"
	EventAnchorFailed    EventType = "anchor_failed"
	EventAnchorDisabled  EventType = "anchor_disabled"

	// Verification events
	EventVerifyCompleted EventType = "verify_completed"
	EventVerifyMismatch  EventType = "verify_mismatch"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents an audit event.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"type"`
	Severity   Severity       `json:"severity"`
	Wallet     string         `json:"wallet,omitempty"`
	AnchorID   string         `json:"anchor_id,omitempty"`
	Digest     string         `json:"digest,omitempty"`
	CID        string         `json:"cid,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Message    string         `json:"message"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Config configures the audit trail.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Path is the trail file. Default: ~/.audit-anchor/audit.log
	Path string `yaml:"path"`

	// BufferSize is the number of events to buffer before flushing.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often buffered events are written.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns sensible defaults. The trail is off by default.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = os.TempDir()
	}
	return &Config{
		Path:          filepath.Join(home, ".audit-anchor", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the audit trail writer.
type Logger struct {
	config Config
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	flushes sync.WaitGroup

	now func() time.Time
}

// NewLogger opens the trail file for appending.
func NewLogger(cfg *Config) (*Logger, error) {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	c := *cfg
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	// owner read/write, group read
	file, err := os.OpenFile(c.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	return &Logger{
		config: c,
		file:   file,
		buffer: make([]Event, 0, c.BufferSize),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Path returns the trail file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.config.Path
}

// Start begins background flushing.
func (l *Logger) Start() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop flushes remaining events and closes the file.
func (l *Logger) Stop() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.flushes.Wait()
	l.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Log records an event.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if shouldFlush {
		l.flushes.Add(1)
		go func() {
			defer l.flushes.Done()
			l.Flush()
		}()
	}
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}
	_ = l.file.Sync()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// ServiceStart records startup.
func (l *Logger) ServiceStart(version string, anchoring bool) {
	l.Log(Event{
		Type:    EventServiceStart,
		Message: "service started",
		Details: map[string]any{"version": version, "anchoring": anchoring},
	})
}

// ServiceStop records shutdown.
func (l *Logger) ServiceStop() {
	l.Log(Event{Type: EventServiceStop, Message: "service stopped"})
}

// ScanAccepted records a request that passed input and signature checks.
func (l *Logger) ScanAccepted(wallet string, codeBytes int) {
	l.Log(Event{
		Type:    EventScanAccepted,
		Wallet:  wallet,
		Message: "scan accepted",
		Details: map[string]any{"code_bytes": codeBytes},
	})
}

// ScanRejected records a request refused before analysis.
func (l *Logger) ScanRejected(wallet string, err error) {
	l.Log(Event{
		Type:     EventScanRejected,
		Severity: SeverityWarning,
		Wallet:   wallet,
		Message:  "scan rejected",
		Error:    errString(err),
	})
}

// ScanFailed records a request that failed during analysis.
func (l *Logger) ScanFailed(wallet string, err error) {
	l.Log(Event{
		Type:     EventScanFailed,
		Severity: SeverityError,
		Wallet:   wallet,
		Message:  "scan failed",
		Error:    errString(err),
	})
}

// Anchor records an anchoring outcome. It fits pipeline.Config.OnCompleted.
func (l *Logger) Anchor(res *pipeline.Result) {
	if l == nil || res == nil {
		return
	}
	e := Event{
		AnchorID:   res.AnchorID,
		Digest:     res.Digest.Hex(),
		CID:        res.CID,
		TxHash:     res.TxHash,
		Error:      res.Failure,
		DurationMs: res.DurationMs,
		Details: map[string]any{
			"publish_attempts": res.PublishAttempts,
			"submit_attempts":  res.SubmitAttempts,
		},
	}
	switch res.Status {
	case pipeline.StatusConfirmed:
		e.Type, e.Message = EventAnchorConfirmed, "report anchored"
		e.Details["block_number"] = res.BlockNumber
	case pipeline.StatusPending:
		e.Type, e.Severity, e.Message = EventAnchorPending, SeverityWarning, "registration not confirmed in time"
	case pipeline.StatusDisabled:
		e.Type, e.Message = EventAnchorDisabled, "anchoring disabled"
	default:
		e.Type, e.Severity, e.Message = EventAnchorFailed, SeverityError, "anchoring failed at "+string(res.Status)
	}
	l.Log(e)
}

// Verify records a verification run, with one critical event per
// registration whose content no longer matches its on-chain digest.
func (l *Logger) Verify(rep *verify.Report) {
	if l == nil || rep == nil {
		return
	}
	sev := SeverityInfo
	if !rep.OK() {
		sev = SeverityWarning
	}
	l.Log(Event{
		Type:       EventVerifyCompleted,
		Severity:   sev,
		Message:    fmt.Sprintf("%d of %d registrations verified", rep.Verified, rep.Total),
		DurationMs: rep.DurationMs,
		Details: map[string]any{
			"from_block":  rep.FromBlock,
			"mismatched":  rep.Mismatched,
			"unavailable": rep.Unavailable,
			"undecodable": rep.Undecodable,
		},
	})
	for _, rec := range rep.Records {
		if rec.Outcome != verify.OutcomeMismatch {
			continue
		}
		e := Event{
			Type:     EventVerifyMismatch,
			Severity: SeverityCritical,
			Digest:   rec.ReportHash.Hex(),
			CID:      rec.IpfsCID,
			TxHash:   rec.TxHash.Hex(),
			Message:  "published content does not match the registered digest",
			Details:  map[string]any{"index": rec.Index, "block_number": rec.BlockNumber},
		}
		if rec.Computed != nil {
			e.Details["computed"] = rec.Computed.Hex()
		}
		l.Log(e)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
