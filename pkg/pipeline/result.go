package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Status is the outcome of an anchor operation.
type Status string

const (
	// StatusConfirmed means the registration was mined successfully.
	StatusConfirmed Status = "confirmed"

	// StatusPending means the registration was broadcast but not mined within
	// the confirmation timeout. It may still land.
	StatusPending Status = "pending"

	// StatusReverted means the registration was mined and reverted.
	StatusReverted Status = "reverted"

	// StatusPublishFailed means the content store never returned a CID.
	StatusPublishFailed Status = "publish_failed"

	// StatusSubmitFailed means the content was stored but never registered.
	StatusSubmitFailed Status = "submit_failed"

	// StatusDisabled means anchoring is not configured.
	StatusDisabled Status = "disabled"
)

// Stage names an anchoring step.
type Stage string

const (
	StagePublish Stage = "publish"
	StageSubmit  Stage = "submit"
	StageConfirm Stage = "confirm"
	StageAnchor  Stage = "anchor"
)

// FailurePrefix starts every failure marker.
const FailurePrefix = "Failed: "

// Result is the traceability outcome of one report.
type Result struct {
	AnchorID string        `json:"anchor_id"`
	Digest   digest.Digest `json:"digest"`

	// CID is the content identifier, or NotAvailable when publishing failed.
	CID string `json:"ipfs_cid"`

	// TxHash is the registration transaction hash, empty when none was
	// broadcast.
	TxHash string `json:"tx_hash,omitempty"`

	Status Status `json:"anchor_status"`

	// Failure is the failure marker for anything short of confirmed.
	Failure string `json:"failure,omitempty"`

	PublishAttempts int `json:"publish_attempts,omitempty"`
	SubmitAttempts  int `json:"submit_attempts,omitempty"`

	BlockNumber uint64    `json:"block_number,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// TransactionField is the value reported to callers as the transaction hash:
// the hash when the registration is confirmed or still pending, the failure
// marker otherwise. A confirmation timeout is pending, so callers get the
// real hash to poll with instead of a "Failed: ..." string.
func (r *Result) TransactionField() string {
	switch r.Status {
	case StatusConfirmed, StatusPending:
		if r.TxHash != "" {
			return r.TxHash
		}
	}
	return r.Failure
}

// Anchored reports whether the digest reached the ledger.
func (r *Result) Anchored() bool {
	return r.Status == StatusConfirmed
}

// IsFailureMarker reports whether s is a failure marker rather than a hash.
func IsFailureMarker(s string) bool {
	return strings.HasPrefix(s, FailurePrefix)
}

// FailureMarker renders "Failed: <stage>[<cause>]: <detail>".
func FailureMarker(stage Stage, cause, detail string) string {
	return fmt.Sprintf("%s%s[%s]: %s", FailurePrefix, stage, cause, detail)
}

// failureCause names the reason for a failed stage.
func failureCause(err error) string {
	if se, ok := errs.IsStatusError(err); ok {
		return fmt.Sprintf("http_%d", se.StatusCode)
	}
	switch errs.GetKind(err) {
	case errs.KindLedgerSubmission:
		return errs.GetCause(err).String()
	case errs.KindConfirmationTimeout:
		return "timeout"
	case errs.KindPublish:
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "timeout"
		case wrapsKind(err, errs.KindNetwork):
			return "network"
		}
		return "publish"
	default:
		return errs.GetKind(err).String()
	}
}

func wrapsKind(err error, k errs.Kind) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if e, ok := err.(*errs.Error); ok && e.Kind == k {
			return true
		}
	}
	return false
}
