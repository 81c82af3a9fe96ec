// Package errors provides the typed error taxonomy used across the anchoring service.
//
// Errors carry a Kind so callers can route them without string matching: the
// analysis path treats every kind as fatal, the anchoring path downgrades them
// into a descriptive failure marker.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all service errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Cause refines KindLedgerSubmission errors.
	Cause Cause

	// Op is the operation being performed (e.g., "ledger.SubmitRegistration")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindAuthentication
	KindNotFound
	KindRateLimit
	KindTimeout
	KindNetwork
	KindInternal
	KindSerialization
	KindModelOutput
	KindPublish
	KindLedgerSubmission
	KindConfirmationTimeout
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindInternal:
		return "internal"
	case KindSerialization:
		return "serialization"
	case KindModelOutput:
		return "model_output"
	case KindPublish:
		return "publish"
	case KindLedgerSubmission:
		return "ledger_submission"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Cause classifies why a ledger submission failed.
type Cause uint8

const (
	CauseUnknown Cause = iota
	CauseInsufficientFunds
	CauseStaleNonce
	CauseGasExhausted
	CauseNetworkUnavailable
	CauseReverted
)

func (c Cause) String() string {
	switch c {
	case CauseInsufficientFunds:
		return "insufficient_funds"
	case CauseStaleNonce:
		return "stale_nonce"
	case CauseGasExhausted:
		return "gas_exhausted"
	case CauseNetworkUnavailable:
		return "network_unavailable"
	case CauseReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// A target with a non-zero Cause also has to match the cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Cause != CauseUnknown && e.Cause != t.Cause {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Status Error
// =============================================================================

// StatusError records a non-success HTTP response from an upstream service.
type StatusError struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, Cause, string (Op then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case Cause:
			e.Cause = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Cause: GetCause(err), Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the outermost classified error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// GetCause returns the ledger Cause of the error, or CauseUnknown.
func GetCause(err error) Cause {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return CauseUnknown
		}
		if e.Cause != CauseUnknown {
			return e.Cause
		}
		err = e.Err
	}
	return CauseUnknown
}

// IsStatusError checks if err carries an upstream HTTP status and returns it.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsSerializationError reports a malformed report (caller bug).
func IsSerializationError(err error) bool {
	return GetKind(err) == KindSerialization
}

// IsModelOutputError reports model output that did not contain usable JSON.
func IsModelOutputError(err error) bool {
	return GetKind(err) == KindModelOutput
}

// IsPublishError reports a failed content-store upload.
func IsPublishError(err error) bool {
	return GetKind(err) == KindPublish
}

// IsLedgerSubmissionError reports a failed ledger submission.
func IsLedgerSubmissionError(err error) bool {
	return GetKind(err) == KindLedgerSubmission
}

// IsConfirmationTimeout reports a submitted transaction whose inclusion is still unknown.
func IsConfirmationTimeout(err error) bool {
	return GetKind(err) == KindConfirmationTimeout
}

// IsNotFoundError checks if the error is a not found error.
func IsNotFoundError(err error) bool {
	if GetKind(err) == KindNotFound {
		return true
	}
	if se, ok := IsStatusError(err); ok {
		return se.StatusCode == http.StatusNotFound
	}
	return false
}

// IsDecodeError checks if the error is a decode error.
func IsDecodeError(err error) bool {
	return GetKind(err) == KindDecode
}

// IsNetworkError checks if the error is a network error.
func IsNetworkError(err error) bool {
	return GetKind(err) == KindNetwork
}

// IsTimeoutError checks if the error is a timeout error.
func IsTimeoutError(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsRetryable checks if the error is retryable.
//
// Ledger submissions are retryable except when funds are insufficient (operator
// action needed) or the transaction was mined and reverted. A confirmation
// timeout is not retryable: the transaction may still land.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindRateLimit, KindNetwork, KindTimeout, KindPublish, KindModelOutput:
		return true
	case KindLedgerSubmission:
		switch GetCause(err) {
		case CauseInsufficientFunds, CauseReverted:
			return false
		default:
			return true
		}
	case KindConfirmationTimeout, KindSerialization, KindInvalidInput, KindAuthentication:
		return false
	}
	if se, ok := IsStatusError(err); ok {
		// Retry on 5xx errors (except 501 Not Implemented)
		return se.StatusCode == http.StatusTooManyRequests ||
			(se.StatusCode >= 500 && se.StatusCode != http.StatusNotImplemented)
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrTimeout is returned when an operation times out.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrAnchoringDisabled is returned when ledger or pinning credentials are not configured.
	ErrAnchoringDisabled = &Error{Kind: KindInternal, Message: "anchoring is not configured"}

	// ErrSignatureMismatch is returned when a request signature does not recover to the wallet.
	ErrSignatureMismatch = &Error{Kind: KindAuthentication, Message: "signature does not match wallet"}
)
