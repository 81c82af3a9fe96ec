package ledger

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Node error fragments, lowercased. Clients differ in wording, so matching is
// by substring.
var (
	insufficientFundsMarkers = []string{
		"insufficient funds",
		"sender doesn't have enough funds",
	}
	staleNonceMarkers = []string{
		"nonce too low",
		"nonce too high",
		"already known",
		"known transaction",
		"replacement transaction underpriced",
		"invalid nonce",
	}
	gasMarkers = []string{
		"intrinsic gas too low",
		"out of gas",
		"exceeds block gas limit",
		"gas limit reached",
		"gas required exceeds",
		"max fee per gas less than block base fee",
		"transaction underpriced",
	}
	networkMarkers = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"unexpected eof",
		"broken pipe",
		"timeout",
		"503 service unavailable",
		"502 bad gateway",
		"429 too many requests",
	}
)

// ClassifySubmitError maps a node or transport error to a ledger submission
// error with a cause. Already classified errors are returned unchanged.
func ClassifySubmitError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.GetKind(err) != errs.KindUnknown {
		return err
	}
	return errs.E(errs.KindLedgerSubmission, submitCause(err), op, "submission failed", err)
}

func submitCause(err error) errs.Cause {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.CauseNetworkUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.CauseNetworkUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, insufficientFundsMarkers):
		return errs.CauseInsufficientFunds
	case containsAny(msg, staleNonceMarkers):
		return errs.CauseStaleNonce
	case containsAny(msg, gasMarkers):
		return errs.CauseGasExhausted
	case containsAny(msg, networkMarkers):
		return errs.CauseNetworkUnavailable
	default:
		return errs.CauseUnknown
	}
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
