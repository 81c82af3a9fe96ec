package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// TxStatus is the observed state of a submitted transaction.
type TxStatus string

const (
	// TxConfirmed means the transaction was mined and succeeded.
	TxConfirmed TxStatus = "confirmed"

	// TxReverted means the transaction was mined and failed.
	TxReverted TxStatus = "reverted"

	// TxPending means the node knows the transaction but it is not mined yet,
	// or a bounded wait ran out before it was.
	TxPending TxStatus = "pending"

	// TxUnknown means the node has no record of the transaction.
	TxUnknown TxStatus = "unknown"
)

// Confirmation describes a transaction's inclusion state.
type Confirmation struct {
	TxHash      common.Hash `json:"tx_hash"`
	Status      TxStatus    `json:"status"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
}

// AwaitConfirmation polls for the receipt of hash until it is mined or
// timeout elapses (timeout <= 0 waits on ctx alone).
//
//   - mined, status 1: TxConfirmed, nil error
//   - mined, status 0: TxReverted, ledger submission error with cause reverted
//   - not mined in time: TxPending, confirmation timeout error
//
// A timeout is not a failure: the transaction may still land. Transient
// receipt lookup errors are logged and polling continues.
func (c *Client) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*Confirmation, error) {
	const op = "ledger.AwaitConfirmation"

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return confirmationFromReceipt(op, hash, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			c.logger.Debug("receipt lookup for %s: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return &Confirmation{TxHash: hash, Status: TxPending},
				errs.E(errs.KindConfirmationTimeout, op, fmt.Sprintf("transaction %s not mined yet", hash.Hex()), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status performs one lookup of hash without waiting.
func (c *Client) Status(ctx context.Context, hash common.Hash) (*Confirmation, error) {
	const op = "ledger.Status"

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		conf, _ := confirmationFromReceipt(op, hash, receipt)
		return conf, nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return nil, errs.E(errs.KindNetwork, op, "receipt lookup", err)
	}

	_, _, err = c.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		return &Confirmation{TxHash: hash, Status: TxPending}, nil
	case errors.Is(err, ethereum.NotFound):
		return &Confirmation{TxHash: hash, Status: TxUnknown}, nil
	default:
		return nil, errs.E(errs.KindNetwork, op, "transaction lookup", err)
	}
}

func confirmationFromReceipt(op string, hash common.Hash, r *types.Receipt) (*Confirmation, error) {
	conf := &Confirmation{TxHash: hash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		conf.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		conf.Status = TxConfirmed
		return conf, nil
	}
	conf.Status = TxReverted
	return conf, errs.E(errs.KindLedgerSubmission, errs.CauseReverted, op,
		fmt.Sprintf("transaction %s reverted in block %d", hash.Hex(), conf.BlockNumber))
}
