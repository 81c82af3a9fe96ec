package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// CurrentNonce returns the next usable nonce for the signing account, read
// fresh from the node's pending state on every call.
func (c *Client) CurrentNonce(ctx context.Context) (uint64, error) {
	n, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, ClassifySubmitError("ledger.CurrentNonce", err)
	}
	return n, nil
}

// SubmitRegistration builds, signs and broadcasts registerReport(d, cid) and
// returns the transaction hash without waiting for inclusion.
//
// The account lock is held from nonce selection through broadcast. The nonce
// is max(node pending nonce, last submitted + 1), so a node that has not yet
// indexed our previous transaction cannot hand out a duplicate. A stale-nonce
// rejection clears the remembered nonce; the next call starts from chain state.
func (c *Client) SubmitRegistration(ctx context.Context, d digest.Digest, cid string) (common.Hash, error) {
	const op = "ledger.SubmitRegistration"

	data, err := c.abi.Pack(MethodRegisterReport, [32]byte(d), cid)
	if err != nil {
		return common.Hash{}, errs.E(errs.KindSerialization, op, "pack registerReport call", err)
	}

	unlock, err := c.locker.Lock(ctx, c.from)
	if err != nil {
		return common.Hash{}, errs.E(errs.KindLedgerSubmission, errs.CauseNetworkUnavailable, op, "acquire nonce lock", err)
	}
	defer unlock()

	pending, err := c.CurrentNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	last, haveLast, err := c.nonces.Last(ctx, c.from)
	if err != nil {
		return common.Hash{}, errs.E(errs.KindLedgerSubmission, errs.CauseNetworkUnavailable, op, "read nonce store", err)
	}
	nonce := nextNonce(pending, last, haveLast)

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, ClassifySubmitError(op, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.gasLimit,
		To:       &c.registry,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return common.Hash{}, errs.E(errs.KindInternal, op, "sign transaction", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		classified := ClassifySubmitError(op, err)
		if errs.GetCause(classified) == errs.CauseStaleNonce {
			if rerr := c.nonces.Reset(context.WithoutCancel(ctx), c.from); rerr != nil {
				c.logger.Warn("reset nonce store for %s: %v", c.from.Hex(), rerr)
			}
		}
		c.logger.Warn("submit nonce=%d failed: %v", nonce, classified)
		return common.Hash{}, classified
	}

	if err := c.nonces.Store(context.WithoutCancel(ctx), c.from, nonce); err != nil {
		// The transaction is out; the next call falls back to the node's count.
		c.logger.Warn("record nonce %d for %s: %v", nonce, c.from.Hex(), err)
	}

	c.logger.Info("submitted registration tx=%s nonce=%d cid=%s", signed.Hash().Hex(), nonce, cid)
	return signed.Hash(), nil
}
