package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is an in-memory node with a strict nonce rule: it accepts only
// the next expected nonce for the account, like a real mempool without gaps.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int

	// next is the nonce the chain will accept next.
	next uint64
	// lagging makes PendingNonceAt ignore accepted transactions, like a node
	// behind a load balancer that has not seen our last broadcast.
	lagging bool

	sendDelay   time.Duration
	sendErr     error // returned once by SendTransaction
	nonceErr    error
	receiptErrs int // transient receipt errors before normal behaviour

	sent     []*types.Transaction
	known    map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	callOut  []byte
	calls    []ethereum.CallMsg
	queries  []ethereum.FilterQuery
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		gasPrice: big.NewInt(2_000_000_000),
		known:    map[common.Hash]*types.Transaction{},
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	if f.lagging {
		return 0, nil
	}
	return f.next, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	switch {
	case tx.Nonce() < f.next:
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", f.next, tx.Nonce())
	case tx.Nonce() > f.next:
		return fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", f.next, tx.Nonce())
	}
	f.next++
	f.sent = append(f.sent, tx)
	f.known[tx.Hash()] = tx
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, errors.New("connection reset by peer")
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.known[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := f.receipts[hash]
	return tx, !mined, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.callOut, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return append([]types.Log(nil), f.logs...), nil
}

// mine records a receipt for hash with the given status.
func (f *fakeBackend) mine(hash common.Hash, status uint64, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: big.NewInt(block),
		GasUsed:     48_000,
	}
}

func (f *fakeBackend) sentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.sent))
	for i, tx := range f.sent {
		out[i] = tx.Nonce()
	}
	return out
}

var _ Backend = (*fakeBackend)(nil)
