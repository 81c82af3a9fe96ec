package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

var testRegistry = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newTestClient(t *testing.T, backend *fakeBackend, opts ...Option) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c, err := New(context.Background(), backend, &Config{
		PrivateKey:      "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		RegistryAddress: testRegistry.Hex(),
		PollInterval:    5 * time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	backend := newFakeBackend()
	key, _ := crypto.GenerateKey()
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"missing key", &Config{RegistryAddress: testRegistry.Hex()}},
		{"bad key", &Config{PrivateKey: "0xnothex", RegistryAddress: testRegistry.Hex()}},
		{"bad registry", &Config{PrivateKey: keyHex, RegistryAddress: "registry"}},
		{"missing abi file", &Config{PrivateKey: keyHex, RegistryAddress: testRegistry.Hex(), ABIPath: "/nonexistent/abi.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), backend, tt.cfg)
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidInput, errs.GetKind(err))
		})
	}

	c, err := New(context.Background(), backend, &Config{PrivateKey: keyHex, RegistryAddress: testRegistry.Hex()})
	require.NoError(t, err)
	assert.Equal(t, int64(1337), c.ChainID().Int64(), "chain id should come from the node")
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), c.Address())
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCurrentNonce_AlwaysFresh(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	ctx := context.Background()

	n, err := c.CurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	backend.mu.Lock()
	backend.next = 9
	backend.mu.Unlock()

	n, err = c.CurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
}

func TestSubmitRegistration_BuildsSignedCall(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	d := digest.Sum([]byte("report"))

	hash, err := c.SubmitRegistration(context.Background(), d, "bafkreiablk6x6xgfpiw5ss3vsdyevwaiijzzaxxdh3c45pvomitwvf7ymi")
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, testRegistry, *tx.To())
	assert.Equal(t, uint64(DefaultGasLimit), tx.Gas())
	assert.Equal(t, backend.gasPrice, tx.GasPrice())
	assert.Equal(t, "9a29271f", hex.EncodeToString(tx.Data()[:4]), "registerReport(bytes32,string) selector")
	assert.Equal(t, d[:], tx.Data()[4:36], "first argument is the digest")

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Address(), sender)

	args, err := c.abi.Methods[MethodRegisterReport].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "bafkreiablk6x6xgfpiw5ss3vsdyevwaiijzzaxxdh3c45pvomitwvf7ymi", args[1])
}

func TestSubmitRegistration_ConcurrentNoncesAreDistinctAndIncreasing(t *testing.T) {
	backend := newFakeBackend()
	// The node never reports our own pending transactions, so only local
	// serialization keeps nonces unique.
	backend.lagging = true
	backend.sendDelay = 2 * time.Millisecond
	c := newTestClient(t, backend)

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SubmitRegistration(context.Background(), digest.Sum([]byte(fmt.Sprint(i))), fmt.Sprintf("cid-%d", i))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	nonces := backend.sentNonces()
	require.Len(t, nonces, n)
	for i, nonce := range nonces {
		assert.Equal(t, uint64(i), nonce, "nonces must be strictly increasing in submission order")
	}
}

func TestSubmitRegistration_StaleNonceResetsTracker(t *testing.T) {
	backend := newFakeBackend()
	store := NewMemoryNonceStore()
	c := newTestClient(t, backend, WithNonceStore(store))
	ctx := context.Background()

	// A remembered nonce from a transaction the chain dropped.
	require.NoError(t, store.Store(ctx, c.Address(), 4))

	_, err := c.SubmitRegistration(ctx, digest.Sum([]byte("a")), "cid-a")
	require.Error(t, err)
	assert.True(t, errs.IsLedgerSubmissionError(err))
	assert.Equal(t, errs.CauseStaleNonce, errs.GetCause(err))
	assert.True(t, errs.IsRetryable(err))

	_, ok, _ := store.Last(ctx, c.Address())
	assert.False(t, ok, "stale nonce must clear the tracker")

	_, err = c.SubmitRegistration(ctx, digest.Sum([]byte("a")), "cid-a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, backend.sentNonces())
}

func TestSubmitRegistration_ClassifiesNodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		cause     errs.Cause
		retryable bool
	}{
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), errs.CauseInsufficientFunds, false},
		{"intrinsic gas", errors.New("intrinsic gas too low"), errs.CauseGasExhausted, true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), errs.CauseNetworkUnavailable, true},
		{"other", errors.New("execution aborted"), errs.CauseUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.sendErr = tt.sendErr
			c := newTestClient(t, backend)

			_, err := c.SubmitRegistration(context.Background(), digest.Sum(nil), "cid")
			require.Error(t, err)
			assert.True(t, errs.IsLedgerSubmissionError(err))
			assert.Equal(t, tt.cause, errs.GetCause(err))
			assert.Equal(t, tt.retryable, errs.IsRetryable(err))
			assert.ErrorIs(t, err, tt.sendErr)
		})
	}
}

func TestSubmitRegistration_NonceLookupFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.nonceErr = errors.New("502 Bad Gateway")
	c := newTestClient(t, backend)

	_, err := c.SubmitRegistration(context.Background(), digest.Sum(nil), "cid")
	require.Error(t, err)
	assert.Equal(t, errs.CauseNetworkUnavailable, errs.GetCause(err))
	assert.Empty(t, backend.sent)
}

func TestSubmitRegistration_LockTimeout(t *testing.T) {
	backend := newFakeBackend()
	locker := NewLocalLocker()
	c := newTestClient(t, backend, WithLocker(locker))

	unlock, err := locker.Lock(context.Background(), c.Address())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.SubmitRegistration(ctx, digest.Sum(nil), "cid")
	require.Error(t, err)
	assert.Equal(t, errs.CauseNetworkUnavailable, errs.GetCause(err))
	assert.Empty(t, backend.sent, "nothing is broadcast without the lock")
}

func TestAwaitConfirmation(t *testing.T) {
	t.Run("confirmed after polling", func(t *testing.T) {
		backend := newFakeBackend()
		backend.receiptErrs = 1
		c := newTestClient(t, backend)
		hash, err := c.SubmitRegistration(context.Background(), digest.Sum(nil), "cid")
		require.NoError(t, err)

		go func() {
			time.Sleep(25 * time.Millisecond)
			backend.mine(hash, types.ReceiptStatusSuccessful, 12)
		}()

		conf, err := c.AwaitConfirmation(context.Background(), hash, time.Second)
		require.NoError(t, err)
		assert.Equal(t, TxConfirmed, conf.Status)
		assert.Equal(t, uint64(12), conf.BlockNumber)
	})

	t.Run("reverted", func(t *testing.T) {
		backend := newFakeBackend()
		c := newTestClient(t, backend)
		hash := common.HexToHash("0xabc1")
		backend.mine(hash, types.ReceiptStatusFailed, 3)

		conf, err := c.AwaitConfirmation(context.Background(), hash, time.Second)
		require.Error(t, err)
		assert.Equal(t, TxReverted, conf.Status)
		assert.Equal(t, errs.CauseReverted, errs.GetCause(err))
		assert.False(t, errs.IsRetryable(err))
	})

	t.Run("bounded wait returns pending", func(t *testing.T) {
		backend := newFakeBackend()
		c := newTestClient(t, backend)
		hash := common.HexToHash("0xabc2")

		start := time.Now()
		conf, err := c.AwaitConfirmation(context.Background(), hash, 30*time.Millisecond)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, TxPending, conf.Status)
		assert.True(t, errs.IsConfirmationTimeout(err))
		assert.False(t, errs.IsRetryable(err), "a pending transaction must not be resubmitted")
	})
}

func TestStatus(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	ctx := context.Background()

	hash, err := c.SubmitRegistration(ctx, digest.Sum(nil), "cid")
	require.NoError(t, err)

	conf, err := c.Status(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, TxPending, conf.Status)

	backend.mine(hash, types.ReceiptStatusSuccessful, 7)
	conf, err = c.Status(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, conf.Status)

	conf, err = c.Status(ctx, common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.Equal(t, TxUnknown, conf.Status)
}

func TestTotalReports(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	out, err := c.abi.Methods[MethodTotalReports].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	backend.callOut = out

	n, err := c.TotalReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, testRegistry, *backend.calls[0].To)
}

func registeredLog(t *testing.T, c *Client, index int64, d digest.Digest, cid string, block uint64) types.Log {
	t.Helper()
	event := c.abi.Events[EventReportRegistered]
	data, err := event.Inputs.NonIndexed().Pack([32]byte(d), cid)
	require.NoError(t, err)
	return types.Log{
		Address:     testRegistry,
		Topics:      []common.Hash{event.ID, common.BigToHash(big.NewInt(index))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(1000 + index)),
	}
}

func TestRegistrations(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	assert.Equal(t,
		"0x13d8538013bba5df0f675bf7edd343e2d65dddab97a577a54dad49fc18af2025",
		c.abi.Events[EventReportRegistered].ID.Hex())

	d0, d1 := digest.Sum([]byte("r0")), digest.Sum([]byte("r1"))
	removed := registeredLog(t, c, 9, d1, "gone", 4)
	removed.Removed = true
	backend.logs = []types.Log{
		registeredLog(t, c, 0, d0, "cid-0", 10),
		registeredLog(t, c, 1, d1, "cid-1", 11),
		removed,
	}

	records, err := c.Registrations(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, RegistrationRecord{Index: 0, ReportHash: d0, IpfsCID: "cid-0", BlockNumber: 10, TxHash: common.BigToHash(big.NewInt(1000))}, records[0])
	assert.Equal(t, uint64(1), records[1].Index)
	assert.Equal(t, d1, records[1].ReportHash)

	require.Len(t, backend.queries, 1)
	assert.Equal(t, int64(5), backend.queries[0].FromBlock.Int64())
	assert.Equal(t, []common.Address{testRegistry}, backend.queries[0].Addresses)
}

func TestRegistrations_CustomABIAllPlain(t *testing.T) {
	const plainABI = `[
	  {"type":"function","name":"registerReport","inputs":[{"name":"reportHash","type":"bytes32"},{"name":"ipfsCid","type":"string"}],"outputs":[]},
	  {"type":"function","name":"totalReports","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	  {"type":"event","name":"ReportRegistered","inputs":[
	    {"name":"index","type":"uint256","indexed":false},
	    {"name":"reportHash","type":"bytes32","indexed":false},
	    {"name":"ipfsCid","type":"string","indexed":false}]}
	]`
	path := filepath.Join(t.TempDir(), "ReportRegistryABI.json")
	require.NoError(t, os.WriteFile(path, []byte(plainABI), 0o600))

	key, _ := crypto.GenerateKey()
	backend := newFakeBackend()
	c, err := New(context.Background(), backend, &Config{
		PrivateKey:      hex.EncodeToString(crypto.FromECDSA(key)),
		RegistryAddress: testRegistry.Hex(),
		ABIPath:         path,
		ChainID:         1337,
	})
	require.NoError(t, err)

	event := c.abi.Events[EventReportRegistered]
	d := digest.Sum([]byte("plain"))
	data, err := event.Inputs.Pack(big.NewInt(3), [32]byte(d), "cid-3")
	require.NoError(t, err)
	backend.logs = []types.Log{{Address: testRegistry, Topics: []common.Hash{event.ID}, Data: data}}

	records, err := c.Registrations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(3), records[0].Index)
	assert.Equal(t, d, records[0].ReportHash)
	assert.Equal(t, "cid-3", records[0].IpfsCID)
}

func TestLoadABI_RejectsIncompleteABI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abi.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"function","name":"totalReports","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`), 0o600))

	_, err := LoadABI(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), MethodRegisterReport)
}
