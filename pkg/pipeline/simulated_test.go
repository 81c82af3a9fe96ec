package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"github.com/exploopio/audit-anchor/pkg/ledger"
)

// TestAnchor_ConcurrentOnSimulatedChain runs overlapping anchors against an
// in-process chain and checks every registration got its own nonce.
func TestAnchor_ConcurrentOnSimulatedChain(t *testing.T) {
	if testing.Short() {
		t.Skip("simulated chain in short mode")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)

	sim := simulated.NewBackend(types.GenesisAlloc{from: {Balance: balance}})
	defer sim.Close()

	stop := make(chan struct{})
	var mining sync.WaitGroup
	mining.Add(1)
	go func() {
		defer mining.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()
	defer func() {
		close(stop)
		mining.Wait()
	}()

	client := sim.Client()
	lc, err := ledger.New(context.Background(), client, &ledger.Config{
		PrivateKey:      fmt.Sprintf("%x", crypto.FromECDSA(key)),
		RegistryAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		PollInterval:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ledger.New failed: %v", err)
	}

	var seq int
	var seqMu sync.Mutex
	pub := &mockPublisher{publishFunc: func(ctx context.Context, data []byte) (string, error) {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("CID%03d", seq), nil
	}}

	cfg := fastConfig()
	cfg.ConfirmTimeout = 10 * time.Second
	p := New(cfg, pub, lc)

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report := map[string]any{"name": fmt.Sprintf("Contract%d.sol", i), "vulnerabilities": []any{}}
			res, err := p.Anchor(context.Background(), report)
			if err != nil {
				t.Errorf("Anchor %d failed: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	nonces := make(map[uint64]bool)
	for i, res := range results {
		if res == nil {
			continue
		}
		if res.Status != StatusConfirmed {
			t.Errorf("result %d: status %v (%s)", i, res.Status, res.Failure)
			continue
		}
		tx, _, err := client.TransactionByHash(context.Background(), common.HexToHash(res.TxHash))
		if err != nil {
			t.Errorf("result %d: TransactionByHash failed: %v", i, err)
			continue
		}
		if nonces[tx.Nonce()] {
			t.Errorf("nonce %d used twice", tx.Nonce())
		}
		nonces[tx.Nonce()] = true
	}
	for want := uint64(0); want < n; want++ {
		if !nonces[want] {
			t.Errorf("nonce %d never used", want)
		}
	}
}
