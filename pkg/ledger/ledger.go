// Package ledger registers report fingerprints with the on-chain report registry.
//
// The client holds one signing account. Submissions for that account are
// serialized through a Locker so concurrent requests never reuse a nonce;
// confirmation waits run outside the lock and are always bounded.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/exploopio/audit-anchor/pkg/core"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// Default ledger settings.
const (
	DefaultGasLimit       = 500_000
	DefaultPollInterval   = 1 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
)

// Backend is the subset of the node API used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config configures the ledger client.
type Config struct {
	NodeURL         string        `yaml:"node_url" json:"node_url"`
	PrivateKey      string        `yaml:"private_key" json:"-"`
	RegistryAddress string        `yaml:"registry_address" json:"registry_address"`
	ABIPath         string        `yaml:"abi_path" json:"abi_path"` // optional; built-in ABI when empty
	ChainID         int64         `yaml:"chain_id" json:"chain_id"` // 0 = ask the node
	GasLimit        uint64        `yaml:"gas_limit" json:"gas_limit"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultConfig returns default ledger settings.
func DefaultConfig() *Config {
	return &Config{
		GasLimit:     DefaultGasLimit,
		PollInterval: DefaultPollInterval,
	}
}

// Client talks to the registry contract on behalf of one signing account.
type Client struct {
	backend  Backend
	closer   func()
	key      *ecdsa.PrivateKey
	from     common.Address
	registry common.Address
	abi      abi.ABI
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64
	poll     time.Duration

	locker Locker
	nonces NonceStore
	logger core.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLocker sets the nonce serialization lock (default: in-process).
func WithLocker(l Locker) Option {
	return func(c *Client) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithNonceStore sets where the last submitted nonce is remembered (default: memory).
func WithNonceStore(s NonceStore) Option {
	return func(c *Client) {
		if s != nil {
			c.nonces = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *Client) {
		c.logger = core.OrNop(l)
	}
}

// Dial connects to the node at cfg.NodeURL and builds a client.
func Dial(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil || cfg.NodeURL == "" {
		return nil, errs.E(errs.KindInvalidInput, "ledger.Dial", "node URL is required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.NodeURL)
	if err != nil {
		return nil, errs.E(errs.KindNetwork, "ledger.Dial", "connect to node", err)
	}
	c, err := New(ctx, ec, cfg, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// New builds a client over an existing backend. The chain id is taken from
// cfg.ChainID or, when zero, fetched from the backend once.
func New(ctx context.Context, backend Backend, cfg *Config, opts ...Option) (*Client, error) {
	const op = "ledger.New"

	if cfg == nil {
		cfg = DefaultConfig()
	}

	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, op, "invalid private key", err)
	}
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, errs.E(errs.KindInvalidInput, op, fmt.Sprintf("invalid registry address %q", cfg.RegistryAddress))
	}
	parsed, err := LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, op, "registry ABI", err)
	}

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	} else {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, errs.E(errs.KindNetwork, op, "fetch chain id", err)
		}
	}

	c := &Client{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		registry: common.HexToAddress(cfg.RegistryAddress),
		abi:      parsed,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: cfg.GasLimit,
		poll:     cfg.PollInterval,
		locker:   NewLocalLocker(),
		nonces:   NewMemoryNonceStore(),
		logger:   &core.NopLogger{},
	}
	if c.gasLimit == 0 {
		c.gasLimit = DefaultGasLimit
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParsePrivateKey parses a hex secp256k1 key with or without the 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}
	return crypto.HexToECDSA(s)
}

// Address returns the signing account.
func (c *Client) Address() common.Address { return c.from }

// Registry returns the registry contract address.
func (c *Client) Registry() common.Address { return c.registry }

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Ping checks that the node answers. Used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.backend.ChainID(ctx); err != nil {
		return fmt.Errorf("ledger node: %w", err)
	}
	return nil
}

// Close releases the node connection when the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}
