package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hardhat account #0, public test key
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NODE_URL", "PRIVATE_KEY", "REGISTRY_ADDRESS", "PINATA_API_KEY", "PINATA_SECRET_API_KEY",
		"ANCHOR_LISTEN_ADDR", "ANCHOR_MODEL_TIMEOUT", "ANCHOR_REDIS_ADDR", "ANCHOR_JOURNAL_ENABLED",
		"ANCHOR_REQUIRE_SIGNATURE", "ANCHOR_RETRY_ATTEMPTS", "ANCHOR_AUDIT_ENABLED", "ANCHOR_AUDIT_PATH",
		"ANCHOR_GRPC_HEALTH_ADDR",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8000", cfg.Server.ListenAddr)
	assert.Equal(t, uint64(500000), cfg.Ledger.GasLimit)
	assert.Equal(t, "qwen2.5:latest", cfg.Model.Model)
	assert.Zero(t, cfg.Model.Temperature)
	assert.Equal(t, 120*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.PublishTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.SubmitTimeout)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.ConfirmTimeout)
	assert.Equal(t, 3, cfg.Pipeline.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.RetryDelay)
	assert.Equal(t, "https://api.pinata.cloud/pinning/pinFileToIPFS", cfg.Publisher.Endpoint)
	assert.Equal(t, "https://gateway.pinata.cloud", cfg.Gateway.BaseURL)
	assert.True(t, cfg.Journal.Enabled)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, 100, cfg.Audit.BufferSize)

	assert.False(t, cfg.AnchoringEnabled())
	assert.Len(t, cfg.MissingAnchoring(), 5)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "anchor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
ledger:
  node_url: http://127.0.0.1:8545
  registry_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  poll_interval: 250ms
model:
  model: llama3
  timeout: 45s
pipeline:
  retry_attempts: 5
journal:
  path: /tmp/anchor-test.db
  compression: gzip
audit:
  flush_interval: 2s
`), 0o600))

	t.Setenv("NODE_URL", "http://node:8545")
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("PINATA_API_KEY", "key")
	t.Setenv("PINATA_SECRET_API_KEY", "secret")
	t.Setenv("ANCHOR_MODEL_TIMEOUT", "90s")
	t.Setenv("ANCHOR_REQUIRE_SIGNATURE", "true")
	t.Setenv("ANCHOR_AUDIT_ENABLED", "true")
	t.Setenv("ANCHOR_AUDIT_PATH", "/var/log/anchor/audit.log")
	t.Setenv("ANCHOR_GRPC_HEALTH_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "http://node:8545", cfg.Ledger.NodeURL, "env wins over file")
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, uint64(500000), cfg.Ledger.GasLimit, "defaults survive a partial file")
	assert.Equal(t, "llama3", cfg.Model.Model)
	assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 5, cfg.Pipeline.RetryAttempts)
	assert.Equal(t, "/tmp/anchor-test.db", cfg.Journal.Path)
	assert.Equal(t, "gzip", cfg.Journal.Compression)
	assert.True(t, cfg.Auth.RequireSignature)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "/var/log/anchor/audit.log", cfg.Audit.Path)
	assert.Equal(t, 2*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, ":9090", cfg.GRPC.Address)

	assert.True(t, cfg.AnchoringEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("ANCHOR_RETRY_ATTEMPTS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	cfg.Ledger.RegistryAddress = "0x123"
	cfg.Ledger.PrivateKey = "not-a-key"
	cfg.Gateway.BaseURL = "gateway.pinata.cloud"
	cfg.Model.Temperature = 3
	cfg.Journal.Compression = "lz4"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LockTTL = time.Second
	cfg.GRPC.CertFile = "cert.pem"
	cfg.Pipeline.RetryStrategy = "fibonacci"

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "9 errors occurred")
	assert.Contains(t, msg, "listen_addr")
	assert.Contains(t, msg, "REGISTRY_ADDRESS")
	assert.Contains(t, msg, "PRIVATE_KEY")
	assert.NotContains(t, msg, "not-a-key", "the key is never echoed")
	assert.Contains(t, msg, "gateway.base_url")
	assert.Contains(t, msg, "temperature")
	assert.Contains(t, msg, "journal.compression")
	assert.Contains(t, msg, "lock_ttl")
	assert.Contains(t, msg, "grpc_health.cert_file")
	assert.Contains(t, msg, "retry_strategy")
}

func TestMissingAnchoring(t *testing.T) {
	cfg := Default()
	cfg.Ledger.NodeURL = "http://127.0.0.1:8545"
	cfg.Ledger.PrivateKey = testKey
	cfg.Publisher.APIKey = "k"

	assert.Equal(t, []string{"REGISTRY_ADDRESS", "PINATA_SECRET_API_KEY"}, cfg.MissingAnchoring())
	assert.False(t, cfg.AnchoringEnabled())
}
