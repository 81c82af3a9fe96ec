// Package config loads service configuration from an optional YAML file and
// the environment. Environment values win over the file.
//
// The long-standing variable names are honoured as-is:
//
//	NODE_URL, PRIVATE_KEY, REGISTRY_ADDRESS,
//	PINATA_API_KEY, PINATA_SECRET_API_KEY
//
// Everything else uses an ANCHOR_ prefix (ANCHOR_LISTEN_ADDR,
// ANCHOR_MODEL_URL, ANCHOR_REDIS_ADDR, ...).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/exploopio/audit-anchor/pkg/audit"
	"github.com/exploopio/audit-anchor/pkg/auth"
	"github.com/exploopio/audit-anchor/pkg/compress"
	"github.com/exploopio/audit-anchor/pkg/ipfs"
	"github.com/exploopio/audit-anchor/pkg/journal"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/model"
	"github.com/exploopio/audit-anchor/pkg/pipeline"
	"github.com/exploopio/audit-anchor/pkg/tracing"
	grpctransport "github.com/exploopio/audit-anchor/pkg/transport/grpc"
	"github.com/exploopio/audit-anchor/pkg/verify"
)

// Defaults not owned by a component package.
const (
	DefaultListenAddr      = ":8000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultLockTTL         = 30 * time.Second
	DefaultRedisPrefix     = "audit-anchor"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Ledger    ledger.Config        `yaml:"ledger"`
	Publisher ipfs.PublisherConfig `yaml:"publisher"`
	Gateway   ipfs.GatewayConfig   `yaml:"gateway"`
	Model     model.Config         `yaml:"model"`
	Pipeline  pipeline.Config      `yaml:"pipeline"`
	Journal   JournalConfig        `yaml:"journal"`
	Redis     RedisConfig          `yaml:"redis"`
	Auth      auth.Config          `yaml:"auth"`
	Tracing   tracing.Config       `yaml:"tracing"`
	Verify    VerifyConfig         `yaml:"verify"`
	Audit     audit.Config         `yaml:"audit"`
	GRPC      grpctransport.Config `yaml:"grpc_health"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"` // empty allows all
	Metrics         bool          `yaml:"metrics"`

	// HideHealthDetails drops per-check results from /readyz.
	HideHealthDetails bool `yaml:"hide_health_details"`
}

// LogConfig configures logging.
type LogConfig struct {
	Mode  string `yaml:"mode"`  // "production" for JSON, anything else for console
	Level string `yaml:"level"` // debug, info, warn, error, silent
}

// JournalConfig configures the local anchor journal.
type JournalConfig struct {
	Enabled        bool `yaml:"enabled"`
	journal.Config `yaml:",inline"`

	// MinFreePercent is the free disk space readiness threshold for the
	// journal's filesystem (0 disables the threshold).
	MinFreePercent float64 `yaml:"min_free_percent"`
}

// RedisConfig enables the shared nonce lock and store for deployments that
// run several replicas with one signing account.
type RedisConfig struct {
	Addr     string        `yaml:"addr"` // empty keeps the in-process lock
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// VerifyConfig configures registry verification.
type VerifyConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
			Metrics:         true,
		},
		Log:       LogConfig{Mode: "development", Level: "info"},
		Ledger:    *ledger.DefaultConfig(),
		Publisher: *ipfs.DefaultPublisherConfig(),
		Gateway:   *ipfs.DefaultGatewayConfig(),
		Model:     *model.DefaultConfig(),
		Pipeline:  *pipeline.DefaultConfig(),
		Journal: JournalConfig{
			Enabled: true,
			Config:  *journal.DefaultConfig(),
		},
		Redis: RedisConfig{
			Prefix:  DefaultRedisPrefix,
			LockTTL: DefaultLockTTL,
		},
		Tracing: tracing.Config{ServiceName: tracing.DefaultServiceName, SampleRatio: 1},
		Verify:  VerifyConfig{Concurrency: verify.DefaultConcurrency},
		Audit:   *audit.DefaultConfig(),
		GRPC:    *grpctransport.DefaultConfig(),
	}
}

// Load reads path (optional) over the defaults, then applies the
// environment. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env lists environment overrides. Unset variables leave the field alone.
type env struct {
	NodeURL         *string `envconfig:"NODE_URL"`
	PrivateKey      *string `envconfig:"PRIVATE_KEY"`
	RegistryAddress *string `envconfig:"REGISTRY_ADDRESS"`
	PinataAPIKey    *string `envconfig:"PINATA_API_KEY"`
	PinataSecret    *string `envconfig:"PINATA_SECRET_API_KEY"`

	ListenAddr       *string        `envconfig:"ANCHOR_LISTEN_ADDR"`
	LogMode          *string        `envconfig:"ANCHOR_LOG_MODE"`
	LogLevel         *string        `envconfig:"ANCHOR_LOG_LEVEL"`
	ABIPath          *string        `envconfig:"ANCHOR_ABI_PATH"`
	ChainID          *int64         `envconfig:"ANCHOR_CHAIN_ID"`
	GasLimit         *uint64        `envconfig:"ANCHOR_GAS_LIMIT"`
	PinEndpoint      *string        `envconfig:"ANCHOR_PIN_ENDPOINT"`
	GatewayURL       *string        `envconfig:"ANCHOR_GATEWAY_URL"`
	ModelURL         *string        `envconfig:"ANCHOR_MODEL_URL"`
	ModelName        *string        `envconfig:"ANCHOR_MODEL"`
	ModelTemperature *float64       `envconfig:"ANCHOR_MODEL_TEMPERATURE"`
	ModelTimeout     *time.Duration `envconfig:"ANCHOR_MODEL_TIMEOUT"`
	PublishTimeout   *time.Duration `envconfig:"ANCHOR_PUBLISH_TIMEOUT"`
	SubmitTimeout    *time.Duration `envconfig:"ANCHOR_SUBMIT_TIMEOUT"`
	ConfirmTimeout   *time.Duration `envconfig:"ANCHOR_CONFIRM_TIMEOUT"`
	RetryAttempts    *int           `envconfig:"ANCHOR_RETRY_ATTEMPTS"`
	RetryDelay       *time.Duration `envconfig:"ANCHOR_RETRY_DELAY"`
	JournalEnabled   *bool          `envconfig:"ANCHOR_JOURNAL_ENABLED"`
	JournalPath      *string        `envconfig:"ANCHOR_JOURNAL_PATH"`
	RedisAddr        *string        `envconfig:"ANCHOR_REDIS_ADDR"`
	RedisPassword    *string        `envconfig:"ANCHOR_REDIS_PASSWORD"`
	RequireSignature *bool          `envconfig:"ANCHOR_REQUIRE_SIGNATURE"`
	TracingEnabled   *bool          `envconfig:"ANCHOR_TRACING_ENABLED"`
	AuditEnabled     *bool          `envconfig:"ANCHOR_AUDIT_ENABLED"`
	AuditPath        *string        `envconfig:"ANCHOR_AUDIT_PATH"`
	GRPCAddr         *string        `envconfig:"ANCHOR_GRPC_HEALTH_ADDR"`
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setString(&c.Ledger.NodeURL, e.NodeURL)
	setString(&c.Ledger.PrivateKey, e.PrivateKey)
	setString(&c.Ledger.RegistryAddress, e.RegistryAddress)
	setString(&c.Publisher.APIKey, e.PinataAPIKey)
	setString(&c.Publisher.SecretAPIKey, e.PinataSecret)

	setString(&c.Server.ListenAddr, e.ListenAddr)
	setString(&c.Log.Mode, e.LogMode)
	setString(&c.Log.Level, e.LogLevel)
	setString(&c.Ledger.ABIPath, e.ABIPath)
	set(&c.Ledger.ChainID, e.ChainID)
	set(&c.Ledger.GasLimit, e.GasLimit)
	setString(&c.Publisher.Endpoint, e.PinEndpoint)
	setString(&c.Gateway.BaseURL, e.GatewayURL)
	setString(&c.Model.BaseURL, e.ModelURL)
	setString(&c.Model.Model, e.ModelName)
	set(&c.Model.Temperature, e.ModelTemperature)
	set(&c.Model.Timeout, e.ModelTimeout)
	set(&c.Pipeline.PublishTimeout, e.PublishTimeout)
	set(&c.Pipeline.SubmitTimeout, e.SubmitTimeout)
	set(&c.Pipeline.ConfirmTimeout, e.ConfirmTimeout)
	set(&c.Pipeline.RetryAttempts, e.RetryAttempts)
	set(&c.Pipeline.RetryDelay, e.RetryDelay)
	set(&c.Journal.Enabled, e.JournalEnabled)
	setString(&c.Journal.Path, e.JournalPath)
	setString(&c.Redis.Addr, e.RedisAddr)
	setString(&c.Redis.Password, e.RedisPassword)
	set(&c.Auth.RequireSignature, e.RequireSignature)
	set(&c.Tracing.Enabled, e.TracingEnabled)
	set(&c.Audit.Enabled, e.AuditEnabled)
	setString(&c.Audit.Path, e.AuditPath)
	setString(&c.GRPC.Address, e.GRPCAddr)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// MissingAnchoring lists the settings anchoring needs but does not have.
// Empty means anchoring can be enabled.
func (c *Config) MissingAnchoring() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"NODE_URL", c.Ledger.NodeURL},
		{"PRIVATE_KEY", c.Ledger.PrivateKey},
		{"REGISTRY_ADDRESS", c.Ledger.RegistryAddress},
		{"PINATA_API_KEY", c.Publisher.APIKey},
		{"PINATA_SECRET_API_KEY", c.Publisher.SecretAPIKey},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// AnchoringEnabled reports whether every anchoring setting is present.
func (c *Config) AnchoringEnabled() bool {
	return len(c.MissingAnchoring()) == 0
}

// Validate reports every invalid setting at once. Missing anchoring
// settings are not an error: the service then runs without anchoring.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.ListenAddr == "" {
		result = multierror.Append(result, fmt.Errorf("server.listen_addr is required"))
	}

	if c.Ledger.RegistryAddress != "" && !common.IsHexAddress(c.Ledger.RegistryAddress) {
		result = multierror.Append(result, fmt.Errorf("REGISTRY_ADDRESS %q is not an address", c.Ledger.RegistryAddress))
	}
	if c.Ledger.PrivateKey != "" {
		if _, err := ledger.ParsePrivateKey(c.Ledger.PrivateKey); err != nil {
			// never echo the key
			result = multierror.Append(result, fmt.Errorf("PRIVATE_KEY is not a valid secp256k1 key"))
		}
	}
	if c.Ledger.ChainID < 0 {
		result = multierror.Append(result, fmt.Errorf("ledger.chain_id must not be negative"))
	}

	for name, raw := range map[string]string{
		"NODE_URL":           c.Ledger.NodeURL,
		"publisher.endpoint": c.Publisher.Endpoint,
		"gateway.base_url":   c.Gateway.BaseURL,
		"model.base_url":     c.Model.BaseURL,
	} {
		if raw == "" {
			continue
		}
		if err := checkURL(raw); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		result = multierror.Append(result, fmt.Errorf("model.temperature %.2f is outside [0, 2]", c.Model.Temperature))
	}
	if c.Model.Timeout < 0 || c.Pipeline.PublishTimeout < 0 || c.Pipeline.SubmitTimeout < 0 || c.Pipeline.ConfirmTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("timeouts must not be negative"))
	}
	if c.Pipeline.RetryAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("pipeline.retry_attempts must not be negative"))
	}
	switch c.Pipeline.RetryStrategy {
	case "", "exponential", "linear", "constant":
	default:
		result = multierror.Append(result, fmt.Errorf("pipeline.retry_strategy %q is not exponential, linear or constant", c.Pipeline.RetryStrategy))
	}

	if c.Journal.Enabled {
		if _, err := compress.ParseAlgorithm(c.Journal.Compression); err != nil {
			result = multierror.Append(result, fmt.Errorf("journal.compression: %w", err))
		}
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.Pipeline.SubmitTimeout/2 {
		result = multierror.Append(result, fmt.Errorf("redis.lock_ttl %s is too short for submit_timeout %s", c.Redis.LockTTL, c.Pipeline.SubmitTimeout))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		result = multierror.Append(result, fmt.Errorf("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.GRPC.Address != "" && c.GRPC.Address == c.Server.ListenAddr {
		result = multierror.Append(result, fmt.Errorf("grpc_health.address must differ from server.listen_addr"))
	}
	if (c.GRPC.CertFile == "") != (c.GRPC.KeyFile == "") {
		result = multierror.Append(result, fmt.Errorf("grpc_health.cert_file and key_file must be set together"))
	}

	return result.ErrorOrNil()
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
