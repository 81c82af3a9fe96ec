package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/exploopio/audit-anchor/pkg/audit"
	"github.com/exploopio/audit-anchor/pkg/auth"
	"github.com/exploopio/audit-anchor/pkg/config"
	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/health"
	"github.com/exploopio/audit-anchor/pkg/ipfs"
	"github.com/exploopio/audit-anchor/pkg/journal"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/model"
	"github.com/exploopio/audit-anchor/pkg/pipeline"
	"github.com/exploopio/audit-anchor/pkg/scan"
	"github.com/exploopio/audit-anchor/pkg/server"
	"github.com/exploopio/audit-anchor/pkg/tracing"
	"github.com/exploopio/audit-anchor/pkg/verify"
)

// app holds the wired components for one command run. Optional parts are
// nil when not configured.
type app struct {
	cfg     *config.Config
	logger  *core.ZapLogger
	metrics metrics.Collector
	tracer  trace.TracerProvider

	journal   *journal.Store
	trail     *audit.Logger
	redis     *redis.Client
	ledger    *ledger.Client
	publisher *ipfs.Publisher
	gateway   *ipfs.Gateway
	pipeline  *pipeline.Pipeline

	closers []func()
}

type appOptions struct {
	// ledger dials the node even when pinning credentials are missing.
	ledger bool
	// requireLedger fails when the ledger cannot be configured.
	requireLedger bool
	journal       bool
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	logger, err := core.NewZapLogger(cfg.Log.Mode, core.ParseLogLevel(cfg.Log.Level))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.closers = append(a.closers, logger.Sync)

	a.metrics = metrics.NewPrometheusCollector(&metrics.PrometheusConfig{RegisterDefaultMetrics: true})

	tp, shutdown, err := tracing.Setup(ctx, cfg.Tracing, version, logger)
	if err != nil {
		return nil, err
	}
	a.tracer = tp
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("Tracing shutdown: %v", err)
		}
	})

	if opts.journal && cfg.Journal.Enabled {
		if dir := filepath.Dir(cfg.Journal.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
		store, err := journal.Open(&cfg.Journal.Config)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = store
		a.closers = append(a.closers, func() { _ = store.Close() })
		logger.Info("Journal at %s", store.Path())
	}

	if cfg.Audit.Enabled {
		trail, err := audit.NewLogger(&cfg.Audit)
		if err != nil {
			return nil, err
		}
		trail.Start()
		a.trail = trail
		a.closers = append(a.closers, func() {
			if err := trail.Stop(); err != nil {
				logger.Warn("Audit trail close: %v", err)
			}
		})
		logger.Info("Audit trail at %s", trail.Path())
	}

	a.gateway = ipfs.NewGateway(&cfg.Gateway, logger.With("component", "gateway"))

	missing := cfg.MissingAnchoring()
	ledgerReady := cfg.Ledger.NodeURL != "" && cfg.Ledger.PrivateKey != "" && cfg.Ledger.RegistryAddress != ""
	if opts.requireLedger && !ledgerReady {
		return nil, fmt.Errorf("ledger is not configured: set NODE_URL, PRIVATE_KEY and REGISTRY_ADDRESS")
	}

	if ledgerReady && (opts.ledger || len(missing) == 0) {
		if err := a.dialLedger(ctx); err != nil {
			if opts.requireLedger {
				return nil, err
			}
			logger.Error("Anchoring disabled, ledger unavailable: %v", err)
		}
	}

	if len(missing) == 0 && a.ledger != nil {
		a.publisher = ipfs.NewPublisher(&cfg.Publisher, logger.With("component", "publisher"))
		logger.Info("Pinning through %s with key %s", cfg.Publisher.Endpoint, core.Redact(cfg.Publisher.APIKey))
	} else if len(missing) > 0 {
		logger.Warn("Anchoring disabled, missing: %s", strings.Join(missing, ", "))
	}

	popts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(tp.Tracer("github.com/exploopio/audit-anchor/pkg/pipeline")),
		pipeline.WithLogger(logger),
		pipeline.WithLocalCID(ipfs.LocalCID),
	}
	if a.journal != nil {
		popts = append(popts, pipeline.WithJournal(a.journal))
	}
	// nil interfaces, not typed nils, disable anchoring
	var (
		pub pipeline.Publisher
		sub pipeline.Submitter
	)
	if a.publisher != nil {
		pub, sub = a.publisher, a.ledger
	}
	pcfg := cfg.Pipeline
	if a.trail != nil {
		next := pcfg.OnCompleted
		pcfg.OnCompleted = func(res *pipeline.Result) {
			a.trail.Anchor(res)
			if next != nil {
				next(res)
			}
		}
	}
	a.pipeline = pipeline.New(&pcfg, pub, sub, popts...)

	return a, nil
}

func (a *app) dialLedger(ctx context.Context) error {
	cfg := a.cfg
	lopts := []ledger.Option{ledger.WithLogger(a.logger.With("component", "ledger"))}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		a.redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		lopts = append(lopts,
			ledger.WithLocker(ledger.NewRedisLocker(rdb,
				ledger.WithLockTTL(cfg.Redis.LockTTL),
				ledger.WithLockPrefix(cfg.Redis.Prefix))),
			ledger.WithNonceStore(ledger.NewRedisNonceStore(rdb, cfg.Redis.Prefix)),
		)
		a.logger.Info("Nonce lock shared through redis %s", cfg.Redis.Addr)
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := ledger.Dial(dctx, &cfg.Ledger, lopts...)
	if err != nil {
		return err
	}
	a.ledger = client
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Ledger: chain %s, account %s, registry %s", client.ChainID(), client.Address().Hex(), client.Registry().Hex())
	return nil
}

func (a *app) verifier() *verify.Verifier {
	return verify.New(a.ledger, a.gateway,
		verify.WithConcurrency(a.cfg.Verify.Concurrency),
		verify.WithMetrics(a.metrics),
		verify.WithLogger(a.logger))
}

func (a *app) healthHandler(gen *model.Client) *health.Handler {
	hopts := []health.HandlerOption{health.WithVersion(version)}
	if a.cfg.Server.HideHealthDetails {
		hopts = append(hopts, health.WithHideDetails())
	}
	h := health.NewHandler(hopts...)
	h.Register("model", health.Optional(&health.PingCheck{Ping: gen.Ping}))

	if a.ledger != nil {
		h.Register("ledger", health.Optional(&health.PingCheck{
			Ping:     a.ledger.Ping,
			Metadata: map[string]any{"chain_id": a.ledger.ChainID().String()},
		}))
	}
	if a.redis != nil {
		h.Register("redis", health.Optional(&health.PingCheck{
			Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		}))
	}
	h.Register("gateway", health.Optional(&health.HTTPCheck{URL: a.cfg.Gateway.BaseURL}))
	if a.journal != nil {
		h.Register("journal", &health.PingCheck{Ping: a.journal.Ping})
		h.Register("disk", &health.DiskCheck{
			Path:           a.journal.Path(),
			MinFreePercent: a.cfg.Journal.MinFreePercent,
		})
	}
	return h
}

func (a *app) server(gen *model.Client, h *health.Handler) *server.Server {
	svc := scan.NewService(gen, a.pipeline,
		scan.WithVerifier(auth.NewVerifier(&a.cfg.Auth)),
		scan.WithMetrics(a.metrics),
		scan.WithTracer(a.tracer.Tracer("github.com/exploopio/audit-anchor/pkg/scan")),
		scan.WithAudit(a.trail),
		scan.WithLogger(a.logger))

	deps := server.Deps{
		Scanner: svc,
		Fetcher: a.gateway,
		Audit:   a.trail,
		Health:  h,
		Metrics: a.metrics,
		Logger:  a.logger,
	}
	if a.ledger != nil {
		deps.Ledger = a.ledger
		deps.Verifier = a.verifier()
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.logger.Debug("Readiness checks: %v", h.Names())
	return server.New(a.cfg.Server, deps)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
