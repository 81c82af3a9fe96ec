// Package server exposes the audit service over HTTP.
//
//	POST /scan                  audit and anchor source code
//	GET  /reports/:cid          fetch a published report
//	GET  /tx/:hash              registration transaction status
//	GET  /registrations         registrations since ?from_block=
//	GET  /registrations/total   registry size
//	POST /verify                re-check registrations against their content
//	GET  /metrics /healthz /readyz
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/exploopio/audit-anchor/pkg/audit"
	"github.com/exploopio/audit-anchor/pkg/config"
	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/health"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/metrics"
	"github.com/exploopio/audit-anchor/pkg/report"
	"github.com/exploopio/audit-anchor/pkg/scan"
	"github.com/exploopio/audit-anchor/pkg/verify"
)

// Scanner runs audit requests.
type Scanner interface {
	Scan(ctx context.Context, req scan.Request) (*scan.Response, error)
}

// ReportFetcher retrieves published reports.
type ReportFetcher interface {
	Fetch(ctx context.Context, cid string) (report.Report, error)
}

// Ledger is the read side of the registry.
type Ledger interface {
	Status(ctx context.Context, hash common.Hash) (*ledger.Confirmation, error)
	TotalReports(ctx context.Context) (uint64, error)
	Registrations(ctx context.Context, fromBlock uint64) ([]ledger.RegistrationRecord, error)
}

// Verifier checks registrations against their published content.
type Verifier interface {
	Verify(ctx context.Context, fromBlock uint64) (*verify.Report, error)
}

// StatusJournal records late transaction outcomes.
type StatusJournal interface {
	UpdateStatus(ctx context.Context, txHash, status string) (bool, error)
}

// Deps are the collaborators behind the routes. Ledger, Verifier and Journal
// may be nil when anchoring or the journal is disabled; their routes then
// answer 503. Audit may be nil.
type Deps struct {
	Scanner  Scanner
	Fetcher  ReportFetcher
	Ledger   Ledger
	Verifier Verifier
	Journal  StatusJournal
	Audit    *audit.Logger
	Health   *health.Handler
	Metrics  metrics.Collector
	Logger   core.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	logger core.Logger
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	deps.Logger = core.OrNop(deps.Logger)
	deps.Metrics = metrics.OrNop(deps.Metrics)
	if deps.Health == nil {
		deps.Health = health.NewHandler()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.engine = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog(), s.instrument())
	r.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))

	r.GET("/healthz", gin.WrapH(s.deps.Health.LivenessHandler()))
	r.GET("/readyz", gin.WrapH(s.deps.Health.ReadinessHandler()))
	if s.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	r.POST("/scan", s.handleScan)
	r.GET("/reports/:cid", s.handleReport)

	anchored := r.Group("/")
	anchored.Use(s.requireLedger())
	{
		anchored.GET("/tx/:hash", s.handleTxStatus)
		anchored.GET("/registrations", s.handleRegistrations)
		anchored.GET("/registrations/total", s.handleTotal)
		anchored.POST("/verify", s.handleVerify)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. The health handler reports ready
// while serving.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()
	s.deps.Health.SetReady(true)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	s.deps.Health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
