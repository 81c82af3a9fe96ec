// Package grpc serves the standard grpc.health.v1 protocol backed by the
// service's health checks, for balancers and orchestrators that probe over
// gRPC instead of HTTP.
package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/exploopio/audit-anchor/pkg/core"
	"github.com/exploopio/audit-anchor/pkg/health"
)

// ServiceName is the health service name reported alongside the overall ("")
// status.
const ServiceName = "audit-anchor"

// Config holds gRPC health endpoint configuration.
type Config struct {
	// Address to listen on (host:port). Empty disables the endpoint.
	Address string `yaml:"address"`

	// APIKey, when set, must be sent as "authorization: Bearer <key>".
	APIKey string `yaml:"api_key"`

	// TLS configuration
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// Connection settings
	KeepAliveTime    time.Duration `yaml:"keepalive_time"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// RefreshInterval is how often the checks are re-run.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ShutdownTimeout bounds the graceful stop; open Watch streams are cut
	// after it.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns default gRPC config.
func DefaultConfig() *Config {
	return &Config{
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		RefreshInterval:  10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
}

// Server publishes health.Handler results over gRPC.
type Server struct {
	config *Config
	checks *health.Handler
	health *grpchealth.Server
	srv    *grpc.Server
	logger core.Logger

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewServer builds the gRPC server. Nothing listens until Serve.
func NewServer(cfg *Config, checks *health.Handler, logger core.Logger) (*Server, error) {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	c := *cfg
	if c.KeepAliveTime <= 0 {
		c.KeepAliveTime = d.KeepAliveTime
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}

	s := &Server{
		config: &c,
		checks: checks,
		health: grpchealth.NewServer(),
		logger: core.OrNop(logger),
		status: healthpb.HealthCheckResponse_NOT_SERVING,
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
		grpc.UnaryInterceptor(s.authInterceptor()),
		grpc.StreamInterceptor(s.streamAuthInterceptor()),
	}
	if c.CertFile != "" || c.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.srv = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Refresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health listening on %s", ln.Addr())
		errCh <- s.srv.Serve(ln)
	}()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			s.Refresh(ctx)
		case <-ctx.Done():
			s.stop()
			return nil
		}
	}
}

func (s *Server) stop() {
	s.logger.Info("Shutting down gRPC health")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.srv.Stop()
		<-done
	}
}

// Refresh re-runs the checks and publishes the result. A handler that is not
// ready, or an unhealthy check, reports NOT_SERVING; degraded still serves.
func (s *Server) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checks != nil && s.checks.IsReady() && s.checks.Check(ctx).Status != health.StatusUnhealthy {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.set(st)
}

// Status returns the last published status.
func (s *Server) Status() healthpb.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()

	if changed {
		s.logger.Debug("gRPC health status %s", st)
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// authInterceptor checks the bearer key on unary calls.
func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := s.authorize(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// streamAuthInterceptor checks the bearer key on streaming calls.
func (s *Server) streamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := s.authorize(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (s *Server) authorize(ctx context.Context) error {
	if s.config.APIKey == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		key, ok := strings.CutPrefix(v, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid api key")
}
