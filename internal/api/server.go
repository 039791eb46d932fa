// Package api provides the HTTP and gRPC server for the symphony platform,
// exposing strategy listings, stored backtest runs, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"symphony/internal/backtest"
	"symphony/internal/config"
	"symphony/internal/eval"
	"symphony/internal/store"
	"symphony/internal/strategy"
)

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg        *config.Config
	strategies *strategy.Registry
	runs       store.RunStore // nil disables the backtest endpoints
	gatherer   prometheus.Gatherer
	health     *HealthService
	runMetrics *backtest.RunMetrics
	memo       *eval.MemoCache
	log        *slog.Logger

	httpAddr string
	grpcAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithRunMetrics counts backtests started through POST /v1/backtests.
func WithRunMetrics(m *backtest.RunMetrics) Option {
	return func(s *Server) { s.runMetrics = m }
}

// WithMemo shares an evaluation cache with backtests started through the API.
func WithMemo(m *eval.MemoCache) Option {
	return func(s *Server) { s.memo = m }
}

// NewServer creates a new Server configured from the given Config. Metrics
// are served from gatherer; a nil gatherer serves the default registry.
func NewServer(cfg *config.Config, strategies *strategy.Registry, runs store.RunStore, gatherer prometheus.Gatherer, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:        cfg,
		strategies: strategies,
		runs:       runs,
		gatherer:   gatherer,
		health:     NewHealthService(),
		log:        slog.Default().With("component", "api"),
		httpAddr:   net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		grpcAddr:   net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Health returns the gRPC health service so callers can flip it to
// serving once startup work is done.
func (s *Server) Health() *HealthService { return s.health }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/strategies", s.handleListStrategies)
	mux.HandleFunc("GET /v1/strategies/{name}", s.handleGetStrategy)
	mux.HandleFunc("GET /v1/backtests", s.handleListBacktests)
	mux.HandleFunc("POST /v1/backtests", s.handleRunBacktest)
	mux.HandleFunc("GET /v1/backtests/{id}", s.handleGetBacktest)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. Both servers are shut down
// gracefully before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpc.NewServer()
	s.health.Register(grpcServer)

	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTP server listening", "addr", s.httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down API server")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}
