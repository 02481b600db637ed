// Package api serves sentinel's HTTP API: detection reads, healing writes
// behind the policy gate, and the action ledger.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/moolen/sentinel/internal/analysis"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/healing"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

// ReadinessChecker is an interface for checking component readiness
type ReadinessChecker interface {
	IsReady() bool
}

// Services are the backends the handlers call.
type Services struct {
	Analysis *analysis.Service
	Healing  *healing.Service
	Learner  *ledger.Learner
	// Ready gates /ready. Nil means always ready.
	Ready ReadinessChecker
	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

// Server handles HTTP API requests and implements lifecycle.Component.
type Server struct {
	addr    string
	server  *http.Server
	handler http.Handler
	ready   ReadinessChecker
	logger  *logging.Logger
}

// New creates the server and registers every route.
func New(cfg config.ServerConfig, svc Services) *Server {
	s := &Server{
		addr:   fmt.Sprintf(":%d", cfg.Port),
		ready:  svc.Ready,
		logger: logging.GetLogger("api"),
	}

	tracer := otel.Tracer("sentinel.api")
	mux := http.NewServeMux()
	NewDetectHandler(svc.Analysis, tracer).Register(mux)
	NewHealHandler(svc.Healing, tracer).Register(mux)
	NewLedgerHandler(svc.Learner, tracer).Register(mux)

	gatherer := svc.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	var handler http.Handler = mux
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		handler = rateLimit(rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst), handler)
	}
	s.handler = requestLogger(s.logger, handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens synchronously so a busy port fails startup, then serves in
// the background.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("HTTP API listening on %s", lis.Addr())
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func (s *Server) Name() string { return "http-api" }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ready == nil || s.ready.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, map[string]bool{"ready": ready})
}
