// Package api exposes the health and metrics HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cowprotocol/watch-tower/internal/health"
	"github.com/cowprotocol/watch-tower/internal/logger"
)

const shutdownCtxTimeout = 10 * time.Second

// Config tunes the HTTP server.
type Config struct {
	Enabled       bool
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server serves GET /health and GET /metrics.
type Server struct {
	config     Config
	aggregator *health.Aggregator
	server     *http.Server
	log        *logger.Logger
}

// NewServer wires the health aggregator and the Prometheus registry into an
// HTTP server. Start must be called for it to serve.
func NewServer(cfg Config, aggregator *health.Aggregator, log *logger.Logger) *Server {
	cfg.ApplyDefaults()

	s := &Server{
		config:     cfg,
		aggregator: aggregator,
		log:        log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = RecoveryMiddleware(s.log)(h)
	h = LoggingMiddleware(s.log)(h)

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the composed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Infow("api server disabled")
		return nil
	}

	s.log.Infow("starting api server", "address", s.config.ListenAddress)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("api server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCtxTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	s.log.Infow("api server stopped")
	return nil
}

// handleHealth reports the aggregate chain health: 200 when every chain is
// IN_SYNC, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.aggregator.Report()

	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")

	encoded, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}
