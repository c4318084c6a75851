// Package metrics serves the Prometheus scrape endpoint and the health
// probe on one listener.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exit_engine/internal/core"
	"exit_engine/internal/infrastructure/health"
)

// Server exposes /metrics and, when a health manager is given, /healthz.
type Server struct {
	port   int
	health *health.Manager
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, healthMgr *health.Manager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: healthMgr,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background; failures are logged, not fatal, since
// losing the scrape endpoint must not take trading down.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		mux.HandleFunc("/healthz", s.health.Handler())
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("metrics server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
