package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yo8192/octo2influx/internal/logger"
)

// HTTP server timeout constants
const (
	DefaultReadTimeout  = 15 * time.Second // Maximum duration for reading the entire request
	DefaultWriteTimeout = 15 * time.Second // Maximum duration before timing out writes of the response
	DefaultIdleTimeout  = 60 * time.Second // Maximum amount of time to wait for the next request
)

// RunState is what the probes need to know about the loop's runs
type RunState interface {
	IsReady() bool
	LastError() error
	LastRunTime() time.Time
	RunCount() int
}

// Server represents the HTTP server of the loop wrapper
type Server struct {
	server *http.Server
	runs   RunState
	logger *logger.Logger
}

// NewServer creates a new HTTP server listening on port, serving metrics
// from gatherer
func NewServer(port int, runs RunState, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
		},
		runs:   runs,
		logger: log,
	}

	// Register handlers
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests (always returns 200 for liveness)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
		s.logger.Error("Failed to write health response", "error", err)
	}
}

type readyResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Runs      int    `json:"runs"`
	LastRun   string `json:"last_run,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// handleReady handles readiness check requests (returns 200 once a sync run
// has succeeded)
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Runs: s.runs.RunCount()}
	if t := s.runs.LastRunTime(); !t.IsZero() {
		resp.LastRun = t.UTC().Format(time.RFC3339)
	}
	if err := s.runs.LastError(); err != nil {
		resp.LastError = err.Error()
	}

	status := http.StatusOK
	if !s.runs.IsReady() {
		status = http.StatusServiceUnavailable
		resp.Status = "not ready"
		resp.Message = "waiting for a successful sync run"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write ready response", "error", err)
	}
}
