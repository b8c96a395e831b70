// Package server exposes sync runs and the cached snapshot over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"projectinfo-sync/pkg/projectinfo"
	"projectinfo-sync/resolver"
	"projectinfo-sync/syncer"
)

// Syncer interface for triggering a sync.
type Syncer interface {
	Run(ctx context.Context) *syncer.Report
}

// Snapshots interface for reading the last successful sync.
type Snapshots interface {
	Latest() (*projectinfo.Snapshot, bool)
}

// Server handles HTTP requests.
type Server struct {
	syncer    Syncer
	snapshots Snapshots
	logger    *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Syncer    Syncer
	Snapshots Snapshots
	Logger    *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		syncer:    cfg.Syncer,
		snapshots: cfg.Snapshots,
		logger:    cfg.Logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	return mux
}

// ListenAndServe serves the routes until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // A sync probes several candidates sequentially
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Sync endpoint triggered")
	rep := s.syncer.Run(r.Context())
	s.writeJSON(w, statusFor(rep.Outcome), rep)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, ok := s.snapshots.Latest()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no successful sync yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func statusFor(o resolver.Outcome) int {
	switch o {
	case resolver.OutcomeSuccess:
		return http.StatusOK
	case resolver.OutcomeInvalidConfig:
		return http.StatusBadRequest
	case resolver.OutcomeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
