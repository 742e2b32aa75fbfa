// Package server exposes health, metrics and job status over HTTP while a
// job runs.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/geomopt/internal/config"
	"github.com/copyleftdev/geomopt/internal/logging"
	"github.com/copyleftdev/geomopt/internal/runner"
)

// JobSource reports the running or most recent job.
type JobSource interface {
	Current() (runner.JobInfo, bool)
}

// Server implements the HTTP and JSON-RPC status endpoints.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	jobs     JobSource
	gatherer prometheus.Gatherer
}

// NewServer creates a server reporting on jobs. Metrics are served from
// gatherer; nil means the default registry.
func NewServer(cfg *config.Config, logger *logging.Logger, jobs JobSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		jobs:     jobs,
		gatherer: gatherer,
	}
}

// Handler returns the router with the standard middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(Recovery(s.logger))
	if s.cfg.HTTP.WriteTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.HTTP.WriteTimeout))
	}

	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/job", s.handleJob)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Serve runs the server on ln until ctx is cancelled, then shuts it down
// within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", map[string]interface{}{"address": ln.Addr().String()})
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("status server forced to shut down", map[string]interface{}{"error": err.Error()})
		return err
	}
	s.logger.Info("status server stopped")
	return nil
}

// ListenAndServe listens on the configured metrics address and serves until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.MetricsAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleJob handles GET /api/v1/job
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	info, ok := s.jobStatus()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job has started"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) jobStatus() (runner.JobInfo, bool) {
	if s.jobs == nil {
		return runner.JobInfo{}, false
	}
	return s.jobs.Current()
}

// handleJSONRPC handles JSON-RPC 2.0 requests. The only method is
// job.status, which returns the same document as GET /api/v1/job.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	switch request.Method {
	case "job.status":
		info, ok := s.jobStatus()
		if !ok {
			s.respondWithError(w, -32000, "no job has started", request.ID)
			return
		}
		result = info
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("rpc error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
