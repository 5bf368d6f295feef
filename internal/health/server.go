// Package health serves liveness, readiness, metrics and debug endpoints
// while a rollout runs.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/observability"
)

// ReadinessChecker reports whether the rollout has loaded its registry.
type ReadinessChecker interface {
	IsReady() bool
}

// SnapshotProvider returns the latest rollout state for debugging.
type SnapshotProvider interface {
	LatestSnapshot() interface{}
}

// IncidentSource lists the non-fatal incidents recorded so far.
type IncidentSource interface {
	Incidents() []deployerrors.Incident
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	snapshot   SnapshotProvider
	incidents  IncidentSource
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port.
// When enableDebug is true, pprof and the state endpoints are registered.
func NewServer(port int, metrics *observability.Metrics, readiness ReadinessChecker, snapshot SnapshotProvider, incidents IncidentSource, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		snapshot:  snapshot,
		incidents: incidents,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// only enabled when DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		mux.HandleFunc("/debug/state", s.handleDebugState)
		mux.HandleFunc("/debug/incidents", s.handleDebugIncidents)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

// Addr returns the listen address. After Start it holds the bound port.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

func (s *Server) handleDebugState(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot.LatestSnapshot()
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDebugIncidents(w http.ResponseWriter, _ *http.Request) {
	incidents := s.incidents.Incidents()
	if incidents == nil {
		incidents = []deployerrors.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
