// Package admin serves the operational HTTP endpoints of the meshroute binary.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/meshroute/internal/engine"
	"github.com/wudi/meshroute/internal/metrics"
)

// Server exposes health, metrics and debug views of an Engine.
type Server struct {
	engine    *engine.Engine
	metrics   *metrics.Collector
	startTime time.Time
	clock     func() time.Time
}

// New creates the admin server. A nil collector disables /metrics.
func New(e *engine.Engine, m *metrics.Collector) *Server {
	return &Server{
		engine:    e,
		metrics:   m,
		startTime: time.Now(),
		clock:     time.Now,
	}
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	mux.HandleFunc("/debug/snapshot", s.handleSnapshot)
	mux.HandleFunc("/debug/breakers", s.handleBreakers)
	mux.HandleFunc("/debug/faults", s.handleFaults)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"timestamp":        s.clock().Format(time.RFC3339),
		"uptime":           s.clock().Sub(s.startTime).String(),
		"snapshot_version": snap.Version,
	})
}

// handleReady reports ready once a configuration snapshot has been loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	ready := snap.Version != 0

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":            ready,
		"snapshot_version": snap.Version,
		"rules":            snap.Rules,
		"policies":         snap.Policies,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Breakers())
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.FaultStats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
