// Package httpapi exposes a node's debug, lookup, and metrics surface
// over plain HTTP: a small operator/tooling interface distinct from the
// Chord peer protocol, which stays on raw UDP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chordring/internal/logger"
	"chordring/internal/obsmetrics"

	"chordring/chordnode"
)

// Server serves a node's debug/control HTTP surface.
type Server struct {
	node    *chordnode.Node
	metrics *obsmetrics.Metrics
	addr    string
	lgr     logger.Logger
	server  *http.Server
}

// New builds a Server bound to addr (e.g. ":9100"). metrics may be nil,
// in which case /metrics reports an empty scrape.
func New(node *chordnode.Node, metrics *obsmetrics.Metrics, addr string, lgr logger.Logger) *Server {
	return &Server{node: node, metrics: metrics, addr: addr, lgr: lgr}
}

// Start launches the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug", s.handleDebug)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/map", s.handleMap)
	mux.HandleFunc("/fingers", s.handleFingers)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.lgr.Info("debug HTTP server starting", logger.F("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.node.State()
	healthy := state == chordnode.Servicing

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"healthy": healthy,
		"state":   stateName(state),
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"self":        snap.Self,
		"predecessor": snap.Predecessor,
		"successor":   snap.Successor,
		"fingers":     snap.Fingers,
		"state":       snap.State,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing 'key' query parameter", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip, port, err := s.node.Query(ctx, key, 0)
	if err != nil {
		s.lgr.Warn("lookup failed", logger.F("key", key), logger.F("err", err))
		http.Error(w, fmt.Sprintf("lookup failed: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"key":  key,
		"hash": s.node.HashedKey(key),
		"ip":   ip,
		"port": port,
	})
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	m, err := s.node.GetChordMap(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("map traversal failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"map": m})
}

func (s *Server) handleFingers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"fingers": s.node.GetFingerTable()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		return
	}
	s.metrics.WritePrometheus(w)
}

func stateName(st chordnode.State) string {
	switch st {
	case chordnode.Uninitialized:
		return "UNINITIALIZED"
	case chordnode.Initialized:
		return "INITIALIZED"
	case chordnode.Servicing:
		return "SERVICING"
	case chordnode.ServiceClosing:
		return "SERVICE_CLOSING"
	case chordnode.ServiceFailed:
		return "SERVICE_FAILED"
	default:
		return "OTHER"
	}
}
