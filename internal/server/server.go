// Package server exposes the WebSocket endpoint and the HTTP management
// surface: health probes, per-session graph inspection, feedback analytics,
// and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/health"
	"github.com/MrWong99/echograph/internal/objectstore"
	"github.com/MrWong99/echograph/internal/observe"
	"github.com/MrWong99/echograph/internal/session"
	"github.com/MrWong99/echograph/internal/warehouse"
)

// banner is the GET / service banner.
const banner = "echograph: realtime speech to knowledge graph"

// cacheBackend is the slice of the cache client the server probes and purges.
// *cache.Client is the production implementation.
type cacheBackend interface {
	Ping(ctx context.Context) error
	Available() bool
}

// analyticsSource aggregates feedback for the management API.
// *feedback.Manager is the production implementation.
type analyticsSource interface {
	Analytics(ctx context.Context) (*warehouse.Analytics, error)
}

// Config wires a Server.
type Config struct {
	// Router runs accepted WebSocket connections. Required.
	Router *session.Router

	// Graphs serves and purges per-session graph state. Required.
	Graphs *graph.Manager

	// Cache backs /health and /readyz probes. Optional; without it the
	// server always reports healthy.
	Cache cacheBackend

	// Objects is purged alongside the graph on DELETE. Optional.
	Objects objectstore.Store

	// Feedback serves /api/feedback/analytics. Optional; 404 without it.
	Feedback analyticsSource

	// Extra readiness checkers beyond the built-in cache check.
	Checkers []health.Checker

	// AllowedOrigins are WebSocket handshake origin patterns. Empty accepts
	// any origin.
	AllowedOrigins []string

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front of the system. Build the handler with
// [Server.Handler] and serve it with a net/http server owned by the caller.
type Server struct {
	router   *session.Router
	graphs   *graph.Manager
	cache    cacheBackend
	objects  objectstore.Store
	feedback analyticsSource
	checkers []health.Checker
	origins  []string
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Router == nil || cfg.Graphs == nil {
		return nil, errors.New("server: router and graph manager required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		router:   cfg.Router,
		graphs:   cfg.Graphs,
		cache:    cfg.Cache,
		objects:  cfg.Objects,
		feedback: cfg.Feedback,
		checkers: cfg.Checkers,
		origins:  cfg.AllowedOrigins,
		metrics:  metrics,
		log:      log.With("component", "server"),
	}, nil
}

// Handler builds the full route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleBanner)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/graph/{id}", s.handleGetGraph)
	mux.HandleFunc("DELETE /api/graph/{id}", s.handleDeleteGraph)
	mux.HandleFunc("GET /api/feedback/analytics", s.handleAnalytics)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := append([]health.Checker{}, s.checkers...)
	if s.cache != nil {
		checkers = append(checkers, health.Checker{Name: "cache", Check: s.cache.Ping})
	}
	health.New(checkers...).Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, banner)
}

// handleHealth reports the coarse service health the browser client polls.
// The cache going away degrades the service but does not fail it: live
// sessions keep running from memory.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.cache != nil && (!s.cache.Available() || s.cache.Ping(r.Context()) != nil) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "service": "echograph"})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	state, err := s.graphs.GetState(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "graph load failed"})
		return
	}
	if state.Version == 0 && len(state.Entities) == 0 && len(state.Relations) == 0 {
		// The lazy lookup tracked an empty session; drop it again.
		s.graphs.Forget(sessionID)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleDeleteGraph is the explicit purge: persisted graph, snapshots, and
// stored artifacts all go.
func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.graphs.Purge(r.Context(), sessionID); err != nil {
		s.log.Error("graph purge failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	s.graphs.Forget(sessionID)
	if s.objects != nil {
		if err := s.objects.DeleteSession(r.Context(), sessionID); err != nil {
			s.log.Warn("artifact purge failed", "session_id", sessionID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "sessionId": sessionID})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "feedback is not configured"})
		return
	}
	analytics, err := s.feedback.Analytics(r.Context())
	if err != nil {
		s.log.Error("analytics query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "analytics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// handleWS upgrades the connection and hands it to the session router. The
// handler blocks for the lifetime of the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.origins) > 0 {
		opts.OriginPatterns = s.origins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)

	transport := session.NewWebSocketTransport(conn)
	if err := s.router.Handle(r.Context(), transport); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Info("session ended with error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
