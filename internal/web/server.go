// Package web serves the operator surface: a small dashboard, the
// diagnostics and session-inspection API, the reset operation, and a
// WebSocket stream of bus events.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aida-agent/aida/internal/buildinfo"
	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/events"
	"github.com/aida-agent/aida/internal/gate"
	"github.com/aida-agent/aida/internal/session"
	"github.com/aida-agent/aida/internal/stats"
)

// AgentControl is the slice of the orchestrator the server needs.
type AgentControl interface {
	ProcessTurn(ctx context.Context, contact, text string) (string, error)
	Instructions() string
	ReloadInstructions() error
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the operator HTTP server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	store  session.Store
	stats  *stats.Collector
	bus    *events.Bus
	gate   *gate.Gate
	agent  AgentControl
	server *http.Server
}

// NewServer creates the operator server. Any dependency may be nil;
// the endpoints that need it answer 503.
func NewServer(cfg *config.Config, store session.Store, collector *stats.Collector, bus *events.Bus, g *gate.Gate, agent AgentControl, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		store:  store,
		stats:  collector,
		bus:    bus,
		gate:   g,
		agent:  agent,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/reset", s.handleSessionsReset)
	mux.HandleFunc("GET /api/conversations/{contact}", s.handleConversation)
	mux.HandleFunc("POST /api/debug/message", s.handleDebugMessage)
	mux.HandleFunc("POST /api/instructions/reload", s.handleInstructionsReload)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Web.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /events is long-lived
	}

	s.logger.Info("starting web server", "listen", s.cfg.Web.Listen)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
