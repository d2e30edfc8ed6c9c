// Package web serves the panel's browser UI: the main screen with the
// live sensor and valve cards, the sensor and actuator detail screens
// with history charts, a JSON state endpoint and a WebSocket feed of
// panel events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/spvg/gaspanel/internal/connwatch"
	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/history"
	"github.com/spvg/gaspanel/internal/panel"
	"github.com/spvg/gaspanel/internal/telemetry"
)

// Panel is the live-state controller behind the main screen.
type Panel interface {
	Snapshot() panel.State
	SetValve(ctx context.Context, open bool) error
	Toggle(ctx context.Context) error
}

// History fetches past readings and valve logs.
type History interface {
	Readings(ctx context.Context, mac string, r history.Range) ([]telemetry.Reading, error)
	Logs(ctx context.Context, mac string, r history.Range) ([]telemetry.LogEntry, error)
}

// Config wires the server's collaborators. Panel is required; the
// rest degrade to empty pages when nil.
type Config struct {
	Panel    Panel
	History  History
	Bus      *events.Bus
	Health   func() []connwatch.ServiceStatus
	Location *time.Location
	Logger   *slog.Logger
}

// Server is the web UI server.
type Server struct {
	panel     Panel
	history   History
	bus       *events.Bus
	health    func() []connwatch.ServiceStatus
	loc       *time.Location
	logger    *slog.Logger
	templates map[string]*template.Template
	server    *http.Server
}

// NewServer creates a server. Templates are parsed here so a broken
// template fails at startup.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		panel:     cfg.Panel,
		history:   cfg.History,
		bus:       cfg.Bus,
		health:    cfg.Health,
		loc:       loc,
		logger:    logger,
		templates: loadTemplates(loc),
	}
}

// RegisterRoutes adds every UI route to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleMain)
	mux.HandleFunc("POST /valve", s.handleValve)
	mux.HandleFunc("GET /sensor", s.handleSensor)
	mux.HandleFunc("GET /actuator", s.handleActuator)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(mux)
}

// Start listens on address:port and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(address string, port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// History fetches plus chart rendering; /ws hijacks the
		// connection and is not bound by this.
		WriteTimeout: 60 * time.Second,
	}

	addr := address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", port)
	return s.server.ListenAndServe()
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

// writeJSON encodes v before writing status, so a value that cannot be
// encoded yields a 500 instead of an empty body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
