// Package httpapi is the HTTP/JSON and SSE surface under /api/v1.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/envoyhq/envoy/internal/bus"
	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/providers"
	"github.com/envoyhq/envoy/internal/store"
	"github.com/envoyhq/envoy/internal/tools"
)

// TurnRunner is the slice of the agent loop the chat endpoint needs.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, sessionID, userMessage string, history []providers.Message) (string, []providers.Message, error)
}

// Server wires all handlers onto one mux and owns the http.Server.
type Server struct {
	httpServer *http.Server
}

// Config carries the collaborators the handlers need.
type Config struct {
	Addr         string
	Store        *store.Store
	Bus          *bus.Bus
	Runner       TurnRunner
	Catalog      *tools.Catalog
	Integrations *integrations.Manager
	Scheduler    tools.TaskScheduler
	RateLimitRPM int
}

func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()

	(&ChatHandler{store: cfg.Store, runner: cfg.Runner, limiter: newSessionLimiter(cfg.RateLimitRPM)}).RegisterRoutes(mux)
	(&EventsHandler{bus: cfg.Bus}).RegisterRoutes(mux)
	(&SessionsHandler{store: cfg.Store}).RegisterRoutes(mux)
	(&ToolsHandler{store: cfg.Store, catalog: cfg.Catalog}).RegisterRoutes(mux)
	(&IntegrationsHandler{store: cfg.Store, manager: cfg.Integrations}).RegisterRoutes(mux)
	(&TasksHandler{store: cfg.Store, scheduler: cfg.Scheduler}).RegisterRoutes(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.Addr,
			Handler: mux,
			// No write timeout: SSE streams and tool-heavy turns stay open
			// well past two minutes.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
