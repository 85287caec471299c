package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/registry"
	"github.com/nstogner/agenthub/pkg/relay"
	"github.com/nstogner/agenthub/pkg/sandbox"
	"github.com/nstogner/agenthub/pkg/store"
)

// Sandboxes is the sandbox lifecycle surface exposed over REST.
type Sandboxes interface {
	List() []sandbox.Sandbox
	ByAgent(agentID string) (sandbox.Sandbox, bool)
	Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Sandbox, error)
	Start(ctx context.Context, id string) error
	Rename(agentID, name string) error
	SetSystemPrompt(agentID, prompt string) error
	Clear(ctx context.Context, removeContainers bool) error
}

// Options configures a Server.
type Options struct {
	// WebSocketPath is where agents and the console connect.
	WebSocketPath string
	// MaxFrameBytes bounds one inbound frame.
	MaxFrameBytes int64
	// OutboundQueue is the per-connection send queue length.
	OutboundQueue int
}

// Server serves the relay transport and the REST API.
type Server struct {
	Router *chi.Mux

	relay     *relay.Handler
	reg       *registry.Registry
	sandboxes Sandboxes
	store     store.Store
	opts      Options

	upgrader websocket.Upgrader
	srv      *http.Server
}

// New creates a Server and builds its routes.
func New(h *relay.Handler, reg *registry.Registry, sandboxes Sandboxes, st store.Store, opts Options) *Server {
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws"
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 256
	}
	s := &Server{
		relay:     h,
		reg:       reg,
		sandboxes: sandboxes,
		store:     st,
		opts:      opts,
		upgrader: websocket.Upgrader{
			// Agents and the local console connect without an Origin the
			// hub could check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(s.opts.WebSocketPath, s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)

		r.Get("/sandboxes", s.handleListSandboxes)
		r.Post("/sandboxes", s.handleCreateSandbox)
		r.Route("/sandboxes/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetSandbox)
			r.Patch("/", s.handleUpdateSandbox)
			r.Post("/start", s.handleStartSandbox)
			r.Get("/messages", s.handleListMessages)
			r.Get("/status", s.handleGetStatus)
		})
		r.Delete("/state", s.handleClearState)
	})
	return r
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting hub server", "addr", addr, "ws", s.opts.WebSocketPath)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked by http.Server and end
// when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("API error", "error", err)
	} else {
		slog.Debug("API error", "error", err)
	}
	s.jsonResponse(w, status, map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalid, apperr.KindConfiguration, apperr.KindProtocol:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
