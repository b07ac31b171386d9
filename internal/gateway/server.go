// Package gateway exposes the HTTP, SSE, and WebSocket surface of the
// daemon.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scribehq/scribed/internal/events"
	"github.com/scribehq/scribed/internal/llm"
	"github.com/scribehq/scribed/internal/process"
	"github.com/scribehq/scribed/internal/queue"
	"github.com/scribehq/scribed/internal/storage"
)

// EnqueueRequest is the POST /api/queue payload.
type EnqueueRequest struct {
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Priority    queue.Priority `json:"priority,omitempty"`
	Title       string         `json:"title,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Components  []string       `json:"components,omitempty"`
	Force       bool           `json:"force,omitempty"`
}

// TaskBuilder turns an enqueue request into a runnable task. The server
// owns validation of the HTTP shape; the builder owns domain validation.
type TaskBuilder interface {
	Build(req EnqueueRequest) (*queue.Task, error)
}

// Server wires the API surface to its collaborators.
type Server struct {
	store      *process.Store
	workspaces *process.WorkspaceRegistry
	queue      *queue.Queue
	pool       *llm.Pool
	bus        *events.Bus
	builder    TaskBuilder
	invoker    *llm.Invoker
	usage      *storage.UsageTracker
	log        *slog.Logger

	httpServer *http.Server
	hub        *wsHub
}

// Config assembles a Server.
type Config struct {
	Store      *process.Store
	Workspaces *process.WorkspaceRegistry
	Queue      *queue.Queue
	Pool       *llm.Pool
	Bus        *events.Bus
	Builder    TaskBuilder
	Invoker    *llm.Invoker
	Usage      *storage.UsageTracker
	Log        *slog.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:      cfg.Store,
		workspaces: cfg.Workspaces,
		queue:      cfg.Queue,
		pool:       cfg.Pool,
		bus:        cfg.Bus,
		builder:    cfg.Builder,
		invoker:    cfg.Invoker,
		usage:      cfg.Usage,
		log:        log.With("component", "gateway"),
	}
	s.hub = newWSHub(cfg.Bus, s.log)
	return s
}

// Routes builds the chi router for the full API surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/workspaces", s.handleListWorkspaces)
		r.Post("/workspaces", s.handleRegisterWorkspace)

		r.Route("/processes", func(r chi.Router) {
			r.Get("/", s.handleListProcesses)
			r.Post("/", s.handleCreateProcess)
			r.Delete("/", s.handleBulkDeleteProcesses)
			r.Get("/{id}", s.handleGetProcess)
			r.Patch("/{id}", s.handlePatchProcess)
			r.Delete("/{id}", s.handleDeleteProcess)
			r.Post("/{id}/cancel", s.handleCancelProcess)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/usage", s.handleUsage)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueSnapshot)
			r.Post("/", s.handleEnqueue)
			r.Delete("/", s.handleClearQueued)
			r.Get("/history", s.handleQueueHistory)
			r.Delete("/history", s.handleClearHistory)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Delete("/{id}", s.handleCancelTask)
			r.Post("/{id}/move-to-top", s.reorderHandler(s.queue.MoveToTop))
			r.Post("/{id}/move-up", s.reorderHandler(s.queue.MoveUp))
			r.Post("/{id}/move-down", s.reorderHandler(s.queue.MoveDown))
			r.Get("/{id}/stream", s.handleTaskStream)
		})

		r.Get("/explore", s.handleExplore)
		r.Get("/ws", s.hub.handleWS)
	})

	return r
}

// Start listens on host:port. Port 0 picks an OS-assigned port; the
// bound address is returned.
func (s *Server) Start(host string, port int) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return "", err
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	addr := ln.Addr().String()
	s.log.Info("listening", "addr", addr)
	return addr, nil
}

// Shutdown drains the HTTP server and closes WS clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
