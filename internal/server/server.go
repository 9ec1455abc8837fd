// Package server wires the HTTP surface: a client-facing router (chat
// completions, model listing, health/status) and a separate admin router
// (traffic, config, backend health, reload, metrics), each bound to its own
// port per the gateway config.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lm-gateway/lm-gateway/internal/state"
)

// Server holds both routers and the shared state every handler reads from.
type Server struct {
	clientRouter chi.Router
	adminRouter  chi.Router

	state  *state.State
	logger *zap.Logger
}

// New builds a Server, wires both routing tables, and returns it ready to
// hand to two independent http.Server instances (one per port).
func New(st *state.State, logger *zap.Logger) *Server {
	s := &Server{state: st, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	client := chi.NewRouter()
	client.Use(middleware.Logger)
	client.Use(middleware.Recoverer)
	client.Use(s.requestIDMiddleware)
	client.Use(s.rateLimitMiddleware)

	client.Get("/healthz", s.handleHealthz)
	client.Get("/status", s.handleStatus)
	client.Get("/v1/models", s.handleModels)
	client.Post("/v1/chat/completions", s.handleChatCompletions)

	admin := chi.NewRouter()
	admin.Use(middleware.Logger)
	admin.Use(middleware.Recoverer)
	admin.Use(s.adminAuthMiddleware)

	admin.Get("/admin/health", s.handleAdminHealth)
	admin.Get("/admin/traffic", s.handleAdminTraffic)
	admin.Get("/admin/config", s.handleAdminConfig)
	admin.Get("/admin/backends/health", s.handleAdminBackendsHealth)
	admin.Post("/admin/reload", s.handleAdminReload)
	admin.Handle("/metrics", s.handleMetrics())

	s.clientRouter = client
	s.adminRouter = admin
}

// ClientHandler is the http.Handler for the client-facing port.
func (s *Server) ClientHandler() http.Handler { return s.clientRouter }

// AdminHandler is the http.Handler for the admin port.
func (s *Server) AdminHandler() http.Handler { return s.adminRouter }
