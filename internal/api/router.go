package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// RouterConfig holds all dependencies needed to build the admin router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger   *zap.Logger
	DB       *gorm.DB
	Registry *registry.Registry
	Writer   *writer.Writer
	Embedder *embedder.Embedder

	Agents      repositories.AgentRepository
	Connections repositories.ConnectionRepository
	Contexts    repositories.ContextRepository
	Catalog     repositories.CatalogRepository

	// AdminToken guards the resource routes when non-empty. The operational
	// endpoints (/status, /healthz, /metrics) are always open — the admin
	// plane binds to localhost unless the operator says otherwise.
	AdminToken string
}

// NewRouter builds and returns the fully configured Chi router for the admin
// plane. Routes are flat — the endpoint paths are part of the operator
// contract (dashboards call GET /status, not a versioned prefix).
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(cfg.DB, cfg.Registry, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Connections, cfg.Catalog, cfg.Registry, cfg.Writer, cfg.Logger)
	connectionHandler := NewConnectionHandler(cfg.Connections, cfg.Registry, cfg.Logger)
	contextHandler := NewContextHandler(cfg.Contexts, cfg.Embedder, cfg.Writer, cfg.Logger)
	catalogHandler := NewCatalogHandler(cfg.Catalog, cfg.Writer, cfg.Logger)

	// --- Operational endpoints (never token-gated) ---
	r.Get("/status", statusHandler.Status)
	r.Get("/healthz", statusHandler.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// --- Resource endpoints ---
	r.Group(func(r chi.Router) {
		if cfg.AdminToken != "" {
			r.Use(RequireToken(cfg.AdminToken))
		}

		// Agents
		r.Get("/agents", agentHandler.List)
		r.Post("/agents", agentHandler.Create)
		r.Get("/agents/{agent_id}", agentHandler.GetByAgentID)
		r.Patch("/agents/{agent_id}", agentHandler.Update)
		r.Post("/agents/{agent_id}/assign/{connection_id}", agentHandler.Assign)

		// Connections
		r.Get("/connections", connectionHandler.List)

		// Contexts
		r.Get("/contexts", contextHandler.List)
		r.Delete("/contexts/{id}", contextHandler.Delete)

		// Catalog
		r.Get("/projects", catalogHandler.ListProjects)
		r.Post("/projects", catalogHandler.CreateProject)
		r.Get("/sessions", catalogHandler.ListSessions)
		r.Post("/sessions", catalogHandler.CreateSession)
		r.Get("/teams", catalogHandler.ListTeams)
		r.Post("/teams", catalogHandler.CreateTeam)
		r.Post("/teams/{team_id}/agents/{agent_id}", agentHandler.AddTeamMember)
	})

	return r
}
