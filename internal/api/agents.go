package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/websocket"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// AgentHandler groups the agent-related HTTP handlers, including the assign
// action that binds a live connection to an agent.
type AgentHandler struct {
	agents   repositories.AgentRepository
	conns    repositories.ConnectionRepository
	catalog  repositories.CatalogRepository
	registry *registry.Registry
	writer   *writer.Writer
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(
	agents repositories.AgentRepository,
	conns repositories.ConnectionRepository,
	catalog repositories.CatalogRepository,
	reg *registry.Registry,
	wr *writer.Writer,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		agents:   agents,
		conns:    conns,
		catalog:  catalog,
		registry: reg,
		writer:   wr,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	AgentID         string   `json:"agent_id"`
	DisplayName     string   `json:"display_name"`
	PermissionLevel string   `json:"permission_level"`
	ConnectionID    *string  `json:"connection_id"`
	SessionID       *string  `json:"session_id"`
	IsActive        bool     `json:"is_active"`
	Teams           []string `json:"teams"`
	LastSeen        *string  `json:"last_seen"`
	CreatedAt       string   `json:"created_at"`
}

// agentToResponse converts a db.Agent to an agentResponse.
func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		AgentID:         a.AgentID,
		DisplayName:     a.DisplayName,
		PermissionLevel: a.PermissionLevel,
		ConnectionID:    a.ConnectionID,
		IsActive:        a.IsActive,
		Teams:           a.Teams,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Teams == nil {
		resp.Teams = []string{}
	}
	if a.SessionID != nil {
		s := a.SessionID.String()
		resp.SessionID = &s
	}
	if a.LastSeen != nil {
		s := a.LastSeen.UTC().Format(time.RFC3339)
		resp.LastSeen = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Agents []agentResponse `json:"agents"`
	Total  int64           `json:"total"`
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Agents: items, Total: total})
}

// createAgentRequest is the JSON body expected by POST /agents.
type createAgentRequest struct {
	AgentID         string   `json:"agent_id"`
	DisplayName     string   `json:"display_name"`
	PermissionLevel string   `json:"permission_level"`
	SessionID       string   `json:"session_id"`
	Teams           []string `json:"teams"`
}

// Create handles POST /agents.
// Registers a new agent identity. The agent can then connect with its
// agent_id as the connection_id and be bound automatically.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.AgentID == "" {
		ErrBadRequest(w, "agent_id is required")
		return
	}
	if req.PermissionLevel == "" {
		req.PermissionLevel = "self"
	}

	agent := &db.Agent{
		AgentID:         req.AgentID,
		DisplayName:     req.DisplayName,
		PermissionLevel: req.PermissionLevel,
		IsActive:        true,
	}

	if req.SessionID != "" {
		sid, err := uuid.Parse(req.SessionID)
		if err != nil {
			ErrBadRequest(w, "invalid session_id: must be a valid UUID")
			return
		}
		if _, err := h.catalog.GetSession(r.Context(), sid); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrUnprocessable(w, "session not found")
				return
			}
			h.logger.Error("failed to check session", zap.Error(err))
			ErrInternal(w)
			return
		}
		agent.SessionID = &sid
	}

	for _, teamID := range req.Teams {
		if _, err := h.catalog.GetTeam(r.Context(), teamID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrUnprocessable(w, "team not found: "+teamID)
				return
			}
			h.logger.Error("failed to check team", zap.String("team_id", teamID), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	err := h.writer.Do(r.Context(), "agent.create", func(ctx context.Context) error {
		if err := h.agents.Create(ctx, agent); err != nil {
			return err
		}
		for _, teamID := range req.Teams {
			if err := h.agents.AddToTeam(ctx, agent.AgentID, teamID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrConflict):
			ErrConflict(w, "agent already exists")
		case errors.Is(err, repositories.ErrValidation):
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("failed to create agent", zap.String("agent_id", req.AgentID), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	agent.Teams = req.Teams
	Created(w, agentToResponse(agent))
}

// GetByAgentID handles GET /agents/{agent_id}.
func (h *AgentHandler) GetByAgentID(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	agent, err := h.agents.GetByAgentID(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("agent_id", agentID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// updateAgentRequest is the JSON body expected by PATCH /agents/{agent_id}.
// All fields are optional. An explicit empty session_id detaches the agent
// from its session.
type updateAgentRequest struct {
	DisplayName     *string `json:"display_name"`
	PermissionLevel *string `json:"permission_level"`
	SessionID       *string `json:"session_id"`
	IsActive        *bool   `json:"is_active"`
}

// Update handles PATCH /agents/{agent_id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	upd := repositories.AgentProfileUpdate{
		DisplayName:     req.DisplayName,
		PermissionLevel: req.PermissionLevel,
		IsActive:        req.IsActive,
	}

	if req.SessionID != nil {
		if *req.SessionID == "" {
			upd.ClearSession = true
		} else {
			sid, err := uuid.Parse(*req.SessionID)
			if err != nil {
				ErrBadRequest(w, "invalid session_id: must be a valid UUID")
				return
			}
			if _, err := h.catalog.GetSession(r.Context(), sid); err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					ErrUnprocessable(w, "session not found")
					return
				}
				h.logger.Error("failed to check session", zap.Error(err))
				ErrInternal(w)
				return
			}
			upd.SessionID = &sid
		}
	}

	err := h.writer.Do(r.Context(), "agent.update", func(ctx context.Context) error {
		return h.agents.UpdateProfile(ctx, agentID, upd)
	})
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrValidation):
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("failed to update agent", zap.String("agent_id", agentID), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	agent, err := h.agents.GetByAgentID(r.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to reload agent after update", zap.String("agent_id", agentID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// assignResponse is returned by the assign action.
type assignResponse struct {
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
}

// Assign handles POST /agents/{agent_id}/assign/{connection_id}.
// Binds a connection to an agent 1:1. Re-assigning an already-bound pair is
// a no-op; assigning a new pair clears any stale partner on either side. If
// the socket is currently live, the in-memory registry is updated and an
// agent_status broadcast goes out to the other connections.
func (h *AgentHandler) Assign(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	connectionID := chi.URLParam(r, "connection_id")

	if _, err := h.agents.GetByAgentID(r.Context(), agentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for assign", zap.String("agent_id", agentID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if _, err := h.conns.GetByConnectionID(r.Context(), connectionID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get connection for assign", zap.String("connection_id", connectionID), zap.Error(err))
		ErrInternal(w)
		return
	}

	err := h.writer.Do(r.Context(), "connection.assign", func(ctx context.Context) error {
		return h.conns.Bind(ctx, connectionID, agentID)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to assign connection",
			zap.String("agent_id", agentID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.registry.IsLive(connectionID) {
		if err := h.registry.Bind(connectionID, agentID); err != nil {
			// The socket closed between the check and the bind; the DB row
			// is already assigned, so the next connect picks it up.
			h.logger.Warn("socket vanished during assign", zap.String("connection_id", connectionID), zap.Error(err))
		} else {
			h.registry.Broadcast(websocket.AgentStatusFrame(agentID, websocket.StatusConnected), connectionID)
		}
	}

	h.logger.Info("connection assigned",
		zap.String("agent_id", agentID),
		zap.String("connection_id", connectionID),
	)

	Ok(w, assignResponse{
		AgentID:      agentID,
		ConnectionID: connectionID,
		Status:       db.ConnectionStatusAssigned,
	})
}

// AddTeamMember handles POST /teams/{team_id}/agents/{agent_id}.
// Adds the agent to the team; duplicate membership is a no-op.
func (h *AgentHandler) AddTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "team_id")
	agentID := chi.URLParam(r, "agent_id")

	if _, err := h.catalog.GetTeam(r.Context(), teamID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get team", zap.String("team_id", teamID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if _, err := h.agents.GetByAgentID(r.Context(), agentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("agent_id", agentID), zap.Error(err))
		ErrInternal(w)
		return
	}

	err := h.writer.Do(r.Context(), "team.member.add", func(ctx context.Context) error {
		return h.agents.AddToTeam(ctx, agentID, teamID)
	})
	if err != nil {
		h.logger.Error("failed to add team member",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=50, offset=0. Max limit is capped at 500.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 50
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
