package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

// ConnectionHandler serves the connection catalog.
type ConnectionHandler struct {
	conns    repositories.ConnectionRepository
	registry *registry.Registry
	logger   *zap.Logger
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(conns repositories.ConnectionRepository, reg *registry.Registry, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		conns:    conns,
		registry: reg,
		logger:   logger.Named("connection_handler"),
	}
}

// connectionResponse is the JSON representation of a connection row. Live
// reports whether a socket is currently open for this connection_id — the
// row itself survives socket teardown.
type connectionResponse struct {
	ConnectionID    string  `json:"connection_id"`
	IPAddress       string  `json:"ip_address"`
	AssignedAgentID *string `json:"assigned_agent_id"`
	Status          string  `json:"status"`
	Live            bool    `json:"live"`
	FirstSeen       string  `json:"first_seen"`
	LastSeen        string  `json:"last_seen"`
}

func (h *ConnectionHandler) toResponse(c *db.Connection) connectionResponse {
	return connectionResponse{
		ConnectionID:    c.ConnectionID,
		IPAddress:       c.IPAddress,
		AssignedAgentID: c.AssignedAgentID,
		Status:          c.Status,
		Live:            h.registry.IsLive(c.ConnectionID),
		FirstSeen:       c.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:        c.LastSeen.UTC().Format(time.RFC3339),
	}
}

// listConnectionsResponse wraps a paginated list of connections.
type listConnectionsResponse struct {
	Connections []connectionResponse `json:"connections"`
	Total       int64                `json:"total"`
}

// List handles GET /connections.
// Most recently seen first; includes pending and rejected rows so the
// operator can see who is knocking.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	conns, total, err := h.conns.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list connections", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]connectionResponse, len(conns))
	for i := range conns {
		items[i] = h.toResponse(&conns[i])
	}

	Ok(w, listConnectionsResponse{Connections: items, Total: total})
}
