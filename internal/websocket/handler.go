package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/allowlist"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/metrics"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin always
// returns true — agents are not browsers, and admission control is the
// allowlist, not the Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler owns the GET /ws/{connection_id} endpoint and the connection
// lifecycle around each socket: allowlist admission, persisting the
// connection row, auto-binding when the id matches a known agent, status
// broadcasts, and teardown.
type Handler struct {
	registry *registry.Registry
	allow    *allowlist.Allowlist
	writer   *writer.Writer
	agents   repositories.AgentRepository
	conns    repositories.ConnectionRepository
	dispatch FrameHandler
	logger   *zap.Logger
}

// NewHandler creates the WebSocket endpoint handler. dispatch receives every
// inbound frame once the connection is admitted.
func NewHandler(
	reg *registry.Registry,
	allow *allowlist.Allowlist,
	wr *writer.Writer,
	agents repositories.AgentRepository,
	conns repositories.ConnectionRepository,
	dispatch FrameHandler,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry: reg,
		allow:    allow,
		writer:   wr,
		agents:   agents,
		conns:    conns,
		dispatch: dispatch,
		logger:   logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws/{connection_id}. It admits, upgrades, registers
// and then blocks until the connection closes — this is expected for
// WebSocket handlers.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "connection_id")
	if connectionID == "" {
		http.Error(w, "connection_id required", http.StatusBadRequest)
		return
	}
	ip := remoteIP(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The response has already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		return
	}

	// --- Admission ---
	if !h.allow.Allowed(connectionID) {
		h.reject(r.Context(), conn, connectionID, ip)
		return
	}

	// --- Persist arrival, auto-bind on matching agent id ---
	bound, err := h.open(r.Context(), connectionID, ip)
	if err != nil {
		h.logger.Error("ws: connection open failed",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		conn.Close()
		return
	}

	client := NewClient(conn, connectionID, r.RemoteAddr, h.dispatch, h.logger)

	// ctx cancels in-flight frame handlers when the socket goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// --- Register in memory and announce ---
	h.registry.Register(connectionID, r.RemoteAddr, client)
	if bound {
		if err := h.registry.Bind(connectionID, connectionID); err != nil {
			h.logger.Warn("ws: in-memory bind failed", zap.Error(err))
		}
		metrics.Connections.WithLabelValues("assigned").Inc()
		h.registry.Broadcast(AgentStatusFrame(connectionID, StatusConnected), connectionID)
	} else {
		metrics.Connections.WithLabelValues("pending").Inc()
		h.registry.Broadcast(NewPendingAgentFrame(connectionID, connectionID), connectionID)
	}

	h.logger.Info("ws: client connected",
		zap.String("connection_id", connectionID),
		zap.Bool("auto_bound", bound),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Block until the connection closes.
	client.Run(ctx)

	// --- Teardown ---
	agentID, removed := h.registry.Deregister(connectionID, client)
	if !removed {
		// A reconnect already replaced this socket; its binding now belongs
		// to the replacement and must not be torn down here.
		h.logger.Info("ws: stale socket closed",
			zap.String("connection_id", connectionID))
		return
	}

	// Fresh context for cleanup: the request context is already done.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCleanup()

	if err := h.writer.Do(cleanupCtx, "connection.close", func(ctx context.Context) error {
		return h.conns.Disconnect(ctx, connectionID)
	}); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Warn("ws: failed to persist disconnect",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}

	if agentID != "" {
		h.registry.Broadcast(AgentStatusFrame(agentID, StatusDisconnected), "")
	}

	h.logger.Info("ws: client disconnected",
		zap.String("connection_id", connectionID),
		zap.String("agent_id", agentID),
	)
}

// open persists the socket arrival and, when the connection id matches an
// existing agent, binds the pair — connection marked assigned, agent row
// pointed at the connection, last_seen stamped — in one writer job. Returns
// whether the connection came up bound.
func (h *Handler) open(ctx context.Context, connectionID, ip string) (bool, error) {
	_, lookupErr := h.agents.GetByAgentID(ctx, connectionID)
	if lookupErr != nil && !errors.Is(lookupErr, repositories.ErrNotFound) {
		return false, lookupErr
	}
	autoBind := lookupErr == nil

	err := h.writer.Do(ctx, "connection.open", func(ctx context.Context) error {
		if _, err := h.conns.Register(ctx, connectionID, ip); err != nil {
			return err
		}
		if autoBind {
			return h.conns.Bind(ctx, connectionID, connectionID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return autoBind, nil
}

// reject records the disallowed attempt, tells the client why, and closes
// the socket. The pumps never start for rejected connections.
func (h *Handler) reject(ctx context.Context, conn *websocket.Conn, connectionID, ip string) {
	metrics.Connections.WithLabelValues("rejected").Inc()
	h.logger.Warn("ws: agent not allowlisted",
		zap.String("connection_id", connectionID),
		zap.String("ip", ip),
	)

	if err := h.writer.Do(ctx, "connection.reject", func(ctx context.Context) error {
		if _, err := h.conns.Register(ctx, connectionID, ip); err != nil {
			return err
		}
		return h.conns.MarkRejected(ctx, connectionID)
	}); err != nil {
		h.logger.Error("ws: failed to persist rejection", zap.Error(err))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, AnnounceRejectedFrame(ReasonNotAllowlisted))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ReasonNotAllowlisted))
	conn.Close()
}

// remoteIP strips the port from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
