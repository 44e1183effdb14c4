package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
)

// StatusHandler serves the operational endpoints. These respond with plain
// JSON rather than the {"data": ...} envelope — probes and dashboards read
// them raw.
type StatusHandler struct {
	db       *gorm.DB
	registry *registry.Registry
	logger   *zap.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(gdb *gorm.DB, reg *registry.Registry, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		db:       gdb,
		registry: reg,
		logger:   logger.Named("status_handler"),
	}
}

type statusResponse struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
	Database          string `json:"database"`
}

// Status handles GET /status.
// Reports overall health, the number of live sockets and database
// reachability. A failed ping degrades the status but still returns 200 —
// the broker itself is up.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:            "ok",
		ActiveConnections: h.registry.ActiveCount(),
		Database:          "connected",
	}

	if err := h.ping(r.Context()); err != nil {
		h.logger.Warn("database ping failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unavailable"
	}

	JSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
// Liveness probe: 200 when the database answers, 503 otherwise.
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StatusHandler) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
