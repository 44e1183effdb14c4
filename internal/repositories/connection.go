package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
)

// gormConnectionRepository is the GORM implementation of ConnectionRepository.
type gormConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository returns a ConnectionRepository backed by the
// provided *gorm.DB.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &gormConnectionRepository{db: db}
}

// Register records a socket arrival. First sight of a connection id creates
// a pending row; a reconnect refreshes ip_address and last_seen on the
// existing row and keeps its status and assignment untouched.
func (r *gormConnectionRepository) Register(ctx context.Context, connectionID, ipAddress string) (*db.Connection, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("connections: register: %w: connection_id is required", ErrValidation)
	}

	now := time.Now().UTC()
	var conn db.Connection

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&conn, "connection_id = ?", connectionID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			conn = db.Connection{
				ConnectionID: connectionID,
				IPAddress:    ipAddress,
				Status:       db.ConnectionStatusPending,
				FirstSeen:    now,
				LastSeen:     now,
			}
			return tx.Create(&conn).Error
		case err != nil:
			return err
		}

		conn.IPAddress = ipAddress
		conn.LastSeen = now
		return tx.Model(&db.Connection{}).
			Where("connection_id = ?", connectionID).
			Updates(map[string]interface{}{
				"ip_address": ipAddress,
				"last_seen":  now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("connections: register: %w", err)
	}

	return &conn, nil
}

// Bind assigns a connection to an agent, updating both sides of the 1:1
// relation in one transaction. Binding the same pair again is a no-op.
// Binding over a stale partner clears the partner first so neither an agent
// nor a connection ever points at two peers.
func (r *gormConnectionRepository) Bind(ctx context.Context, connectionID, agentID string) error {
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		if err := tx.First(&agent, "agent_id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var conn db.Connection
		if err := tx.First(&conn, "connection_id = ?", connectionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		// Already bound to each other: refresh last_seen and stop.
		if conn.AssignedAgentID != nil && *conn.AssignedAgentID == agentID &&
			agent.ConnectionID != nil && *agent.ConnectionID == connectionID {
			return tx.Model(&db.Connection{}).
				Where("connection_id = ?", connectionID).
				Update("last_seen", now).Error
		}

		// Clear a stale partner on the agent side.
		if agent.ConnectionID != nil && *agent.ConnectionID != connectionID {
			if err := tx.Model(&db.Connection{}).
				Where("connection_id = ?", *agent.ConnectionID).
				Updates(map[string]interface{}{
					"assigned_agent_id": nil,
					"status":            db.ConnectionStatusPending,
				}).Error; err != nil {
				return err
			}
		}

		// Clear a stale partner on the connection side.
		if conn.AssignedAgentID != nil && *conn.AssignedAgentID != agentID {
			if err := tx.Model(&db.Agent{}).
				Where("agent_id = ?", *conn.AssignedAgentID).
				Update("connection_id", nil).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&db.Connection{}).
			Where("connection_id = ?", connectionID).
			Updates(map[string]interface{}{
				"assigned_agent_id": agentID,
				"status":            db.ConnectionStatusAssigned,
				"last_seen":         now,
			}).Error; err != nil {
			return err
		}

		return tx.Model(&db.Agent{}).
			Where("agent_id = ?", agentID).
			Updates(map[string]interface{}{
				"connection_id": connectionID,
				"last_seen":     now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("connections: bind: %w", err)
	}
	return nil
}

// Disconnect severs the binding on socket close. The connection row is kept
// for the admin surface; only the live-link columns are cleared.
func (r *gormConnectionRepository) Disconnect(ctx context.Context, connectionID string) error {
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn db.Connection
		if err := tx.First(&conn, "connection_id = ?", connectionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if conn.AssignedAgentID != nil {
			if err := tx.Model(&db.Agent{}).
				Where("agent_id = ?", *conn.AssignedAgentID).
				Updates(map[string]interface{}{
					"connection_id": nil,
					"last_seen":     now,
				}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&db.Connection{}).
			Where("connection_id = ?", connectionID).
			Updates(map[string]interface{}{
				"assigned_agent_id": nil,
				"status":            db.ConnectionStatusPending,
				"last_seen":         now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("connections: disconnect: %w", err)
	}
	return nil
}

// MarkRejected flags a connection that failed the allowlist check.
func (r *gormConnectionRepository) MarkRejected(ctx context.Context, connectionID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Connection{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]interface{}{
			"status":    db.ConnectionStatusRejected,
			"last_seen": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("connections: mark rejected: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByConnectionID retrieves a single connection row.
func (r *gormConnectionRepository) GetByConnectionID(ctx context.Context, connectionID string) (*db.Connection, error) {
	var conn db.Connection
	err := r.db.WithContext(ctx).First(&conn, "connection_id = ?", connectionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connections: get by connection_id: %w", err)
	}
	return &conn, nil
}

// List returns connections ordered by most recent activity.
func (r *gormConnectionRepository) List(ctx context.Context, opts ListOptions) ([]db.Connection, int64, error) {
	var conns []db.Connection
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Connection{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("last_seen DESC").
		Find(&conns).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list: %w", err)
	}

	return conns, total, nil
}

// PurgeStale deletes unassigned pending or rejected rows whose last_seen is
// older than the cutoff. Assigned rows are never purged.
func (r *gormConnectionRepository) PurgeStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("assigned_agent_id IS NULL").
		Where("status IN ?", []string{db.ConnectionStatusPending, db.ConnectionStatusRejected}).
		Where("last_seen < ?", cutoff).
		Delete(&db.Connection{})
	if result.Error != nil {
		return 0, fmt.Errorf("connections: purge stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}
