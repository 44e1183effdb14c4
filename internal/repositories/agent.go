package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
)

// permissionLevels are the only tokens accepted at write time. The schema
// carries a matching CHECK constraint; validating here keeps the error a
// clean ErrValidation instead of a driver constraint failure.
var permissionLevels = map[string]bool{
	"self":    true,
	"team":    true,
	"session": true,
	"project": true,
}

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record. The permission level must be one of the
// four defined tokens.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if agent.AgentID == "" {
		return fmt.Errorf("agents: create: %w: agent_id is required", ErrValidation)
	}
	if !permissionLevels[agent.PermissionLevel] {
		return fmt.Errorf("agents: create: %w: permission_level %q", ErrValidation, agent.PermissionLevel)
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByAgentID retrieves an agent by its external identifier with team
// memberships loaded. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByAgentID(ctx context.Context, agentID string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by agent_id: %w", err)
	}

	teams, err := r.TeamIDs(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Teams = teams

	return &agent, nil
}

// List returns a page of agents ordered by creation time, with team
// memberships loaded in a single batch query rather than per row.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	if len(agents) == 0 {
		return agents, total, nil
	}

	ids := make([]string, len(agents))
	for i := range agents {
		ids[i] = agents[i].AgentID
	}

	var memberships []db.AgentTeam
	if err := r.db.WithContext(ctx).
		Where("agent_id IN ?", ids).
		Find(&memberships).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list memberships: %w", err)
	}

	byAgent := make(map[string][]string, len(agents))
	for _, m := range memberships {
		byAgent[m.AgentID] = append(byAgent[m.AgentID], m.TeamID)
	}
	for i := range agents {
		agents[i].Teams = byAgent[agents[i].AgentID]
	}

	return agents, total, nil
}

// UpdateProfile applies the non-nil fields of upd as a partial column update.
func (r *gormAgentRepository) UpdateProfile(ctx context.Context, agentID string, upd AgentProfileUpdate) error {
	updates := make(map[string]interface{}, 4)
	if upd.DisplayName != nil {
		updates["display_name"] = *upd.DisplayName
	}
	if upd.PermissionLevel != nil {
		if !permissionLevels[*upd.PermissionLevel] {
			return fmt.Errorf("agents: update profile: %w: permission_level %q", ErrValidation, *upd.PermissionLevel)
		}
		updates["permission_level"] = *upd.PermissionLevel
	}
	switch {
	case upd.ClearSession:
		updates["session_id"] = nil
	case upd.SessionID != nil:
		updates["session_id"] = *upd.SessionID
	}
	if upd.IsActive != nil {
		updates["is_active"] = *upd.IsActive
	}
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("agents: update profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConnection updates only the connection binding and last_seen. A nil
// connectionID clears the binding (socket teardown).
func (r *gormAgentRepository) SetConnection(ctx context.Context, agentID string, connectionID *string, lastSeen time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"connection_id": connectionID,
			"last_seen":     lastSeen,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: set connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSeen stamps last_seen only — called on every frame an agent
// sends, so it must stay a one-column update.
func (r *gormAgentRepository) UpdateLastSeen(ctx context.Context, agentID string, lastSeen time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agentID).
		Update("last_seen", lastSeen)
	if result.Error != nil {
		return fmt.Errorf("agents: update last_seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddToTeam inserts a membership row. Duplicate membership is a no-op, not
// an error — the composite primary key makes the row idempotent.
func (r *gormAgentRepository) AddToTeam(ctx context.Context, agentID, teamID string) error {
	err := r.db.WithContext(ctx).Create(&db.AgentTeam{AgentID: agentID, TeamID: teamID}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("agents: add to team: %w", err)
	}
	return nil
}

// TeamIDs returns the team ids the agent belongs to, sorted for determinism.
func (r *gormAgentRepository) TeamIDs(ctx context.Context, agentID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&db.AgentTeam{}).
		Where("agent_id = ?", agentID).
		Order("team_id ASC").
		Pluck("team_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("agents: team ids: %w", err)
	}
	return ids, nil
}
