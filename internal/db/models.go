package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// catalogBase contains the common fields shared by the operator-owned catalog
// models (projects, sessions, teams). ID uses UUID v7 (time-ordered) for
// efficient B-tree indexing and natural chronological ordering without a
// separate created_at sort. CreatedAt and UpdatedAt are managed by GORM.
type catalogBase struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every catalog record has a valid time-ordered ID before insert.
func (b *catalogBase) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Catalog: Projects & Sessions
// -----------------------------------------------------------------------------

// Project is the top of the placement hierarchy. Sessions belong to exactly
// one project; deleting a project cascades to its sessions (enforced by the
// schema, see migrations).
type Project struct {
	catalogBase
	Name        string `gorm:"uniqueIndex;not null"`
	Description string `gorm:"type:text;default:''"`
}

// Session is a working period inside a project. Agents attach to at most one
// session at a time; contexts written by an attached agent are stamped with
// both the session and its owning project.
type Session struct {
	catalogBase
	ProjectID uuid.UUID `gorm:"type:text;not null;index:idx_sessions_project_name,unique,priority:1"`
	Name      string    `gorm:"not null;index:idx_sessions_project_name,unique,priority:2"`
}

// -----------------------------------------------------------------------------
// Teams
// -----------------------------------------------------------------------------

// Team is an operator-defined grouping of agents. Teams exist independently
// of sessions: membership widens what a team-level agent can read inside its
// own session, nothing more.
type Team struct {
	TeamID      string    `gorm:"primaryKey"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"type:text;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
}

// AgentTeam is the membership join table. The composite primary key makes
// duplicate membership rows impossible; team-intersection reads join this
// table against itself (see repositories/context.go).
type AgentTeam struct {
	AgentID string `gorm:"primaryKey"`
	TeamID  string `gorm:"primaryKey;index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a logical AI-client identity, independent of any particular socket.
// AgentID is the externally meaningful key: clients announce it as their
// connection_id and the broker auto-binds when the two match.
//
// Teams is populated manually by the repository layer (GetByAgentID loads the
// membership rows). The gorm:"-" tag keeps GORM from attempting association
// resolution on it.
type Agent struct {
	AgentID         string     `gorm:"primaryKey"`
	DisplayName     string     `gorm:"default:''"`
	PermissionLevel string     `gorm:"not null;default:'self'"` // "self", "team", "session", "project"
	ConnectionID    *string    `gorm:"index"`                   // nil when no socket is bound
	SessionID       *uuid.UUID `gorm:"type:text;index"`         // nil when not attached to a session
	IsActive        bool       `gorm:"not null;default:true;index"`
	CreatedAt       time.Time  `gorm:"not null"`
	LastSeen        *time.Time

	Teams []string `gorm:"-"`
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

// Connection lifecycle states.
const (
	ConnectionStatusPending  = "pending"
	ConnectionStatusAssigned = "assigned"
	ConnectionStatusRejected = "rejected"
)

// Connection is the persisted half of a WebSocket attachment. The row is
// created on accept and survives socket teardown so the catalog can show
// connection history. ConnectionID is chosen by the client.
//
// AssignedAgentID and Agent.ConnectionID mirror each other (1:1); the bind
// operation updates both rows inside one writer job so the pair can never
// half-exist.
type Connection struct {
	ConnectionID    string  `gorm:"primaryKey"`
	IPAddress       string  `gorm:"default:''"`
	AssignedAgentID *string `gorm:"index"`
	Status          string  `gorm:"not null;default:'pending';index"` // "pending", "assigned", "rejected"
	FirstSeen       time.Time
	LastSeen        time.Time
}

// -----------------------------------------------------------------------------
// Contexts & Chunks
// -----------------------------------------------------------------------------

// Context is one submission by an agent — the author unit. Rows are immutable
// after insert and append-only; deletion is administrative and cascades to
// chunks. Integer keys keep the wire protocol's chunk-id lists compact and
// give DELETE /contexts/{id} a plain numeric path parameter.
type Context struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	AgentID   string    `gorm:"not null;index:idx_contexts_agent_created,priority:1"`
	SessionID uuid.UUID `gorm:"type:text;not null;index:idx_contexts_session_created,priority:1"`
	ProjectID uuid.UUID `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_contexts_agent_created,priority:2;index:idx_contexts_session_created,priority:2"`
}

// ContextChunk is a bounded-length window of a parent context produced by the
// chunker. The author/session/project columns are denormalized copies of the
// parent's so permission-scoped reads never need the join; the write path
// guarantees they match (see repositories/context.go CreateWithChunks).
type ContextChunk struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	ContextID    int64     `gorm:"not null;index:idx_chunks_context_index,priority:1"`
	ChunkIndex   int       `gorm:"not null;index:idx_chunks_context_index,priority:2"`
	ChunkContent string    `gorm:"type:text;not null"`
	AgentID      string    `gorm:"not null;index:idx_chunks_agent_created,priority:1"`
	SessionID    uuid.UUID `gorm:"type:text;not null;index:idx_chunks_session_created,priority:1"`
	ProjectID    uuid.UUID `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_chunks_agent_created,priority:2;index:idx_chunks_session_created,priority:2"`
}
