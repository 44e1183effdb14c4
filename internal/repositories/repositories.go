// Package repositories exposes typed persistence operations over the broker
// catalog — never raw SQL — so that callers depend on behavior, not schema.
// All mutating methods are expected to run inside writer jobs (see
// internal/writer); reads may run concurrently.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

// AgentProfileUpdate carries partial changes to the operator-managed agent
// columns. Nil members are left untouched; ClearSession detaches the agent
// (SessionID nil alone means "no change").
type AgentProfileUpdate struct {
	DisplayName     *string
	PermissionLevel *string
	SessionID       *uuid.UUID
	ClearSession    bool
	IsActive        *bool
}

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error

	// GetByAgentID returns the agent with its team memberships loaded into
	// Agent.Teams. Returns ErrNotFound if no record exists.
	GetByAgentID(ctx context.Context, agentID string) (*db.Agent, error)

	// List returns agents ordered by creation time with team memberships
	// loaded in one batch query, plus the total count.
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)

	// UpdateProfile applies the non-nil fields of upd. Permission levels are
	// validated against the four known tokens before touching the row.
	UpdateProfile(ctx context.Context, agentID string, upd AgentProfileUpdate) error

	// SetConnection updates only the connection binding and last_seen columns.
	// Pass nil to clear the binding on disconnect.
	SetConnection(ctx context.Context, agentID string, connectionID *string, lastSeen time.Time) error

	UpdateLastSeen(ctx context.Context, agentID string, lastSeen time.Time) error

	AddToTeam(ctx context.Context, agentID, teamID string) error
	TeamIDs(ctx context.Context, agentID string) ([]string, error)
}

// -----------------------------------------------------------------------------
// ConnectionRepository
// -----------------------------------------------------------------------------

type ConnectionRepository interface {
	// Register upserts a connection row: first contact creates it with status
	// "pending", repeat contact refreshes ip_address and last_seen without
	// touching the status. Idempotent on connection_id.
	Register(ctx context.Context, connectionID, ip string) (*db.Connection, error)

	// Bind establishes the 1:1 agent↔connection link: both rows are updated
	// in one transaction and the connection transitions to "assigned".
	// Binding an already-bound pair is a no-op; stale partners on either side
	// are cleared so the invariant can never half-hold.
	Bind(ctx context.Context, connectionID, agentID string) error

	// Disconnect clears both sides of the binding and returns the connection
	// to "pending". Rows are never deleted here — the catalog keeps history.
	Disconnect(ctx context.Context, connectionID string) error

	// MarkRejected records an allowlist rejection on the connection row.
	MarkRejected(ctx context.Context, connectionID string) error

	GetByConnectionID(ctx context.Context, connectionID string) (*db.Connection, error)
	List(ctx context.Context, opts ListOptions) ([]db.Connection, int64, error)

	// PurgeStale hard-deletes pending/rejected rows unseen since the cutoff
	// and never assigned to an agent. Returns the number of rows removed.
	PurgeStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ContextRepository
// -----------------------------------------------------------------------------

// ContextWithMeta is the admin projection of a context: the parent row plus
// its chunk count and the first 100 characters of its first chunk.
type ContextWithMeta struct {
	db.Context
	ChunkCount int64  `gorm:"column:chunk_count"`
	Summary    string `gorm:"column:summary"`
}

type ContextRepository interface {
	// CreateWithChunks inserts the parent context and one chunk row per
	// element of contents — chunk_index ascending from 0, author/session/
	// project columns copied from the parent — inside a single transaction.
	// Partial success is not observable. Returns the chunk ids in index order.
	CreateWithChunks(ctx context.Context, parent *db.Context, contents []string) ([]int64, error)

	// ListChunks returns up to limit chunks matching the predicate, newest
	// first (created_at DESC, then context_id DESC, then chunk_index ASC).
	ListChunks(ctx context.Context, pred ChunkPredicate, limit int) ([]db.ContextChunk, error)

	// GetChunksByIDs fetches chunk rows for the embedding pipeline. Missing
	// ids are skipped, not errors: a chunk may have been deleted between
	// enqueue and execution.
	GetChunksByIDs(ctx context.Context, ids []int64) ([]db.ContextChunk, error)

	// ListChunkIDs returns ids of chunks created after the cutoff, oldest
	// first, capped at limit. Used by the embedding backfill sweep.
	ListChunkIDs(ctx context.Context, since time.Time, limit int) ([]int64, error)

	// ListContexts returns contexts newest-first with chunk counts and
	// 100-char summaries, plus the total count.
	ListContexts(ctx context.Context, opts ListOptions) ([]ContextWithMeta, int64, error)

	// ChunkIDsForContext returns the chunk ids of one parent, index order.
	ChunkIDsForContext(ctx context.Context, contextID int64) ([]int64, error)

	// DeleteContext removes the parent row; chunk rows cascade via schema.
	DeleteContext(ctx context.Context, contextID int64) error

	CountContexts(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// CatalogRepository
// -----------------------------------------------------------------------------

// CatalogRepository covers the operator-owned placement entities: projects,
// sessions, teams. The admin API and the seed command create them; the
// broker's own write path only ever reads them.
type CatalogRepository interface {
	CreateProject(ctx context.Context, project *db.Project) error
	CreateSession(ctx context.Context, session *db.Session) error
	CreateTeam(ctx context.Context, team *db.Team) error

	GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error)
	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
	GetTeam(ctx context.Context, teamID string) (*db.Team, error)

	ListProjects(ctx context.Context, opts ListOptions) ([]db.Project, int64, error)
	ListSessions(ctx context.Context, opts ListOptions) ([]db.Session, int64, error)
	ListTeams(ctx context.Context, opts ListOptions) ([]db.Team, int64, error)
}
