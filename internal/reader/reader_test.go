package reader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

// fixture wires a read service over a throwaway SQLite database.
type fixture struct {
	gdb      *gorm.DB
	svc      *Service
	agents   repositories.AgentRepository
	catalog  repositories.CatalogRepository
	contexts repositories.ContextRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "broker.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &fixture{
		gdb:      gdb,
		agents:   repositories.NewAgentRepository(gdb),
		catalog:  repositories.NewCatalogRepository(gdb),
		contexts: repositories.NewContextRepository(gdb),
	}
	f.svc = New(f.agents, f.catalog, f.contexts, zap.NewNop())
	return f
}

func (f *fixture) project(t *testing.T, name string) *db.Project {
	t.Helper()
	project := &db.Project{Name: name}
	require.NoError(t, f.catalog.CreateProject(context.Background(), project))
	return project
}

func (f *fixture) session(t *testing.T, projectID uuid.UUID, name string) *db.Session {
	t.Helper()
	session := &db.Session{ProjectID: projectID, Name: name}
	require.NoError(t, f.catalog.CreateSession(context.Background(), session))
	return session
}

func (f *fixture) agent(t *testing.T, agentID, level string, sessionID uuid.UUID, teams ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.agents.Create(ctx, &db.Agent{
		AgentID:         agentID,
		PermissionLevel: level,
		SessionID:       &sessionID,
		IsActive:        true,
	}))
	for _, teamID := range teams {
		if _, err := f.catalog.GetTeam(ctx, teamID); err != nil {
			require.NoError(t, f.catalog.CreateTeam(ctx, &db.Team{TeamID: teamID, Name: teamID}))
		}
		require.NoError(t, f.agents.AddToTeam(ctx, agentID, teamID))
	}
}

// write persists one single-chunk context authored by agentID.
func (f *fixture) write(t *testing.T, agentID string, session *db.Session, content string) int64 {
	t.Helper()
	parent := &db.Context{AgentID: agentID, SessionID: session.ID, ProjectID: session.ProjectID}
	ids, err := f.contexts.CreateWithChunks(context.Background(), parent, []string{content})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func contents(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Context
	}
	return out
}

func TestReadSelfScope(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	session := f.session(t, project.ID, "s1")
	f.agent(t, "alpha", "self", session.ID)
	f.agent(t, "bravo", "self", session.ID)

	f.write(t, "alpha", session, "alpha's context")
	f.write(t, "bravo", session, "bravo's context")

	items, err := f.svc.Read(context.Background(), "alpha", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha's context"}, contents(items))

	t.Run("timestamps are RFC 3339 UTC", func(t *testing.T) {
		require.Len(t, items, 1)
		ts, err := time.Parse(time.RFC3339, items[0].Timestamp)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, ts.Location())
		assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
	})
}

func TestReadTeamScope(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	s1 := f.session(t, project.ID, "s1")
	s2 := f.session(t, project.ID, "s2")

	f.agent(t, "alpha", "team", s1.ID, "team-x")
	f.agent(t, "bravo", "self", s1.ID, "team-x")
	f.agent(t, "charlie", "self", s1.ID)
	f.agent(t, "delta", "self", s2.ID, "team-x")

	f.write(t, "alpha", s1, "own work")
	f.write(t, "bravo", s1, "teammate work")
	f.write(t, "charlie", s1, "outsider work")
	f.write(t, "delta", s2, "other session work")

	items, err := f.svc.Read(context.Background(), "alpha", "", nil)
	require.NoError(t, err)

	got := contents(items)
	assert.Contains(t, got, "own work")
	assert.Contains(t, got, "teammate work")
	assert.NotContains(t, got, "outsider work",
		"an author sharing no team must stay invisible")
	assert.NotContains(t, got, "other session work",
		"team visibility never crosses the session boundary")
}

func TestReadSessionScope(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	s1 := f.session(t, project.ID, "s1")
	s2 := f.session(t, project.ID, "s2")

	f.agent(t, "alpha", "session", s1.ID)
	f.agent(t, "bravo", "self", s1.ID)
	f.agent(t, "delta", "self", s2.ID)

	f.write(t, "bravo", s1, "inside the session")
	f.write(t, "delta", s2, "outside the session")

	items, err := f.svc.Read(context.Background(), "alpha", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"inside the session"}, contents(items))
}

func TestReadProjectScope(t *testing.T) {
	f := newFixture(t)
	p1 := f.project(t, "p1")
	p2 := f.project(t, "p2")
	s1 := f.session(t, p1.ID, "s1")
	s2 := f.session(t, p1.ID, "s2")
	s3 := f.session(t, p2.ID, "s3")

	f.agent(t, "alpha", "project", s1.ID)
	f.agent(t, "bravo", "self", s2.ID)
	f.agent(t, "echo", "self", s3.ID)

	f.write(t, "bravo", s2, "same project, other session")
	f.write(t, "echo", s3, "another project entirely")

	items, err := f.svc.Read(context.Background(), "alpha", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"same project, other session"}, contents(items))
}

func TestReadOverride(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	session := f.session(t, project.ID, "s1")
	f.agent(t, "alpha", "project", session.ID)
	f.agent(t, "bravo", "self", session.ID)

	f.write(t, "alpha", session, "alpha's context")
	f.write(t, "bravo", session, "bravo's context")

	t.Run("narrowing override is honored", func(t *testing.T) {
		items, err := f.svc.Read(context.Background(), "alpha", "self", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha's context"}, contents(items))
	})

	t.Run("widening override is clamped", func(t *testing.T) {
		// bravo is configured self; asking for project must not widen.
		items, err := f.svc.Read(context.Background(), "bravo", "project", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"bravo's context"}, contents(items))
	})

	t.Run("unknown token is rejected", func(t *testing.T) {
		_, err := f.svc.Read(context.Background(), "alpha", "everything", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, repositories.ErrValidation)
	})
}

func TestReadSinceCutoff(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	session := f.session(t, project.ID, "s1")
	f.agent(t, "alpha", "self", session.ID)

	oldID := f.write(t, "alpha", session, "old context")
	f.write(t, "alpha", session, "fresh context")

	past := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, f.gdb.Exec(
		"UPDATE context_chunks SET created_at = ? WHERE id = ?", past, oldID).Error)

	cutoff := time.Now().UTC().Add(-time.Hour)
	items, err := f.svc.Read(context.Background(), "alpha", "", &cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh context"}, contents(items))

	t.Run("future cutoff yields an empty list", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		items, err := f.svc.Read(context.Background(), "alpha", "", &future)
		require.NoError(t, err)
		require.NotNil(t, items, "an empty result must be a list, not null")
		assert.Empty(t, items)
	})
}

func TestReadLimitAndOrdering(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	session := f.session(t, project.ID, "s1")
	f.agent(t, "alpha", "self", session.ID)

	// Three submissions of four chunks each: 12 visible chunks. Backdate the
	// parents so the three submissions have distinct created_at values.
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		parent := &db.Context{AgentID: "alpha", SessionID: session.ID, ProjectID: project.ID}
		chunks := []string{"w", "x", "y", "z"}
		ids, err := f.contexts.CreateWithChunks(context.Background(), parent, chunks)
		require.NoError(t, err)

		stamp := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.gdb.Exec(
			"UPDATE contexts SET created_at = ? WHERE id = ?", stamp, parent.ID).Error)
		for _, id := range ids {
			require.NoError(t, f.gdb.Exec(
				"UPDATE context_chunks SET created_at = ? WHERE id = ?", stamp, id).Error)
		}
	}

	items, err := f.svc.Read(context.Background(), "alpha", "", nil)
	require.NoError(t, err)
	require.Len(t, items, DefaultLimit, "reads are capped at the default limit")

	// Newest submission first, its chunks in index order: the first four
	// items are the full latest submission.
	assert.Equal(t, []string{"w", "x", "y", "z"}, contents(items[:4]))

	// Timestamps never increase across the result.
	for i := 1; i < len(items); i++ {
		prev, err := time.Parse(time.RFC3339, items[i-1].Timestamp)
		require.NoError(t, err)
		cur, err := time.Parse(time.RFC3339, items[i].Timestamp)
		require.NoError(t, err)
		assert.False(t, cur.After(prev), "item %d is newer than item %d", i, i-1)
	}
}

func TestReadRequesterErrors(t *testing.T) {
	f := newFixture(t)
	project := f.project(t, "p1")
	session := f.session(t, project.ID, "s1")
	f.agent(t, "alpha", "self", session.ID)

	t.Run("unknown agent", func(t *testing.T) {
		_, err := f.svc.Read(context.Background(), "ghost", "", nil)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("agent without a session", func(t *testing.T) {
		require.NoError(t, f.agents.Create(context.Background(), &db.Agent{
			AgentID:         "detached",
			PermissionLevel: "self",
			IsActive:        true,
		}))
		_, err := f.svc.Read(context.Background(), "detached", "", nil)
		assert.ErrorIs(t, err, repositories.ErrValidation)
	})

	t.Run("no visible chunks is an empty list", func(t *testing.T) {
		items, err := f.svc.Read(context.Background(), "alpha", "", nil)
		require.NoError(t, err)
		require.NotNil(t, items)
		assert.Empty(t, items)
	})
}
