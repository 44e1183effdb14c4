package embedder

import (
	"context"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
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
	return gdb
}

// seedChunks creates the placement rows and one context with the given chunk
// contents, returning the chunk ids.
func seedChunks(t *testing.T, gdb *gorm.DB, contents []string) ([]int64, repositories.ContextRepository) {
	t.Helper()
	ctx := context.Background()

	catalog := repositories.NewCatalogRepository(gdb)
	agents := repositories.NewAgentRepository(gdb)
	contexts := repositories.NewContextRepository(gdb)

	project := &db.Project{Name: "proj"}
	require.NoError(t, catalog.CreateProject(ctx, project))
	session := &db.Session{ProjectID: project.ID, Name: "sess"}
	require.NoError(t, catalog.CreateSession(ctx, session))
	require.NoError(t, agents.Create(ctx, &db.Agent{
		AgentID:         "agent-1",
		PermissionLevel: "self",
		SessionID:       &session.ID,
		IsActive:        true,
	}))

	parent := &db.Context{AgentID: "agent-1", SessionID: session.ID, ProjectID: project.ID}
	ids, err := contexts.CreateWithChunks(ctx, parent, contents)
	require.NoError(t, err)
	return ids, contexts
}

func localFunc(t *testing.T) func(context.Context, string) ([]float32, error) {
	t.Helper()
	fn, err := NewEmbeddingFunc(ProviderConfig{Kind: ProviderLocal, Dimension: 16})
	require.NoError(t, err)
	return fn
}

func TestEmbedderProcessesEnqueuedBatches(t *testing.T) {
	gdb := openTestDB(t)
	ids, contexts := seedChunks(t, gdb, []string{"first chunk", "second chunk"})

	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)

	e := New(store, contexts, localFunc(t), 2, zap.NewNop())
	e.Enqueue(ids)
	require.NoError(t, e.Close())

	for _, id := range ids {
		assert.True(t, store.Has(context.Background(), strconv.FormatInt(id, 10)),
			"chunk %d has no vector", id)
	}
	assert.Equal(t, len(ids), store.Count())
}

func TestEmbedderSkipsDeletedChunks(t *testing.T) {
	gdb := openTestDB(t)
	ids, contexts := seedChunks(t, gdb, []string{"kept"})

	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)

	e := New(store, contexts, localFunc(t), 1, zap.NewNop())
	// 99999 was deleted (never existed) between enqueue and processing.
	e.Enqueue([]int64{ids[0], 99999})
	require.NoError(t, e.Close())

	assert.True(t, store.Has(context.Background(), strconv.FormatInt(ids[0], 10)))
	assert.Equal(t, 1, store.Count())
}

func TestEmbedderBackfill(t *testing.T) {
	gdb := openTestDB(t)
	ids, contexts := seedChunks(t, gdb, []string{"one", "two", "three"})

	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)
	e := New(store, contexts, localFunc(t), 1, zap.NewNop())

	since := time.Now().UTC().Add(-time.Hour)
	missing, err := e.Backfill(context.Background(), since, 100)
	require.NoError(t, err)
	assert.Equal(t, len(ids), missing, "every chunk starts unembedded")

	require.NoError(t, e.Close())
	assert.Equal(t, len(ids), store.Count())

	t.Run("second pass finds nothing", func(t *testing.T) {
		e2 := New(store, contexts, localFunc(t), 1, zap.NewNop())
		missing, err := e2.Backfill(context.Background(), since, 100)
		require.NoError(t, err)
		assert.Zero(t, missing)
		require.NoError(t, e2.Close())
	})
}

func TestEmbedderDeleteForContext(t *testing.T) {
	gdb := openTestDB(t)
	ids, contexts := seedChunks(t, gdb, []string{"a", "b"})

	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)
	e := New(store, contexts, localFunc(t), 1, zap.NewNop())
	e.Enqueue(ids)
	require.NoError(t, e.Close())
	require.Equal(t, 2, store.Count())

	e2 := New(store, contexts, localFunc(t), 1, zap.NewNop())
	defer e2.Close() //nolint:errcheck
	require.NoError(t, e2.DeleteForContext(context.Background(), ids))
	assert.Zero(t, store.Count())

	t.Run("empty id list is a no-op", func(t *testing.T) {
		assert.NoError(t, e2.DeleteForContext(context.Background(), nil))
	})
}

// blockingRepo wedges GetChunksByIDs until release closes, counting calls.
// The embedded interface is never touched for other methods.
type blockingRepo struct {
	repositories.ContextRepository
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (r *blockingRepo) GetChunksByIDs(ctx context.Context, ids []int64) ([]db.ContextChunk, error) {
	r.calls.Add(1)
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-r.release
	return nil, nil
}

func TestEnqueueNeverBlocks(t *testing.T) {
	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)

	repo := &blockingRepo{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	e := New(store, repo, localFunc(t), 1, zap.NewNop())

	// Occupy the single worker, then fill the queue to its capacity.
	e.Enqueue([]int64{1})
	<-repo.started
	for i := 0; i < queueSize; i++ {
		e.Enqueue([]int64{int64(i + 2)})
	}

	// The queue is full: the next batch must be dropped, not block the
	// caller. A generous deadline guards against a regression to blocking.
	done := make(chan struct{})
	go func() {
		e.Enqueue([]int64{9999})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	close(repo.release)
	require.NoError(t, e.Close())

	// One in-flight batch plus a full queue; the overflow batch never ran.
	assert.Equal(t, int64(1+queueSize), repo.calls.Load())
}

func TestEnqueueEmptyBatch(t *testing.T) {
	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)
	gdb := openTestDB(t)
	_, contexts := seedChunks(t, gdb, []string{"x"})

	e := New(store, contexts, localFunc(t), 1, zap.NewNop())
	e.Enqueue(nil)
	e.Enqueue([]int64{})
	require.NoError(t, e.Close())
	assert.Zero(t, store.Count())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir, true, zap.NewNop())
	require.NoError(t, err)

	vec := []float32{1, 0, 0}
	require.NoError(t, store.Upsert(context.Background(), []Document{{
		ID:        "42",
		Content:   "persisted chunk",
		Metadata:  map[string]string{"context_id": "7"},
		Embedding: vec,
	}}))
	require.NoError(t, store.Close())

	reopened, err := NewStore(dir, true, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, reopened.Has(context.Background(), "42"))
	assert.Equal(t, 1, reopened.Count())
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore("", false, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []Document{
		{ID: "1", Content: "a", Embedding: []float32{1, 0}},
		{ID: "2", Content: "b", Embedding: []float32{0, 1}},
	}))

	require.NoError(t, store.Delete(ctx, []string{"1", "not-there"}))
	assert.False(t, store.Has(ctx, "1"))
	assert.True(t, store.Has(ctx, "2"))
	assert.Equal(t, 1, store.Count())

	t.Run("empty id list", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, nil))
	})
}

func TestNewEmbeddingFunc(t *testing.T) {
	t.Run("local is deterministic and normalized", func(t *testing.T) {
		fn, err := NewEmbeddingFunc(ProviderConfig{Kind: ProviderLocal, Dimension: 32})
		require.NoError(t, err)

		a1, err := fn(context.Background(), "same text")
		require.NoError(t, err)
		a2, err := fn(context.Background(), "same text")
		require.NoError(t, err)
		b, err := fn(context.Background(), "different text")
		require.NoError(t, err)

		require.Len(t, a1, 32)
		assert.Equal(t, a1, a2, "equal text must embed identically")
		assert.NotEqual(t, a1, b)

		var norm float64
		for _, v := range a1 {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, norm, 1e-3, "local vectors are unit length")
	})

	t.Run("empty kind defaults to local", func(t *testing.T) {
		fn, err := NewEmbeddingFunc(ProviderConfig{})
		require.NoError(t, err)
		vec, err := fn(context.Background(), "text")
		require.NoError(t, err)
		assert.Len(t, vec, 256)
	})

	t.Run("openai requires an api key", func(t *testing.T) {
		_, err := NewEmbeddingFunc(ProviderConfig{Kind: ProviderOpenAI})
		assert.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewEmbeddingFunc(ProviderConfig{Kind: "quantum"})
		assert.Error(t, err)
	})
}
