package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/chunker"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/reader"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// fakeConn satisfies both dispatcher.Conn and registry.Sender, recording
// every reply frame.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ConnectionID() string { return c.id }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return true
}

func (c *fakeConn) Close() {}

// lastReply decodes the most recent frame into a generic map.
func (c *fakeConn) lastReply(t *testing.T) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames, "expected at least one reply frame")

	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], &reply))
	return reply
}

// harness is a dispatcher over real components: SQLite store, running writer,
// memory-only vector store with the deterministic local embedding.
type harness struct {
	gdb      *gorm.DB
	disp     *Dispatcher
	registry *registry.Registry
	embedder *embedder.Embedder
	store    *embedder.Store
	agents   repositories.AgentRepository
	catalog  repositories.CatalogRepository
	contexts repositories.ContextRepository
}

func newHarness(t *testing.T) *harness {
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

	agents := repositories.NewAgentRepository(gdb)
	catalog := repositories.NewCatalogRepository(gdb)
	contexts := repositories.NewContextRepository(gdb)

	wr := writer.New(writer.DefaultQueueSize, zap.NewNop())
	go wr.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wr.Close(ctx)
	})

	chk, err := chunker.New(chunker.DefaultConfig())
	require.NoError(t, err)

	store, err := embedder.NewStore("", false, zap.NewNop())
	require.NoError(t, err)
	embedFunc, err := embedder.NewEmbeddingFunc(embedder.ProviderConfig{Kind: "local", Dimension: 16})
	require.NoError(t, err)
	emb := embedder.New(store, contexts, embedFunc, 1, zap.NewNop())

	reg := registry.New(zap.NewNop())
	readSvc := reader.New(agents, catalog, contexts, zap.NewNop())

	return &harness{
		gdb:      gdb,
		disp:     New(reg, wr, chk, emb, readSvc, agents, catalog, contexts, zap.NewNop()),
		registry: reg,
		embedder: emb,
		store:    store,
		agents:   agents,
		catalog:  catalog,
		contexts: contexts,
	}
}

// seedBoundAgent creates the placement rows plus an agent bound to a live
// registry connection, and returns the fake socket.
func (h *harness) seedBoundAgent(t *testing.T, agentID, level string) *fakeConn {
	t.Helper()
	ctx := context.Background()

	project := &db.Project{Name: "proj-" + agentID}
	require.NoError(t, h.catalog.CreateProject(ctx, project))
	session := &db.Session{ProjectID: project.ID, Name: "sess"}
	require.NoError(t, h.catalog.CreateSession(ctx, session))

	require.NoError(t, h.agents.Create(ctx, &db.Agent{
		AgentID:         agentID,
		PermissionLevel: level,
		SessionID:       &session.ID,
		IsActive:        true,
	}))

	conn := newFakeConn(agentID)
	h.registry.Register(agentID, "127.0.0.1:50000", conn)
	require.NoError(t, h.registry.Bind(agentID, agentID))
	return conn
}

func frame(t *testing.T, method string, params interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": json.RawMessage(raw),
	})
	require.NoError(t, err)
	return data
}

func TestDispatchWriteThenReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "agent-1",
		Context: "Fixed the login bug. Session cookies now refresh on rotation.",
	}))

	reply := conn.lastReply(t)
	assert.Equal(t, "success", reply["status"])
	assert.Equal(t, "agent-1", reply["agent"])
	assert.Equal(t, writeSuccessPrompt, reply["prompt"],
		"the success prompt is a wire contract and must not drift")

	count, err := h.contexts.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	h.disp.Dispatch(ctx, conn, frame(t, MethodReadDB, ReadDBParams{AgentID: "agent-1"}))

	read := conn.lastReply(t)
	items, ok := read["contexts"].([]interface{})
	require.True(t, ok, "read reply must carry a contexts list, got %v", read)
	require.Len(t, items, 1)

	item := items[0].(map[string]interface{})
	assert.Equal(t, "Fixed the login bug. Session cookies now refresh on rotation.", item["context"])
	_, err = time.Parse(time.RFC3339, item["timestamp"].(string))
	assert.NoError(t, err)
}

func TestDispatchWriteChunksLongContext(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	// 4,025 characters with no sentence breaks: one full 3,500 window plus an
	// overlapping remainder.
	long := strings.Repeat("x", 4025)
	h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "agent-1",
		Context: long,
	}))

	assert.Equal(t, "success", conn.lastReply(t)["status"])

	count, err := h.contexts.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	contextCount, err := h.contexts.CountContexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), contextCount, "one submission, one parent row")
}

func TestDispatchRepeatedWriteCreatesNewContexts(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	// Identical text submitted twice is two submissions: the broker never
	// deduplicates, each write gets its own parent row.
	payload := frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "agent-1",
		Context: "Deployed build 421 to staging.",
	})
	h.disp.Dispatch(ctx, conn, payload)
	assert.Equal(t, "success", conn.lastReply(t)["status"])
	h.disp.Dispatch(ctx, conn, payload)
	assert.Equal(t, "success", conn.lastReply(t)["status"])

	contextCount, err := h.contexts.CountContexts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), contextCount)

	h.disp.Dispatch(ctx, conn, frame(t, MethodReadDB, ReadDBParams{AgentID: "agent-1"}))
	items, ok := conn.lastReply(t)["contexts"].([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestDispatchWriteEmbedsChunks(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "agent-1",
		Context: "vectorise me",
	}))
	require.Equal(t, "success", conn.lastReply(t)["status"])

	ids, err := h.contexts.ListChunkIDs(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Close drains the embed queue, so afterwards the vector must exist.
	require.NoError(t, h.embedder.Close())
	assert.True(t, h.store.Has(ctx, strconv.FormatInt(ids[0], 10)),
		"the write path must embed every chunk it persists")
	assert.Equal(t, 1, h.store.Count())
}

func TestDispatchWriteRejections(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	cases := []struct {
		name   string
		params interface{}
	}{
		{name: "agent_id mismatch", params: WriteDBParams{AgentID: "agent-2", Context: "spoofed"}},
		{name: "missing agent_id", params: WriteDBParams{Context: "anonymous"}},
		{name: "missing context", params: WriteDBParams{AgentID: "agent-1"}},
		{name: "malformed params", params: 42},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, tc.params))

			reply := conn.lastReply(t)
			assert.Equal(t, "error", reply["status"])
			assert.Equal(t, writeErrorPrompt, reply["prompt"],
				"agents act on the error prompt verbatim")
		})
	}

	count, err := h.contexts.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "rejected writes must not persist anything")
}

func TestDispatchWriteRequiresBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Registered but never bound: a pending socket cannot write.
	conn := newFakeConn("pending-conn")
	h.registry.Register("pending-conn", "127.0.0.1:50000", conn)

	h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "pending-conn",
		Context: "too early",
	}))

	reply := conn.lastReply(t)
	assert.Equal(t, "error", reply["status"])
	assert.Contains(t, reply["details"], "not assigned")
}

func TestDispatchReadRejections(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	cases := []struct {
		name   string
		params interface{}
	}{
		{name: "agent_id mismatch", params: ReadDBParams{AgentID: "agent-2"}},
		{name: "missing agent_id", params: ReadDBParams{}},
		{name: "bad since timestamp", params: ReadDBParams{AgentID: "agent-1", Since: "yesterday"}},
		{name: "bad override token", params: ReadDBParams{AgentID: "agent-1", PermissionLevel: "root"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.disp.Dispatch(ctx, conn, frame(t, MethodReadDB, tc.params))

			reply := conn.lastReply(t)
			assert.Equal(t, "error", reply["status"])
			assert.Equal(t, readErrorPrompt, reply["prompt"])
		})
	}
}

func TestDispatchReadScopesToBoundAgent(t *testing.T) {
	h := newHarness(t)
	alpha := h.seedBoundAgent(t, "alpha", "self")
	bravo := h.seedBoundAgent(t, "bravo", "self")
	ctx := context.Background()

	h.disp.Dispatch(ctx, alpha, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "alpha", Context: "alpha's secret",
	}))
	require.Equal(t, "success", alpha.lastReply(t)["status"])

	// bravo reads as itself and must not see alpha's context: the two agents
	// sit in different sessions and bravo's scope is self anyway.
	h.disp.Dispatch(ctx, bravo, frame(t, MethodReadDB, ReadDBParams{AgentID: "bravo"}))

	read := bravo.lastReply(t)
	items, ok := read["contexts"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, items)
}

func TestDispatchVectoriseChunks(t *testing.T) {
	h := newHarness(t)
	conn := h.seedBoundAgent(t, "agent-1", "self")
	ctx := context.Background()

	h.disp.Dispatch(ctx, conn, frame(t, MethodWriteDB, WriteDBParams{
		AgentID: "agent-1", Context: "a context to re-embed",
	}))
	require.Equal(t, "success", conn.lastReply(t)["status"])

	ids, err := h.contexts.ListChunkIDs(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	t.Run("queues existing chunks", func(t *testing.T) {
		h.disp.Dispatch(ctx, conn, frame(t, MethodVectoriseChunks, VectoriseChunksParams{ChunkIDs: ids}))

		reply := conn.lastReply(t)
		assert.Equal(t, "success", reply["status"])
		assert.Equal(t, fmt.Sprintf("queued %d chunks for vectorisation", len(ids)), reply["message"])
	})

	t.Run("does not require a bound agent", func(t *testing.T) {
		pending := newFakeConn("pending-conn")
		h.registry.Register("pending-conn", "127.0.0.1:50001", pending)

		h.disp.Dispatch(ctx, pending, frame(t, MethodVectoriseChunks, VectoriseChunksParams{ChunkIDs: ids}))
		assert.Equal(t, "success", pending.lastReply(t)["status"])
	})

	t.Run("empty id list", func(t *testing.T) {
		h.disp.Dispatch(ctx, conn, frame(t, MethodVectoriseChunks, VectoriseChunksParams{}))

		reply := conn.lastReply(t)
		assert.Equal(t, "error", reply["status"])
		assert.Contains(t, reply["details"], "chunk_ids")
	})
}

func TestDispatchUnknownMethod(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn("conn-1")
	ctx := context.Background()

	h.disp.Dispatch(ctx, conn, frame(t, "DropTables", struct{}{}))

	reply := conn.lastReply(t)
	assert.Equal(t, "Unknown method: DropTables", reply["error"])

	supported, ok := reply["supported_methods"].([]interface{})
	require.True(t, ok)
	assert.Len(t, supported, len(SupportedMethods))
}

func TestDispatchMalformedFrame(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn("conn-1")

	h.disp.Dispatch(context.Background(), conn, []byte("not json at all"))

	reply := conn.lastReply(t)
	assert.Equal(t, "Invalid JSON frame", reply["error"])
	assert.NotEmpty(t, reply["supported_methods"])
}
