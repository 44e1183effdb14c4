// Package dispatcher routes protocol frames from connected agents to the
// store, the reader and the embedding pipeline. Every reply is one of the
// fixed envelopes in methods.go; agents parse these mechanically, so the
// shapes and prompt strings never vary.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/chunker"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/metrics"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/reader"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// Conn is the dispatcher's view of one socket: enough to identify the
// connection and to queue a reply. *websocket.Client satisfies it.
type Conn interface {
	ConnectionID() string
	Send(data []byte) bool
}

// Dispatcher handles one frame per Dispatch call. The websocket read loop
// invokes it sequentially per socket, so a connection's replies always go
// out in request order.
type Dispatcher struct {
	registry *registry.Registry
	writer   *writer.Writer
	chunker  *chunker.Chunker
	embedder *embedder.Embedder
	reader   *reader.Service
	agents   repositories.AgentRepository
	catalog  repositories.CatalogRepository
	contexts repositories.ContextRepository
	logger   *zap.Logger
}

func New(
	reg *registry.Registry,
	wr *writer.Writer,
	ch *chunker.Chunker,
	emb *embedder.Embedder,
	rd *reader.Service,
	agents repositories.AgentRepository,
	catalog repositories.CatalogRepository,
	contexts repositories.ContextRepository,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		writer:   wr,
		chunker:  ch,
		embedder: emb,
		reader:   rd,
		agents:   agents,
		catalog:  catalog,
		contexts: contexts,
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch parses and routes a single inbound frame.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, frame []byte) {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		d.logger.Warn("malformed frame",
			zap.String("connection_id", conn.ConnectionID()),
			zap.Error(err))
		d.reply(conn, invalidFrameFrame(), "invalid", metrics.ResultError)
		return
	}

	switch f.Method {
	case MethodWriteDB:
		d.handleWriteDB(ctx, conn, f.Params)
	case MethodReadDB:
		d.handleReadDB(ctx, conn, f.Params)
	case MethodVectoriseChunks:
		d.handleVectoriseChunks(ctx, conn, f.Params)
	default:
		d.logger.Warn("unknown method",
			zap.String("connection_id", conn.ConnectionID()),
			zap.String("method", f.Method))
		// Label with a fixed value: method names from the wire are
		// unbounded and would leak cardinality into the counter.
		d.reply(conn, unknownMethodFrame(f.Method), "unknown", metrics.ResultError)
	}
}

// handleWriteDB validates, chunks and persists one context submission. The
// reply is sent only after the writer confirms the transaction, so a success
// envelope always means the rows are on disk.
func (d *Dispatcher) handleWriteDB(ctx context.Context, conn Conn, raw json.RawMessage) {
	var p WriteDBParams
	if err := json.Unmarshal(raw, &p); err != nil {
		d.writeError(conn, "invalid WriteDB params")
		return
	}
	if strings.TrimSpace(p.AgentID) == "" || p.Context == "" {
		d.writeError(conn, "agent_id and context are required")
		return
	}

	bound, ok := d.registry.BoundAgent(conn.ConnectionID())
	if !ok {
		d.writeError(conn, "connection is not assigned to an agent")
		return
	}
	if p.AgentID != bound {
		// An agent may only write as itself.
		d.writeError(conn, fmt.Sprintf("agent_id %q does not match the agent bound to this connection", p.AgentID))
		return
	}

	agent, err := d.agents.GetByAgentID(ctx, bound)
	if err != nil {
		d.logger.Error("write: agent lookup failed",
			zap.String("agent_id", bound), zap.Error(err))
		d.writeError(conn, "agent not found")
		return
	}
	if agent.SessionID == nil {
		d.writeError(conn, "agent is not attached to a session")
		return
	}
	session, err := d.catalog.GetSession(ctx, *agent.SessionID)
	if err != nil {
		d.logger.Error("write: session lookup failed",
			zap.String("agent_id", bound),
			zap.String("session_id", agent.SessionID.String()),
			zap.Error(err))
		d.writeError(conn, "session not found")
		return
	}

	contents := d.chunker.Split(p.Context)
	parent := &db.Context{
		AgentID:   bound,
		SessionID: session.ID,
		ProjectID: session.ProjectID,
	}

	var chunkIDs []int64
	now := time.Now().UTC()
	err = d.writer.Do(ctx, "context.write", func(ctx context.Context) error {
		ids, err := d.contexts.CreateWithChunks(ctx, parent, contents)
		if err != nil {
			return err
		}
		chunkIDs = ids
		// last_seen is advisory; the context rows are already committed,
		// so a failure here must not turn the write into an error reply.
		if err := d.agents.UpdateLastSeen(ctx, bound, now); err != nil {
			d.logger.Warn("write: last_seen update failed",
				zap.String("agent_id", bound), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		d.logger.Error("write: persist failed",
			zap.String("agent_id", bound),
			zap.Int("chunks", len(contents)),
			zap.Error(err))
		d.writeError(conn, "failed to save context")
		return
	}

	metrics.ChunksWritten.Add(float64(len(chunkIDs)))
	d.reply(conn, writeSuccessFrame(bound), MethodWriteDB, metrics.ResultOK)
	d.logger.Debug("context saved",
		zap.String("agent_id", bound),
		zap.Int64("context_id", parent.ID),
		zap.Int("chunks", len(chunkIDs)))

	// Vectorisation is fire-and-forget: the agent already has its reply and
	// Enqueue never blocks.
	d.embedder.Enqueue(chunkIDs)
}

// handleReadDB serves a scoped read. Reads are always performed as the
// connection's bound agent; a mismatched agent_id is rejected rather than
// honoured.
func (d *Dispatcher) handleReadDB(ctx context.Context, conn Conn, raw json.RawMessage) {
	var p ReadDBParams
	if err := json.Unmarshal(raw, &p); err != nil {
		d.readError(conn, "invalid ReadDB params", nil)
		return
	}
	if strings.TrimSpace(p.AgentID) == "" {
		d.readError(conn, "agent_id is required", nil)
		return
	}

	bound, ok := d.registry.BoundAgent(conn.ConnectionID())
	if !ok {
		d.readError(conn, "connection is not assigned to an agent", nil)
		return
	}
	if p.AgentID != bound {
		d.readError(conn, "agent_id does not match the agent bound to this connection", nil)
		return
	}

	var since *time.Time
	if p.Since != "" {
		t, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			d.readError(conn, "since must be an RFC 3339 timestamp", err)
			return
		}
		t = t.UTC()
		since = &t
	}

	items, err := d.reader.Read(ctx, bound, p.PermissionLevel, since)
	if err != nil {
		d.readError(conn, "read failed", err)
		return
	}

	d.reply(conn, readSuccessFrame(items), MethodReadDB, metrics.ResultOK)
	d.logger.Debug("contexts read",
		zap.String("agent_id", bound),
		zap.Int("count", len(items)))
}

// handleVectoriseChunks queues existing chunks for (re)embedding. It is an
// administrative method: it only references rows already on disk, so it does
// not require a bound agent.
func (d *Dispatcher) handleVectoriseChunks(ctx context.Context, conn Conn, raw json.RawMessage) {
	var p VectoriseChunksParams
	if err := json.Unmarshal(raw, &p); err != nil {
		d.reply(conn, vectoriseErrorFrame("invalid VectoriseChunks params"), MethodVectoriseChunks, metrics.ResultError)
		return
	}
	if len(p.ChunkIDs) == 0 {
		d.reply(conn, vectoriseErrorFrame("chunk_ids is required"), MethodVectoriseChunks, metrics.ResultError)
		return
	}

	d.embedder.Enqueue(p.ChunkIDs)
	d.reply(conn, vectoriseSuccessFrame(len(p.ChunkIDs)), MethodVectoriseChunks, metrics.ResultOK)
	d.logger.Info("vectorise requested",
		zap.String("connection_id", conn.ConnectionID()),
		zap.Int("chunks", len(p.ChunkIDs)))
}

func (d *Dispatcher) writeError(conn Conn, details string) {
	d.logger.Warn("write rejected",
		zap.String("connection_id", conn.ConnectionID()),
		zap.String("details", details))
	d.reply(conn, writeErrorFrame(details), MethodWriteDB, metrics.ResultError)
}

func (d *Dispatcher) readError(conn Conn, reason string, err error) {
	d.logger.Warn("read rejected",
		zap.String("connection_id", conn.ConnectionID()),
		zap.String("reason", reason),
		zap.Error(err))
	d.reply(conn, readErrorFrame(), MethodReadDB, metrics.ResultError)
}

func (d *Dispatcher) reply(conn Conn, data []byte, method, result string) {
	metrics.Frames.WithLabelValues(method, result).Inc()
	if !conn.Send(data) {
		d.logger.Warn("reply dropped: send buffer full",
			zap.String("connection_id", conn.ConnectionID()),
			zap.String("method", method))
	}
}
