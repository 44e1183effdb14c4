package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// ContextHandler serves context inspection and deletion.
type ContextHandler struct {
	contexts repositories.ContextRepository
	embedder *embedder.Embedder
	writer   *writer.Writer
	logger   *zap.Logger
}

// NewContextHandler creates a new ContextHandler.
func NewContextHandler(
	contexts repositories.ContextRepository,
	emb *embedder.Embedder,
	wr *writer.Writer,
	logger *zap.Logger,
) *ContextHandler {
	return &ContextHandler{
		contexts: contexts,
		embedder: emb,
		writer:   wr,
		logger:   logger.Named("context_handler"),
	}
}

// contextResponse is the admin projection of one context: metadata plus a
// short summary, never the full text (that is what ReadDB is for).
type contextResponse struct {
	ID         int64  `json:"id"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	ProjectID  string `json:"project_id"`
	ChunkCount int64  `json:"chunk_count"`
	Summary    string `json:"summary"`
	CreatedAt  string `json:"created_at"`
}

// listContextsResponse wraps a paginated list of contexts.
type listContextsResponse struct {
	Contexts []contextResponse `json:"contexts"`
	Total    int64             `json:"total"`
}

// List handles GET /contexts. Newest first.
func (h *ContextHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	rows, total, err := h.contexts.ListContexts(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list contexts", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]contextResponse, len(rows))
	for i, row := range rows {
		items[i] = contextResponse{
			ID:         row.ID,
			AgentID:    row.AgentID,
			SessionID:  row.SessionID.String(),
			ProjectID:  row.ProjectID.String(),
			ChunkCount: row.ChunkCount,
			Summary:    row.Summary,
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	Ok(w, listContextsResponse{Contexts: items, Total: total})
}

// Delete handles DELETE /contexts/{id}.
// Removes the parent row (chunks cascade via the schema) and then drops the
// chunks from the vector index. The index cleanup is best-effort: vectors
// are derived data and an orphan entry is invisible to reads.
func (h *ContextHandler) Delete(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ErrBadRequest(w, "invalid id: must be an integer")
		return
	}

	chunkIDs, err := h.contexts.ChunkIDsForContext(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to collect chunk ids for delete", zap.Int64("context_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	err = h.writer.Do(r.Context(), "context.delete", func(ctx context.Context) error {
		return h.contexts.DeleteContext(ctx, id)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete context", zap.Int64("context_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	if len(chunkIDs) > 0 {
		if err := h.embedder.DeleteForContext(r.Context(), chunkIDs); err != nil {
			h.logger.Warn("failed to drop vectors for deleted context",
				zap.Int64("context_id", id),
				zap.Int("chunks", len(chunkIDs)),
				zap.Error(err))
		}
	}

	h.logger.Info("context deleted",
		zap.Int64("context_id", id),
		zap.Int("chunks", len(chunkIDs)),
	)

	NoContent(w)
}
