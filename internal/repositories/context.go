package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
)

// gormContextRepository is the GORM implementation of ContextRepository.
type gormContextRepository struct {
	db *gorm.DB
}

// NewContextRepository returns a ContextRepository backed by the provided *gorm.DB.
func NewContextRepository(db *gorm.DB) ContextRepository {
	return &gormContextRepository{db: db}
}

// CreateWithChunks inserts the parent row and its chunk rows in one
// transaction. Chunk rows are built here, not by the caller: chunk_index runs
// 0..len(contents)-1 and the author/session/project columns are copied from
// the parent, so the metadata can never drift. Every row carries the same
// created_at instant.
func (r *gormContextRepository) CreateWithChunks(ctx context.Context, parent *db.Context, contents []string) ([]int64, error) {
	if len(contents) == 0 {
		return nil, fmt.Errorf("contexts: create: %w: no chunks", ErrValidation)
	}
	for i, c := range contents {
		if c == "" {
			return nil, fmt.Errorf("contexts: create: %w: empty chunk at index %d", ErrValidation, i)
		}
	}

	now := time.Now().UTC()
	parent.CreatedAt = now

	chunkIDs := make([]int64, 0, len(contents))

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(parent).Error; err != nil {
			return err
		}

		chunks := make([]db.ContextChunk, len(contents))
		for i, content := range contents {
			chunks[i] = db.ContextChunk{
				ContextID:    parent.ID,
				ChunkIndex:   i,
				ChunkContent: content,
				AgentID:      parent.AgentID,
				SessionID:    parent.SessionID,
				ProjectID:    parent.ProjectID,
				CreatedAt:    now,
			}
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return err
		}

		for _, c := range chunks {
			chunkIDs = append(chunkIDs, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contexts: create with chunks: %w", err)
	}

	return chunkIDs, nil
}

// ListChunks applies the resolver-built predicate and returns the newest
// chunks first. The tie-break on equal timestamps is newer parent context
// first, then ascending chunk order within a parent, which keeps results
// stable when all chunks of one submission share a created_at.
func (r *gormContextRepository) ListChunks(ctx context.Context, pred ChunkPredicate, limit int) ([]db.ContextChunk, error) {
	var chunks []db.ContextChunk
	err := r.db.WithContext(ctx).
		Where(pred.expr, pred.args...).
		Order("created_at DESC").
		Order("context_id DESC").
		Order("chunk_index ASC").
		Limit(limit).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("contexts: list chunks: %w", err)
	}
	return chunks, nil
}

// GetChunksByIDs fetches chunk rows for embedding. Ids with no row are
// silently skipped — the chunk may have been deleted since it was enqueued.
func (r *gormContextRepository) GetChunksByIDs(ctx context.Context, ids []int64) ([]db.ContextChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []db.ContextChunk
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("contexts: get chunks by ids: %w", err)
	}
	return chunks, nil
}

// ListChunkIDs returns ids of chunks created after the cutoff, oldest first,
// capped at limit. The backfill sweep walks this window looking for chunks
// the vector index does not know about.
func (r *gormContextRepository) ListChunkIDs(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&db.ContextChunk{}).
		Where("created_at > ?", since).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("contexts: list chunk ids: %w", err)
	}
	return ids, nil
}

// ListContexts returns the admin projection: newest contexts first, each
// with its chunk count and the first 100 characters of chunk 0. substr is
// understood by both SQLite and Postgres.
func (r *gormContextRepository) ListContexts(ctx context.Context, opts ListOptions) ([]ContextWithMeta, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Context{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("contexts: list count: %w", err)
	}

	var rows []ContextWithMeta
	err := r.db.WithContext(ctx).
		Model(&db.Context{}).
		Select(`contexts.*,
			(SELECT COUNT(*) FROM context_chunks WHERE context_chunks.context_id = contexts.id) AS chunk_count,
			(SELECT substr(chunk_content, 1, 100) FROM context_chunks
				WHERE context_chunks.context_id = contexts.id AND context_chunks.chunk_index = 0) AS summary`).
		Order("created_at DESC").
		Order("id DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("contexts: list: %w", err)
	}

	return rows, total, nil
}

// ChunkIDsForContext returns the chunk ids of one parent in index order.
// The caller uses these to drop vectors before the rows cascade away.
func (r *gormContextRepository) ChunkIDsForContext(ctx context.Context, contextID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&db.ContextChunk{}).
		Where("context_id = ?", contextID).
		Order("chunk_index ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("contexts: chunk ids: %w", err)
	}
	return ids, nil
}

// DeleteContext removes the parent row. The ON DELETE CASCADE on
// context_chunks.context_id takes the chunk rows with it.
func (r *gormContextRepository) DeleteContext(ctx context.Context, contextID int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Context{}, contextID)
	if result.Error != nil {
		return fmt.Errorf("contexts: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormContextRepository) CountContexts(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&db.Context{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("contexts: count: %w", err)
	}
	return n, nil
}

func (r *gormContextRepository) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&db.ContextChunk{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("contexts: count chunks: %w", err)
	}
	return n, nil
}
