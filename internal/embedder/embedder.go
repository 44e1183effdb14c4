// Package embedder is the asynchronous sink of the write path. WriteDB
// enqueues the chunk ids it just persisted; a small worker pool fetches the
// chunk texts, computes vectors, and upserts them into the vector store.
//
// Embeddings are an optimization surface, not a correctness surface: reads
// never wait on them, enqueue never blocks the write path, and a failed or
// dropped batch is recovered later by the backfill sweep.
package embedder

import (
	"context"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/metrics"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

const (
	// DefaultWorkers is the pool size used when New is given zero.
	DefaultWorkers = 4

	// queueSize bounds the number of pending batches. Enqueue drops batches
	// beyond this limit instead of blocking; the backfill sweep re-embeds
	// dropped chunks.
	queueSize = 256
)

// Embedder consumes chunk-id batches and writes vectors to the store.
type Embedder struct {
	store    *Store
	contexts repositories.ContextRepository
	embed    chromem.EmbeddingFunc
	logger   *zap.Logger

	queue chan []int64
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// New creates an Embedder and starts its workers immediately; the pool runs
// until Close. A worker count of 0 means DefaultWorkers.
func New(
	store *Store,
	contexts repositories.ContextRepository,
	embed chromem.EmbeddingFunc,
	workers int,
	logger *zap.Logger,
) *Embedder {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	e := &Embedder{
		store:    store,
		contexts: contexts,
		embed:    embed,
		logger:   logger.Named("embedder"),
		queue:    make(chan []int64, queueSize),
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker(i)
	}
	e.logger.Info("embedder started", zap.Int("workers", workers))
	return e
}

// Enqueue submits a batch of chunk ids for embedding. It never blocks: when
// the queue is full the batch is dropped with a warning and left to the
// backfill sweep.
func (e *Embedder) Enqueue(chunkIDs []int64) {
	if len(chunkIDs) == 0 {
		return
	}
	select {
	case e.queue <- chunkIDs:
	default:
		metrics.EmbedJobs.WithLabelValues(metrics.ResultError).Inc()
		e.logger.Warn("embed queue full, dropping batch",
			zap.Int("chunks", len(chunkIDs)),
		)
	}
}

// Close stops the workers after the queued batches have been processed and
// persists the store.
func (e *Embedder) Close() error {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	e.wg.Wait()
	return e.store.Close()
}

func (e *Embedder) worker(id int) {
	defer e.wg.Done()
	for batch := range e.queue {
		// Each batch gets a fresh deadline so one stuck remote call cannot
		// wedge a worker forever.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := e.process(ctx, batch); err != nil {
			metrics.EmbedJobs.WithLabelValues(metrics.ResultError).Inc()
			e.logger.Error("embedding batch failed",
				zap.Int("worker", id),
				zap.Int("chunks", len(batch)),
				zap.Error(err),
			)
		} else {
			metrics.EmbedJobs.WithLabelValues(metrics.ResultOK).Inc()
		}
		cancel()
	}
}

// process embeds one batch. Chunks deleted between enqueue and execution are
// skipped silently; a failing embedding call fails the whole batch.
func (e *Embedder) process(ctx context.Context, chunkIDs []int64) error {
	chunks, err := e.contexts.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]Document, 0, len(chunks))
	for _, chunk := range chunks {
		vector, err := e.embed(ctx, chunk.ChunkContent)
		if err != nil {
			return err
		}
		docs = append(docs, Document{
			ID:      strconv.FormatInt(chunk.ID, 10),
			Content: chunk.ChunkContent,
			Metadata: map[string]string{
				"context_id": strconv.FormatInt(chunk.ContextID, 10),
				"agent_id":   chunk.AgentID,
				"session_id": chunk.SessionID.String(),
				"project_id": chunk.ProjectID.String(),
			},
			Embedding: vector,
		})
	}

	if err := e.store.Upsert(ctx, docs); err != nil {
		return err
	}
	metrics.EmbedChunks.Add(float64(len(docs)))
	return nil
}

// Backfill enqueues any chunk created after since that has no vector yet.
// Called periodically by the maintenance scheduler; also safe to call by
// hand after restoring a database backup.
func (e *Embedder) Backfill(ctx context.Context, since time.Time, limit int) (int, error) {
	ids, err := e.contexts.ListChunkIDs(ctx, since, limit)
	if err != nil {
		return 0, err
	}

	missing := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !e.store.Has(ctx, strconv.FormatInt(id, 10)) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	// Re-batch to keep individual jobs small.
	const batchSize = 32
	for start := 0; start < len(missing); start += batchSize {
		end := start + batchSize
		if end > len(missing) {
			end = len(missing)
		}
		e.Enqueue(missing[start:end])
	}
	return len(missing), nil
}

// DeleteForContext removes the vectors of every chunk belonging to a parent
// context. Called by the admin delete path after the rows are gone.
func (e *Embedder) DeleteForContext(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return e.store.Delete(ctx, ids)
}
