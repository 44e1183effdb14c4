// Package maintenance runs the broker's periodic sweeps. It wraps gocron and
// owns two recurring jobs: an embedding backfill that re-queues chunks whose
// vectors never landed (the embed queue drops batches under pressure), and a
// purge of stale unassigned connection rows.
//
// Jobs run in singleton mode: if a sweep is still running when its next tick
// fires, the new execution is skipped rather than overlapped.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// Config holds the sweep cadence. Zero values are replaced by the defaults
// in DefaultConfig.
type Config struct {
	// BackfillInterval is how often to scan for chunks missing vectors.
	BackfillInterval time.Duration
	// BackfillLookback bounds the scan window; chunks older than this are
	// left alone (they can still be re-embedded via VectoriseChunks).
	BackfillLookback time.Duration
	// BackfillLimit caps how many chunk ids one sweep inspects.
	BackfillLimit int

	// PurgeInterval is how often to delete stale connection rows.
	PurgeInterval time.Duration
	// PurgeRetention is how long an unassigned pending/rejected row may go
	// unseen before it is deleted.
	PurgeRetention time.Duration
}

// DefaultConfig returns the production cadence: backfill every 5 minutes over
// a 24h window, purge hourly with 30 days of retention.
func DefaultConfig() Config {
	return Config{
		BackfillInterval: 5 * time.Minute,
		BackfillLookback: 24 * time.Hour,
		BackfillLimit:    1000,
		PurgeInterval:    time.Hour,
		PurgeRetention:   720 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = d.BackfillInterval
	}
	if c.BackfillLookback <= 0 {
		c.BackfillLookback = d.BackfillLookback
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = d.BackfillLimit
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.PurgeRetention <= 0 {
		c.PurgeRetention = d.PurgeRetention
	}
}

// Sweeper owns the gocron scheduler. The zero value is not usable — create
// instances with New.
type Sweeper struct {
	cron     gocron.Scheduler
	config   Config
	embedder *embedder.Embedder
	writer   *writer.Writer
	conns    repositories.ConnectionRepository
	logger   *zap.Logger
}

// New creates a configured Sweeper. Call Start to begin processing.
func New(
	config Config,
	emb *embedder.Embedder,
	wr *writer.Writer,
	conns repositories.ConnectionRepository,
	logger *zap.Logger,
) (*Sweeper, error) {
	config.applyDefaults()

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron:     s,
		config:   config,
		embedder: emb,
		writer:   wr,
		conns:    conns,
		logger:   logger.Named("maintenance"),
	}, nil
}

// Start registers both sweeps and starts the underlying gocron scheduler.
// It should be called once at server startup, after the writer is running.
func (s *Sweeper) Start() error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.config.BackfillInterval),
		gocron.NewTask(s.runBackfill),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("gocron.NewJob failed for embedding backfill: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.config.PurgeInterval),
		gocron.NewTask(s.runPurge),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("gocron.NewJob failed for connection purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance sweeps started",
		zap.Duration("backfill_interval", s.config.BackfillInterval),
		zap.Duration("purge_interval", s.config.PurgeInterval),
	)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any currently running
// sweep to complete before returning.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance shutdown error: %w", err)
	}
	s.logger.Info("maintenance sweeps stopped")
	return nil
}

// runBackfill re-queues recent chunks that never made it into the vector
// store. Reads only; the embed workers do the writing.
func (s *Sweeper) runBackfill() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	since := time.Now().UTC().Add(-s.config.BackfillLookback)
	queued, err := s.embedder.Backfill(ctx, since, s.config.BackfillLimit)
	if err != nil {
		s.logger.Error("embedding backfill failed", zap.Error(err))
		return
	}
	if queued > 0 {
		s.logger.Info("embedding backfill queued chunks", zap.Int("chunks", queued))
	}
}

// runPurge deletes unassigned pending/rejected connection rows unseen for
// longer than the retention window. The delete goes through the writer like
// every other mutation.
func (s *Sweeper) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.config.PurgeRetention)
	var purged int64
	err := s.writer.Do(ctx, "connection.purge", func(ctx context.Context) error {
		n, err := s.conns.PurgeStale(ctx, cutoff)
		if err != nil {
			return err
		}
		purged = n
		return nil
	})
	if err != nil {
		s.logger.Error("connection purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("stale connections purged", zap.Int64("rows", purged))
	}
}
