// Package writer serializes every database mutation through one goroutine.
// It sits between the dispatcher / admin API (which produce write jobs) and
// the repositories (which do the actual work).
//
// The writer runs one job at a time in submission order. SQLite allows a
// single writer per database; funnelling all mutations through this queue
// turns driver-level lock contention into orderly queueing and gives every
// caller the same retry behavior for transient failures. The reply to a
// client is only sent after its job has been executed, so an acknowledged
// write is a durable write.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/metrics"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

// ErrClosed is returned by Submit after Close has been called. Callers must
// treat it as permanent and surface the failure to the client immediately.
var ErrClosed = errors.New("writer: closed")

// DefaultQueueSize is the queue capacity used when New is given zero. Jobs
// beyond this limit are not rejected — Submit blocks, applying backpressure
// to the sockets instead of dropping acknowledged work.
const DefaultQueueSize = 64

// retrySchedule is the wait before each retry of a transiently failing job.
// The schedule is consumed in full before the job is failed: one initial
// attempt plus up to six retries, ~8.8s of total wait.
var retrySchedule = [...]time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Func is a single write operation. It is executed on the writer goroutine
// and may be called again verbatim if the previous attempt failed
// transiently, so it must be safe to re-run (repository operations are).
type Func func(ctx context.Context) error

// Handle is the caller's side of a submitted job. Await blocks until the
// job has been executed (or the caller's context expires) and reports the
// job's final error.
type Handle struct {
	err  error
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(err error) {
	h.err = err
	close(h.done)
}

// Await blocks until the job completes and returns its error. A context
// expiry here abandons the wait, not the job — the writer still executes it.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// job is a queue entry. The sentinel entry is enqueued once by Close and
// marks the point past which nothing more will be executed.
type job struct {
	name     string
	fn       Func
	handle   *Handle
	sentinel bool
}

// Writer owns the mutation queue and the single consumer goroutine.
type Writer struct {
	queue  chan *job
	logger *zap.Logger

	closeOnce sync.Once
	closing   chan struct{} // closed by Close; gates new submissions
	drained   chan struct{} // closed when the consumer goroutine exits
}

// New creates a Writer with the given queue capacity (0 means
// DefaultQueueSize). Run must be started before Submit is useful.
func New(queueSize int, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		queue:   make(chan *job, queueSize),
		logger:  logger.Named("writer"),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Run starts the consumer loop. It blocks until Close drains the queue or
// ctx is cancelled; cancellation is a hard stop that fails queued jobs.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.drained)

	w.logger.Info("writer started", zap.Int("queue_capacity", cap(w.queue)))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("writer stopped", zap.Int("abandoned", len(w.queue)))
			w.failPending()
			return
		case j := <-w.queue:
			metrics.WriterQueueDepth.Set(float64(len(w.queue)))
			if j.sentinel {
				// Anything behind the sentinel raced Close; fail it fast.
				w.failPending()
				w.logger.Info("writer drained")
				return
			}
			err := w.execute(ctx, j)
			if err != nil {
				metrics.WriterJobs.WithLabelValues(metrics.ResultError).Inc()
				w.logger.Error("write job failed",
					zap.String("job", j.name),
					zap.Error(err),
				)
			} else {
				metrics.WriterJobs.WithLabelValues(metrics.ResultOK).Inc()
			}
			j.handle.complete(err)
		}
	}
}

// Submit queues a job for execution. It blocks while the queue is full —
// backpressure is deliberate — and fails fast with ErrClosed once Close has
// been called.
func (w *Writer) Submit(ctx context.Context, name string, fn Func) (*Handle, error) {
	select {
	case <-w.closing:
		return nil, ErrClosed
	default:
	}

	j := &job{name: name, fn: fn, handle: newHandle()}
	select {
	case w.queue <- j:
		metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		return j.handle, nil
	case <-w.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits a job and waits for its result. This is the synchronous path
// the dispatcher uses: the protocol acknowledges only persisted writes.
func (w *Writer) Do(ctx context.Context, name string, fn Func) error {
	h, err := w.Submit(ctx, name, fn)
	if err != nil {
		return err
	}
	return h.Await(ctx)
}

// Close stops accepting new jobs, lets everything already queued execute,
// and returns once the consumer has exited. ctx bounds the wait.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.closing)
		select {
		case w.queue <- &job{sentinel: true}:
		case <-w.drained:
			// Consumer already gone (hard cancel); nothing to drain.
		}
	})

	select {
	case <-w.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one job, retrying on transient database errors according to
// retrySchedule. Permanent errors and successes return immediately.
func (w *Writer) execute(ctx context.Context, j *job) error {
	err := j.fn(ctx)
	if err == nil || !repositories.IsTransient(err) {
		return err
	}

	for attempt, wait := range retrySchedule {
		w.logger.Warn("transient write failure, retrying",
			zap.String("job", j.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.WriterRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("writer: retry interrupted: %w", err)
		case <-time.After(wait):
		}

		err = j.fn(ctx)
		if err == nil || !repositories.IsTransient(err) {
			return err
		}
	}

	return fmt.Errorf("writer: retries exhausted: %w", err)
}

// failPending completes every job still in the queue with ErrClosed so no
// Await blocks past shutdown.
func (w *Writer) failPending() {
	for {
		select {
		case j := <-w.queue:
			if j.sentinel {
				continue
			}
			j.handle.complete(ErrClosed)
		default:
			metrics.WriterQueueDepth.Set(0)
			return
		}
	}
}
