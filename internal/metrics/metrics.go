// Package metrics declares the broker's Prometheus collectors. Collectors
// are registered on the default registry at init time via promauto and
// exposed by the admin HTTP server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for the "result" dimension.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// WriterQueueDepth tracks write jobs waiting in the writer queue.
	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_writer_queue_depth",
		Help: "Number of jobs currently buffered in the writer queue.",
	})

	// WriterJobs counts completed write jobs by outcome.
	WriterJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_writer_jobs_total",
		Help: "Write jobs processed by the writer, by result.",
	}, []string{"result"})

	// WriterRetries counts retry sleeps taken for transient failures.
	WriterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_writer_retries_total",
		Help: "Retries performed by the writer on transient database errors.",
	})

	// ConnectionsActive tracks currently open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_active",
		Help: "Open WebSocket connections.",
	})

	// Connections counts accepted sockets by outcome of the announce phase.
	Connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connections_total",
		Help: "WebSocket connections accepted, by announce outcome.",
	}, []string{"outcome"})

	// Frames counts dispatched protocol frames by method and status.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_frames_total",
		Help: "Protocol frames dispatched, by method and reply status.",
	}, []string{"method", "status"})

	// BroadcastDropped counts status events dropped on slow admin sockets.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_broadcast_dropped_total",
		Help: "Broadcast events dropped because a subscriber buffer was full.",
	})

	// EmbedJobs counts embedding batches by outcome.
	EmbedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_embed_jobs_total",
		Help: "Embedding batches processed, by result.",
	}, []string{"result"})

	// EmbedChunks counts chunks embedded into the vector store.
	EmbedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_embed_chunks_total",
		Help: "Chunks embedded into the vector store.",
	})

	// ChunksWritten counts chunk rows persisted by WriteDB.
	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_chunks_written_total",
		Help: "Context chunk rows written.",
	})
)
