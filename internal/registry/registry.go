// Package registry maintains the in-memory registry of live WebSocket
// connections and their bound agents.
//
// When a socket completes the upgrade and survives the allowlist check, the
// WebSocket handler registers it here. The dispatcher consults this registry
// to authorize frames; the broadcaster side fans status events out to every
// registered socket.
//
// All state is in-memory and intentionally non-persistent: if the broker
// restarts, clients reconnect and re-register automatically. The persistent
// half of a connection (status, assignment history, timestamps) lives in the
// database and is managed by ConnectionRepository.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/metrics"
)

// Sender is the write side of a live socket. Send queues a frame and reports
// whether it was accepted; Close tears the socket down. Implemented by
// websocket.Client.
type Sender interface {
	Send(data []byte) bool
	Close()
}

// Conn is one live socket. AgentID is empty while the connection is pending;
// auto-bind or an administrative assign fills it in.
type Conn struct {
	// ConnectionID is the identifier the client chose in its connect URL.
	ConnectionID string

	// AgentID is the bound agent, or "" when pending.
	AgentID string

	// RemoteAddr is kept for logging, avoiding a database lookup every time
	// we need to log socket activity.
	RemoteAddr string

	// ConnectedAt is when this socket was accepted. Reset on every
	// reconnect — not the same as the DB FirstSeen field.
	ConnectedAt time.Time

	sender Sender
}

// Registry is the in-memory map of currently live connections. It is safe
// for concurrent use by multiple goroutines (socket handlers, dispatcher and
// admin API all run concurrently); every mutation serializes under one lock.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn // keyed by connection id
	logger *zap.Logger
}

// New creates a new Registry instance.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger.Named("registry"),
	}
}

// Register adds a socket to the registry, pending until bound. If a socket
// with the same connection id is already registered (e.g. a reconnect before
// the previous socket timed out), the old one is closed and replaced.
func (r *Registry) Register(connectionID, remoteAddr string, sender Sender) {
	r.mu.Lock()

	var stale Sender
	if prev, exists := r.conns[connectionID]; exists {
		// The client reconnected before the broker noticed the previous
		// socket was dead (e.g. after a network blip).
		stale = prev.sender
		r.logger.Warn("replacing existing connection",
			zap.String("connection_id", connectionID),
			zap.String("remote_addr", remoteAddr),
		)
	}

	r.conns[connectionID] = &Conn{
		ConnectionID: connectionID,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now().UTC(),
		sender:       sender,
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	if stale != nil {
		stale.Close()
	}

	r.logger.Info("connection registered",
		zap.String("connection_id", connectionID),
		zap.String("remote_addr", remoteAddr),
		zap.Int("total_connected", total),
	)
}

// Deregister removes a socket. The sender must match the registered one so a
// replaced socket's teardown cannot evict its replacement. Returns the agent
// that was bound ("" when pending) and whether this call removed the entry;
// removed is false when the socket was already replaced, and the caller must
// then leave the connection's persistent state alone.
func (r *Registry) Deregister(connectionID string, sender Sender) (string, bool) {
	r.mu.Lock()

	conn, exists := r.conns[connectionID]
	if !exists || conn.sender != sender {
		// Already removed or already replaced — race between disconnect and
		// reconnect.
		r.mu.Unlock()
		return "", false
	}

	delete(r.conns, connectionID)
	agentID := conn.AgentID
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	r.logger.Info("connection deregistered",
		zap.String("connection_id", connectionID),
		zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)),
		zap.Int("total_connected", total),
	)
	return agentID, true
}

// Bind records the in-memory connection → agent binding. If the agent is
// already bound to a different live socket, that binding is cleared — the
// database side enforces the same 1:1 rule.
func (r *Registry) Bind(connectionID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return fmt.Errorf("registry: connection %s is not live", connectionID)
	}

	for _, other := range r.conns {
		if other.AgentID == agentID && other.ConnectionID != connectionID {
			other.AgentID = ""
		}
	}
	conn.AgentID = agentID

	r.logger.Info("connection bound",
		zap.String("connection_id", connectionID),
		zap.String("agent_id", agentID),
	)
	return nil
}

// BoundAgent returns the agent bound to a live connection. ok is false when
// the connection is not live or still pending.
func (r *Registry) BoundAgent(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connectionID]
	if !exists || conn.AgentID == "" {
		return "", false
	}
	return conn.AgentID, true
}

// IsLive reports whether a socket with the given connection id is registered.
func (r *Registry) IsLive(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.conns[connectionID]
	return exists
}

// ActiveCount returns the number of live sockets.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of all live connections. Modifications to the
// returned slice do not affect the registry.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		cp := *c
		cp.sender = nil
		result = append(result, cp)
	}
	return result
}

// Broadcast queues data on every live socket except the one named by
// exceptConnectionID (empty means no exception). Best-effort: a socket whose
// send buffer is full is closed and counted, never waited on, and a failure
// on one socket does not abort the fan-out.
func (r *Registry) Broadcast(data []byte, exceptConnectionID string) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.ConnectionID == exceptConnectionID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	// Send outside the lock — a full buffer must not stall the registry.
	for _, c := range targets {
		if !c.sender.Send(data) {
			metrics.BroadcastDropped.Inc()
			r.logger.Warn("broadcast dropped, closing slow connection",
				zap.String("connection_id", c.ConnectionID),
			)
			c.sender.Close()
		}
	}
}

// CloseAll closes every live socket. Called once at shutdown; each close
// unblocks that connection's read loop, which then runs its normal teardown
// (deregister, persist offline state).
func (r *Registry) CloseAll() {
	r.mu.RLock()
	senders := make([]Sender, 0, len(r.conns))
	for _, c := range r.conns {
		senders = append(senders, c.sender)
	}
	r.mu.RUnlock()

	for _, s := range senders {
		s.Close()
	}
	if len(senders) > 0 {
		r.logger.Info("closed all connections", zap.Int("count", len(senders)))
	}
}

// WaitFor blocks until the socket with the given connection id registers or
// ctx expires. Polls every 500ms — not a hot loop, acceptable for tests and
// administrative tooling.
func (r *Registry) WaitFor(ctx context.Context, connectionID string) error {
	for {
		if r.IsLive(connectionID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("registry: timed out waiting for connection %s: %w", connectionID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
