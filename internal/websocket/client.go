package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for traffic after resetting the
	// read deadline. The connection is closed if neither a pong nor an
	// application frame arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size in bytes accepted from the client.
	// A WriteDB frame carries an entire context blob, so the limit is
	// generous; anything larger closes the connection.
	maxMessageSize = 10 << 20

	// sendBufferSize is the capacity of the per-client outbound channel.
	// Replies never race each other (frames are handled one at a time), so
	// the buffer only absorbs broadcast bursts; a client that cannot drain
	// it is disconnected by the registry.
	sendBufferSize = 32
)

// FrameHandler processes one inbound frame. Called on the connection's read
// goroutine, so frames from one socket are handled strictly in order and the
// reply for a frame is queued before the next frame is read.
type FrameHandler func(ctx context.Context, client *Client, frame []byte)

// Client is a single connected socket. Each client runs two goroutines:
// readPump (receives frames, drives the handler, detects disconnection) and
// writePump (serialises outgoing traffic onto the wire).
//
// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes. Everyone else goes through
// Send, which queues on the send channel.
type Client struct {
	connectionID string
	remoteAddr   string
	conn         *websocket.Conn
	handler      FrameHandler
	logger       *zap.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection. Run must be called to start the
// pumps.
func NewClient(conn *websocket.Conn, connectionID, remoteAddr string, handler FrameHandler, logger *zap.Logger) *Client {
	return &Client{
		connectionID: connectionID,
		remoteAddr:   remoteAddr,
		conn:         conn,
		handler:      handler,
		logger: logger.With(
			zap.String("connection_id", connectionID),
			zap.String("remote_addr", remoteAddr),
		),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ConnectionID returns the identifier the client chose in its connect URL.
func (c *Client) ConnectionID() string { return c.connectionID }

// RemoteAddr returns the peer address for logging.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Send queues a frame for delivery and reports whether it was accepted.
// It never blocks: a full buffer or a closed client returns false.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close tears the client down. Safe to call from any goroutine, repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Run starts the write pump and blocks in the read pump until the connection
// closes. ctx is cancelled by the caller when Run returns, cancelling any
// in-flight handler for this socket.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// readPump receives frames and hands each to the FrameHandler in arrival
// order. The read deadline is reset on pongs and on application frames, so
// an actively writing client stays alive even if its pongs go missing.
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
			return
		}

		c.handler(ctx, c, frame)
	}
}

// writePump forwards queued frames to the wire and sends periodic pings so
// the peer can detect a stale connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}

		case <-c.done:
			// Drain anything already queued, then say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
