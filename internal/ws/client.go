// Package ws wraps streaming client connections: WebSocket and Server-Sent
// Events.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Send after the connection closed.
var ErrClosed = errors.New("ws: connection closed")

// Client represents a websocket client connection. Writes are serialized.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		log:  logger.With("conn_id", id),
		done: make(chan struct{}),
	}
}

// ID identifies the connection.
func (c *Client) ID() string { return c.id }

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Client) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closeLocked()
		return err
	}
	return nil
}

// ReadLoop delivers inbound text messages to handle until the connection
// fails or ctx is done. It keeps the connection alive with pings and closes
// it on return.
func (c *Client) ReadLoop(ctx context.Context, handle func([]byte)) error {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepAlive(ctx)

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket closed unexpectedly", "error", err)
				return err
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	c.once.Do(func() {
		c.closed = true
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
