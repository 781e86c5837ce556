package dhan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// DefaultPongWait is the time allowed between inbound frames or heartbeats
	// before the connection is considered dead.
	DefaultPongWait = 60 * time.Second

	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 15 * time.Second

	// readLimit caps a single inbound message; two depth frames fit easily.
	readLimit = 1 << 20
)

// Conn is a feed WebSocket connection. Reads must come from a single
// goroutine; writes are serialised internally.
type Conn struct {
	conn     *websocket.Conn
	pongWait time.Duration

	writeMu sync.Mutex
	closed  bool
}

// Dial opens a feed connection. A handshake rejected with 401 or 403 is
// reported as domain.ErrAuthFailure; any other failure as domain.ErrTransport.
func Dial(ctx context.Context, rawURL string, pongWait time.Duration) (*Conn, error) {
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dhan/ws: handshake status %d: %w", resp.StatusCode, domain.ErrAuthFailure)
		}
		return nil, fmt.Errorf("dhan/ws: connect: %w: %w", domain.ErrTransport, err)
	}

	c := &Conn{conn: ws, pongWait: pongWait}
	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Server heartbeats are answered immediately and also extend the deadline.
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

// ReadMessage blocks for the next data message. Every successful read
// extends the read deadline.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, fmt.Errorf("dhan/ws: read: %w: %w", domain.ErrTransport, err)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	return mt, data, nil
}

// WriteJSON sends a control message as a text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dhan/ws: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("dhan/ws: write: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

// Ping sends a client heartbeat.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("dhan/ws: ping: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

// Close sends a close frame and tears down the socket. It is idempotent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
