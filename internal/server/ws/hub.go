// Package ws relays live depth signal states from the bus to WebSocket
// clients, optionally filtered per instrument.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlMsg changes a client's instrument filter:
//
//	{"action":"subscribe","instruments":["NSE_FNO:52175"]}
//
// A client with an empty filter receives every instrument.
type controlMsg struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// stateHeader is the part of a published SignalState needed for routing.
type stateHeader struct {
	Segment    domain.ExchangeSegment `json:"segment"`
	SecurityID uint32                 `json:"security_id"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[domain.InstrumentKey]bool
}

// Hub fans bus messages out to connected clients. Slow clients lose
// messages rather than stalling the hub.
type Hub struct {
	bus        domain.SignalBus
	pattern    string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	dropped    atomic.Uint64
	logger     *slog.Logger
}

// NewHub creates a hub relaying channels matching pattern, e.g. "depth:*".
func NewHub(bus domain.SignalBus, pattern string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		pattern:    pattern,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and routes messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgs, err := h.bus.Subscribe(ctx, h.pattern)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", h.pattern, err)
	}
	h.logger.Info("ws hub relaying", slog.String("pattern", h.pattern))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws client disconnected", slog.Int("total_clients", h.ClientCount()))

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws bus subscription closed", slog.String("pattern", h.pattern))
				return nil
			}
			h.route(data)
		}
	}
}

func (h *Hub) route(data []byte) {
	var hdr stateHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		h.logger.Debug("ws skipping undecodable message", slog.String("error", err.Error()))
		return
	}
	key := domain.InstrumentKey{Segment: hdr.Segment, SecurityID: hdr.SecurityID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(key) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages slow clients have missed.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// HandleWS upgrades the request and attaches the client.
// GET /ws/levels
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[domain.InstrumentKey]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) wants(key domain.InstrumentKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[key]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.apply(msg)
	}
}

func (c *client) apply(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range msg.Instruments {
		key, err := domain.ParseInstrumentKey(raw)
		if err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[key] = true
		case "unsubscribe":
			delete(c.subs, key)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
