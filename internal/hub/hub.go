// Package hub is the live fan-out layer. Each WebSocket connection holds
// exactly one drop subscription; the hub keeps a per-drop refcount so the
// ingest path can skip broadcast staging entirely when nobody is watching.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent before the upgrade-side handshake completes.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// Server to client message types.
const (
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypeTraces     = "traces"
	TypeWideEvents = "wide_events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	// Bounded per-connection outbound queue. Overflow drops the oldest
	// frame; a connection that stays saturated gets closed.
	sendBuffer  = 64
	maxOverflow = 256
)

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type   string `json:"type"`
	DropID *int64 `json:"drop_id,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ClientMessage is one inbound frame. Drop and DropID are alternate drop
// selectors for subscribe.
type ClientMessage struct {
	Type   string `json:"type"`
	Drop   string `json:"drop,omitempty"`
	DropID *int64 `json:"dropId,omitempty"`
}

// SubscribeFunc resolves a subscribe selector to a drop id for one
// connection, enforcing the caller's query capability. The hub treats any
// error as a refusal and keeps the current subscription.
type SubscribeFunc func(ctx context.Context, selector string) (int64, error)

type client struct {
	ws       *websocket.Conn
	send     chan []byte
	dropID   int64
	overflow int
	closed   bool
}

// Hub tracks live connections and their drop subscriptions.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	refs    map[int64]int
}

// New builds an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		refs:    make(map[int64]int),
	}
}

// HasSubscribers reports whether any open connection is subscribed to the
// drop. Ingest uses this to skip broadcast staging.
func (h *Hub) HasSubscribers(dropID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[dropID] > 0
}

// SubscriberCount returns the drop's current refcount.
func (h *Hub) SubscriberCount(dropID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[dropID]
}

// Broadcast fans msg out to every connection subscribed to dropID, or to all
// connections when dropID is nil. Slow consumers lose their oldest queued
// frame rather than blocking ingest.
func (h *Hub) Broadcast(msg ServerMessage, dropID *int64) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if dropID != nil && c.dropID != *dropID {
			continue
		}
		h.enqueueLocked(c, raw)
	}
}

// enqueueLocked queues a frame with drop-oldest on overflow. A connection
// that overflows maxOverflow times in a row is closed.
func (h *Hub) enqueueLocked(c *client, raw []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
		c.overflow = 0
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}
	c.overflow++
	if c.overflow > maxOverflow {
		h.logger.Warn("closing saturated websocket", "drop_id", c.dropID)
		c.closed = true
		close(c.send)
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// Serve runs one connection until it disconnects. The caller has already
// authenticated the upgrade; subscribe enforces per-drop access through the
// supplied resolver. defaultDropID is the initial subscription.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, defaultDropID int64, subscribe SubscribeFunc) {
	c := &client{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		dropID: defaultDropID,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.refs[c.dropID]++
	h.enqueueLocked(c, mustMarshal(ServerMessage{Type: TypeConnected, DropID: &c.dropID}))
	h.mu.Unlock()

	defer h.remove(c)

	go h.writeLoop(c)
	h.readLoop(ctx, c, subscribe)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.refs[c.dropID]--
		if h.refs[c.dropID] <= 0 {
			delete(h.refs, c.dropID)
		}
		if !c.closed {
			c.closed = true
			close(c.send)
		}
	}
	h.mu.Unlock()
	c.ws.Close()
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client, subscribe SubscribeFunc) {
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "subscribe" {
			h.sendTo(c, ServerMessage{Type: TypeError, Error: "expected {type: subscribe}"})
			continue
		}

		selector := msg.Drop
		if selector == "" && msg.DropID != nil {
			selector = strconv.FormatInt(*msg.DropID, 10)
		}
		dropID, err := subscribe(ctx, selector)
		if err != nil {
			h.sendTo(c, ServerMessage{Type: TypeError, Error: err.Error()})
			continue
		}
		h.resubscribe(c, dropID)
		h.sendTo(c, ServerMessage{Type: TypeSubscribed, DropID: &dropID})
	}
}

func (h *Hub) resubscribe(c *client, dropID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.dropID == dropID {
		return
	}
	h.refs[c.dropID]--
	if h.refs[c.dropID] <= 0 {
		delete(h.refs, c.dropID)
	}
	c.dropID = dropID
	h.refs[dropID]++
}

func (h *Hub) sendTo(c *client, msg ServerMessage) {
	raw := mustMarshal(msg)
	h.mu.Lock()
	h.enqueueLocked(c, raw)
	h.mu.Unlock()
}

func mustMarshal(msg ServerMessage) []byte {
	raw, _ := json.Marshal(msg)
	return raw
}
