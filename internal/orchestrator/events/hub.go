// Package events is the dashboard event hub: a websocket fan-out of
// control-plane events. It is the concrete implementation of the Human
// Request Store's best-effort notification listener boundary; human-request
// creation is the only event published in this repo. The slave-status,
// agent-status and installation-progress message types are declared, but
// nothing publishes them.
package events

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected websocket subscriber. Writes are serialized
// through send so the single underlying *websocket.Conn is never written
// to concurrently from two goroutines.
type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans Publish calls (from any goroutine) out to every connected
// subscriber via a single-writer event loop, mirroring the
// register/unregister-channel pattern used for similarly shaped
// concurrent broadcast problems.
type Hub struct {
	logger     *zap.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan Message

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub constructs a Hub. Call Run in its own goroutine to start the
// event loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("events"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 64),
		clients:    make(map[*client]bool),
	}
}

// Run is the hub's single-writer event loop. It blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer: drop rather than block the hub
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish enqueues msg for broadcast to every connected subscriber. Safe
// to call from any goroutine.
func (h *Hub) Publish(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// Notify implements humanrequests.Notifier, publishing a
// human_request_created event to dashboard subscribers.
func (h *Hub) Notify(ctx context.Context, req model.HumanRequest) error {
	h.Publish(Message{Type: MsgHumanRequestCreated, Topic: "human_requests", Payload: req})
	return nil
}

// ConnectedCount reports the number of active subscribers.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket connection and
// registers it as a subscriber until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Message, 16)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound messages (subscribers are read-only) and
// unregisters the client once the connection drops.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
