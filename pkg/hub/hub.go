// Package hub fans widget A/V state out to every connected widget socket.
//
// Widgets open a WebSocket to /widget-av and keep it open; the relay pushes
// {state, src} payloads whenever the widget-av-state tool runs. The only
// inbound message understood is the text "ping", answered with "pong".
//
// Thread-safe: the client set is guarded by a sync.RWMutex and every socket
// has its own write mutex, because gorilla/websocket allows one writer at a
// time.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Payload is what widgets receive. Empty fields are omitted.
type Payload struct {
	State string `json:"state,omitempty"`
	Src   string `json:"src,omitempty"`
}

const writeTimeout = 10 * time.Second

// client is one connected widget socket.
type client struct {
	id          string
	conn        *websocket.Conn
	mu          sync.Mutex // Protects writes to conn
	connectedAt time.Time
}

func (c *client) send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub tracks open widget sockets.
type Hub struct {
	clients map[string]*client
	mu      sync.RWMutex
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and holds it until the widget goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}
	h.add(c)
	h.logger.Info("widget connected", "client_id", c.id, "clients", h.Size(), "url", r.URL.String())

	defer func() {
		h.remove(c.id)
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("widget socket error", "client_id", c.id, "error", err)
			} else {
				h.logger.Info("widget disconnected", "client_id", c.id, "clients", h.Size()-1)
			}
			return
		}
		if messageType == websocket.TextMessage && string(data) == "ping" {
			if err := c.send(websocket.TextMessage, []byte("pong")); err != nil {
				h.logger.Warn("sending pong", "client_id", c.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Size returns the number of connected widgets.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes p once and sends it to every connected widget. A socket
// that fails to accept the write is dropped. Returns the number of sockets
// that received the message.
func (h *Hub) Broadcast(p Payload) (int, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encoding widget payload: %w", err)
	}
	return h.broadcastRaw(data), nil
}

func (h *Hub) broadcastRaw(data []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.send(websocket.TextMessage, data); err != nil {
			h.logger.Warn("dropping widget after failed write", "client_id", c.id, "error", err)
			h.remove(c.id)
			c.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// CloseAll disconnects every widget. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, c := range targets {
		_ = c.send(websocket.CloseMessage, msg)
		c.conn.Close()
	}
}
