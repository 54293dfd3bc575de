// Package foundry keeps track of connected Foundry VTT clients and relays
// tool requests to them.
//
// A Foundry world connects to the relay over WebSocket with its client id
// (GET /relay?id=<clientId>&token=<token>). Tools address a world by that id:
// Request sends {"type", "requestId", "payload"} down the socket and blocks
// until a message carrying the same requestId comes back, the context ends,
// or the socket goes away.
package foundry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types the relay itself sends or understands. Request types are
// chosen by the caller (e.g. "search-tokens").
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
)

var (
	// ErrNotConnected is returned by Request when no socket is registered
	// under the client id.
	ErrNotConnected = errors.New("client not connected")

	// ErrDisconnected fails requests whose socket closed before replying.
	ErrDisconnected = errors.New("client disconnected before responding")
)

// Message is the envelope exchanged with Foundry clients in both directions.
type Message struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Authenticator decides whether a connecting client's token is accepted.
// An error means the decision could not be made (e.g. token store down).
type Authenticator func(ctx context.Context, token string) (bool, error)

// Options configures a Registry.
type Options struct {
	// Authenticate checks the connect token. Nil accepts everyone.
	Authenticate Authenticator

	// PingInterval is how often the relay pings idle sockets. Zero disables.
	PingInterval time.Duration

	Logger *slog.Logger
}

// clientConn is one connected Foundry world.
type clientConn struct {
	id          string
	conn        *websocket.Conn
	mu          sync.Mutex // serializes writes
	connectedAt time.Time
}

func (c *clientConn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// outcome is what a pendingRequest receives: the client's message, or err
// when the socket went away first.
type outcome struct {
	msg Message
	err error
}

// pendingRequest is an in-flight Request waiting for its reply.
type pendingRequest struct {
	conn  *clientConn
	reply chan outcome // buffered 1; written at most once
}

// Registry is the set of connected Foundry clients, keyed by client id.
type Registry struct {
	upgrader     websocket.Upgrader
	authenticate Authenticator
	pingInterval time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*clientConn

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest // requestID → waiter
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		authenticate: opts.Authenticate,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
		clients:      make(map[string]*clientConn),
		pending:      make(map[string]*pendingRequest),
	}
}

// ServeHTTP authenticates and upgrades a Foundry client, then reads its
// replies until it disconnects. A second connection with the same id
// replaces the first.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	clientID := strings.TrimSpace(q.Get("id"))
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	token := q.Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			token = strings.TrimSpace(h[7:])
		}
	}
	if r.authenticate != nil {
		ok, err := r.authenticate(req.Context(), token)
		if err != nil {
			r.logger.Error("authenticating foundry client", "client_id", clientID, "error", err)
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			r.logger.Warn("foundry client rejected", "client_id", clientID, "remote", req.RemoteAddr)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("foundry websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	c := &clientConn{id: clientID, conn: ws, connectedAt: time.Now()}
	if old := r.register(c); old != nil {
		r.logger.Info("foundry client reconnected, closing previous socket", "client_id", clientID)
		old.conn.Close()
	}
	r.logger.Info("foundry client connected", "client_id", clientID, "clients", r.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		r.unregister(c)
		ws.Close()
	}()

	if err := c.send(Message{Type: TypeConnected, ClientID: clientID}); err != nil {
		r.logger.Warn("acknowledging foundry client", "client_id", clientID, "error", err)
		return
	}
	if r.pingInterval > 0 {
		go r.pingLoop(ctx, c)
	}

	r.readLoop(c)
}

// readLoop dispatches messages from c until the socket fails.
func (r *Registry) readLoop(c *clientConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("foundry client disconnected unexpectedly", "client_id", c.id, "error", err)
			} else {
				r.logger.Info("foundry client disconnected", "client_id", c.id,
					"connected_for", time.Since(c.connectedAt).Round(time.Second).String())
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("invalid message from foundry client", "client_id", c.id, "error", err)
			continue
		}

		switch {
		case msg.Type == TypePing:
			if err := c.send(Message{Type: TypePong}); err != nil {
				r.logger.Warn("sending pong", "client_id", c.id, "error", err)
				return
			}
		case msg.Type == TypePong:
		case msg.RequestID != "":
			r.resolve(c, msg)
		default:
			r.logger.Warn("unexpected message from foundry client", "client_id", c.id, "type", msg.Type)
		}
	}
}

func (r *Registry) pingLoop(ctx context.Context, c *clientConn) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(Message{Type: TypePing}); err != nil {
				r.logger.Warn("foundry ping failed", "client_id", c.id, "error", err)
				return
			}
		}
	}
}

// register stores c and returns the connection it replaced, if any.
func (r *Registry) register(c *clientConn) *clientConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.clients[c.id]
	r.clients[c.id] = c
	return old
}

// unregister removes c (unless a newer socket already took its id) and
// fails every request still waiting on it.
func (r *Registry) unregister(c *clientConn) {
	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()

	r.pendingMu.Lock()
	var orphaned []*pendingRequest
	for id, p := range r.pending {
		if p.conn == c {
			orphaned = append(orphaned, p)
			delete(r.pending, id)
		}
	}
	r.pendingMu.Unlock()

	for _, p := range orphaned {
		p.reply <- outcome{err: ErrDisconnected}
	}
	if len(orphaned) > 0 {
		r.logger.Warn("failed requests of disconnected foundry client", "client_id", c.id, "requests", len(orphaned))
	}
}

// resolve hands a reply to the Request waiting on its requestId.
func (r *Registry) resolve(c *clientConn, msg Message) {
	r.pendingMu.Lock()
	p, ok := r.pending[msg.RequestID]
	if ok && p.conn == c {
		delete(r.pending, msg.RequestID)
	}
	r.pendingMu.Unlock()

	if !ok || p.conn != c {
		r.logger.Warn("reply for unknown request", "client_id", c.id, "request_id", msg.RequestID, "type", msg.Type)
		return
	}
	p.reply <- outcome{msg: msg}
}

// Request sends a request of the given type to clientID and waits for the
// reply. A reply carrying an error is returned together with that error.
func (r *Registry) Request(ctx context.Context, clientID, reqType string, payload any) (*Message, error) {
	r.mu.RLock()
	c := r.clients[clientID]
	r.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, clientID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", reqType, err)
	}

	requestID := uuid.NewString()
	p := &pendingRequest{conn: c, reply: make(chan outcome, 1)}
	r.pendingMu.Lock()
	r.pending[requestID] = p
	r.pendingMu.Unlock()

	forget := func() {
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		r.pendingMu.Unlock()
	}

	start := time.Now()
	if err := c.send(Message{Type: reqType, ClientID: clientID, RequestID: requestID, Payload: body}); err != nil {
		forget()
		return nil, fmt.Errorf("sending %s to client %s: %w", reqType, clientID, err)
	}

	select {
	case rep := <-p.reply:
		if rep.err != nil {
			return nil, fmt.Errorf("%s request %s to client %s: %w", reqType, requestID, clientID, rep.err)
		}
		msg := rep.msg
		if msg.ClientID == "" {
			msg.ClientID = clientID
		}
		r.logger.Debug("foundry request answered",
			"client_id", clientID, "type", reqType, "request_id", requestID,
			"duration_ms", time.Since(start).Milliseconds(), "has_error", msg.Error != "")
		if msg.Error != "" {
			return &msg, errors.New(msg.Error)
		}
		return &msg, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s request %s to client %s: %w", reqType, requestID, clientID, ctx.Err())
	}
}

// Size returns the number of connected clients.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients returns the connected client ids, sorted.
func (r *Registry) Clients() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll disconnects every client. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := r.clients
	r.clients = make(map[string]*clientConn)
	r.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, c := range targets {
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.mu.Unlock()
		c.conn.Close()
	}
}
