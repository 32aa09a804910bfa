// Package transport connects a running session to the human driving it:
// input requests, progress events and liveness.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// MessageInputAnswer is the inbound message type carrying input values.
const MessageInputAnswer = "input-answer"

// ErrHubBusy is returned by Publish when the broadcast buffer is full.
var ErrHubBusy = errors.New("hub broadcast buffer full")

// outbound is the envelope of every message sent to clients.
type outbound struct {
	Type    schemas.EventType         `json:"type"`
	Event   *schemas.ProgressEvent    `json:"event,omitempty"`
	Request *schemas.UserInputRequest `json:"request,omitempty"`
}

// inbound is a message received from a client. Answers carries several
// values for one request at once.
type inbound struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	InputKey  string            `json:"inputKey"`
	Value     string            `json:"value"`
	Answers   map[string]string `json:"answers,omitempty"`
}

type pendingInput struct {
	msg       []byte
	ch        chan schemas.UserInputAnswer
	remaining map[string]bool
}

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigin restricts browser origins; empty or "*" allows all.
	AllowedOrigin string
	// DisconnectTTL is how long the session survives without any client.
	DisconnectTTL time.Duration
	Metrics       *observability.Metrics
}

// Hub is a websocket server for the human-facing UI. It implements
// schemas.InputTransport, schemas.ProgressPublisher and schemas.Liveness.
type Hub struct {
	logger   *zap.Logger
	opts     HubOptions
	upgrader websocket.Upgrader
	now      func() time.Time

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	runOnce    sync.Once

	mu             sync.Mutex
	clients        map[*client]bool
	everConnected  bool
	lastDisconnect time.Time
	pending        map[string]*pendingInput
}

var (
	_ schemas.InputTransport    = (*Hub)(nil)
	_ schemas.ProgressPublisher = (*Hub)(nil)
	_ schemas.Liveness          = (*Hub)(nil)
)

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(opts HubOptions, logger *zap.Logger) *Hub {
	h := &Hub{
		logger:     logger.Named("ws_hub"),
		opts:       opts,
		now:        time.Now,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		pending:    make(map[string]*pendingInput),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return r.Header.Get("Origin") == h.opts.AllowedOrigin
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")
	defer h.runOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.everConnected = true
			for _, p := range h.pending {
				select {
				case c.send <- p.msg:
				default:
				}
			}
			h.mu.Unlock()
			h.logger.Info("New WebSocket client connected.", zap.String("client_id", c.id))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				if len(h.clients) == 0 {
					h.lastDisconnect = h.now()
				}
				h.logger.Info("WebSocket client disconnected.", zap.String("client_id", c.id))
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
					if len(h.clients) == 0 {
						h.lastDisconnect = h.now()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Alive reports whether a human is still attached. A hub that never had a
// client counts as alive; after the last client leaves, the session
// survives for DisconnectTTL.
func (h *Hub) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) > 0 || !h.everConnected {
		return true
	}
	return h.now().Sub(h.lastDisconnect) < h.opts.DisconnectTTL
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish broadcasts a progress event. It never blocks.
func (h *Hub) Publish(ctx context.Context, event schemas.ProgressEvent) error {
	msg, err := json.Marshal(outbound{Type: event.Type, Event: &event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return ErrHubBusy
	}
}

// RequestInput announces an input request to every client, including ones
// that connect later. The returned channel is closed once every key is
// answered or ctx ends.
func (h *Hub) RequestInput(ctx context.Context, req schemas.UserInputRequest) (<-chan schemas.UserInputAnswer, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	msg, err := json.Marshal(outbound{Type: schemas.EventInputRequested, Request: &req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input request: %w", err)
	}
	p := &pendingInput{
		msg:       msg,
		ch:        make(chan schemas.UserInputAnswer, len(req.Inputs)),
		remaining: make(map[string]bool, len(req.Inputs)),
	}
	for _, in := range req.Inputs {
		p.remaining[in.InputKey] = true
	}

	h.mu.Lock()
	h.pending[req.RequestID] = p
	h.mu.Unlock()
	context.AfterFunc(ctx, func() { h.closePending(req.RequestID) })

	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.closePending(req.RequestID)
		return nil, errors.New("hub is not running")
	}
	h.logger.Info("Input requested", zap.String("request_id", req.RequestID), zap.Int("inputs", len(req.Inputs)))
	return p.ch, nil
}

// deliver hands one answer to its pending request.
func (h *Hub) deliver(requestID, key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[requestID]
	if !ok {
		h.logger.Debug("Answer for unknown or finished request", zap.String("request_id", requestID))
		return
	}
	if !p.remaining[key] {
		h.logger.Debug("Answer for unrequested key", zap.String("request_id", requestID), zap.String("key", key))
		return
	}
	delete(p.remaining, key)
	p.ch <- schemas.UserInputAnswer{RequestID: requestID, InputKey: key, Value: value}
	if len(p.remaining) == 0 {
		delete(h.pending, requestID)
		close(p.ch)
	}
}

func (h *Hub) closePending(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[requestID]; ok {
		delete(h.pending, requestID)
		close(p.ch)
	}
}

func (h *Hub) handleMessage(c *client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("Failed to unmarshal incoming message", zap.String("client_id", c.id), zap.Error(err))
		return
	}
	if msg.Type != MessageInputAnswer {
		h.logger.Debug("Ignoring message", zap.String("client_id", c.id), zap.String("type", msg.Type))
		return
	}
	if msg.InputKey != "" {
		h.deliver(msg.RequestID, msg.InputKey, msg.Value)
	}
	for k, v := range msg.Answers {
		h.deliver(msg.RequestID, k, v)
	}
}

// HandleWS upgrades a request and attaches the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "session finished", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Handler serves the websocket endpoint, metrics and a health check.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.opts.Metrics != nil {
		mux.Handle("/metrics", h.opts.Metrics.Handler())
	}
	return mux
}

// Serve runs the hub and its HTTP server until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	go h.Run(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.logger.Info("Listening for UI clients", zap.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("hub server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// client is a middleman between the websocket connection and the hub.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump pumps messages from the websocket connection to the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
