// Package ws holds both WebSocket sides of the agent: the client Channel to
// the backend event channel and the Hub that pushes updates to local UIs.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Update is pushed to every connected UI.
type Update struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Update types.
const (
	UpdateHello        = "hello"
	UpdateDraft        = "draft"
	UpdateChat         = "chat"
	UpdateAlert        = "alert"
	UpdateConnectivity = "connectivity"
)

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Updates to fan out.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	upgrader websocket.Upgrader
	origins  map[string]bool

	done   chan struct{}
	logger *zap.SugaredLogger
}

// NewHub accepts UI connections from the agent's own origin and from
// allowedOrigins, the same list the HTTP API admits through CORS. "*" admits
// any origin.
func NewHub(logger *zap.SugaredLogger, allowedOrigins []string) *Hub {
	h := &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		origins:    make(map[string]bool),
		done:       make(chan struct{}),
		logger:     logger,
	}
	for _, o := range allowedOrigins {
		h.origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins["*"] || h.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			hello, _ := json.Marshal(Update{Type: UpdateHello, Data: map[string]string{"id": client.id}})
			h.deliver(client, hello)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, message)
			}
		}
	}
}

// deliver drops a client whose buffer is full.
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		h.logger.Warnw("Dropping slow UI client", "client_id", client.id)
		close(client.send)
		delete(h.clients, client)
	}
}

// Publish fans an update out to every connected UI. It returns without
// sending once the hub has stopped.
func (h *Hub) Publish(kind string, data any) {
	msgBytes, err := json.Marshal(Update{Type: kind, Data: data})
	if err != nil {
		h.logger.Errorw("Failed to encode UI update", "type", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- msgBytes:
	case <-h.done:
	}
}

// Client is one UI connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWs upgrades a UI request and registers the connection with the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warnw("UI websocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	client := &Client{id: uuid.NewString(), hub: hub, conn: conn, send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; the UI talks to the agent over HTTP.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
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
