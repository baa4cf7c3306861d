package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub binds to loopback; any local client may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to every connected local client. A client that
// publishes an event receives everything except its own message, matching
// broadcast-channel semantics.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Publish sends an event to every connected client.
func (h *Hub) Publish(ev Event) {
	h.publishExcept(ev, "")
}

func (h *Hub) publishExcept(ev Event, excludeID string) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("notify: marshal event", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == excludeID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop it rather than block the hub.
			slog.Warn("notify: dropping slow client", "client", id)
			go h.disconnect(id)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("notify: upgrade", "err", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Debug("notify: client connected", "client", c.id, "total", h.ClientCount())

	go h.writePump(c)
	go h.readPump(c)
}

// readPump relays messages published by this client to all the others.
func (h *Hub) readPump(c *client) {
	defer h.disconnect(c.id)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Warn("notify: bad client event", "client", c.id, "err", err)
			continue
		}
		if ev.Timestamp == 0 {
			ev.Timestamp = time.Now().Unix()
		}
		h.publishExcept(ev, c.id)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (h *Hub) disconnect(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		slog.Debug("notify: client disconnected", "client", id)
	}
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}
