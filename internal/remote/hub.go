package remote

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Secondary displays connect from the same device
		return true
	},
}

// Broadcast event types pushed to secondary displays.
const (
	EventCartUpdated = "cart.updated"
	EventCartCleared = "cart.cleared"

	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Envelope wraps every broadcast message.
type Envelope struct {
	Type      string                 `json:"type"`
	Tenant    string                 `json:"tenant"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// hubClient is one connected display.
type hubClient struct {
	id     string
	tenant string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// Hub maintains display connections and pushes tenant-scoped events.
// A display only receives envelopes for the tenant it connected under.
type Hub struct {
	clients    map[string]*hubClient
	broadcast  chan Envelope
	register   chan *hubClient
	unregister chan *hubClient
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Display connected",
				map[string]interface{}{"client": client.id, "tenant": client.tenant, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Display disconnected",
				map[string]interface{}{"client": client.id, "total": total})

		case envelope := <-h.broadcast:
			data, err := json.Marshal(envelope)
			if err != nil {
				logging.Warn("Failed to marshal broadcast envelope",
					map[string]interface{}{"type": envelope.Type})
				continue
			}
			h.mu.Lock()
			for id, client := range h.clients {
				if client.tenant != envelope.Tenant {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow client, drop the connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every display of the tenant.
func (h *Hub) Broadcast(tenant, eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Tenant:    tenant,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- envelope:
	default:
		logging.Warn("Broadcast queue full, dropping event",
			map[string]interface{}{"type": eventType, "tenant": tenant})
	}
}

// ClientCount returns the number of connected displays.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into a display connection. The
// tenant comes from the "tenant" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	client := &hubClient{
		id:     uuid.New(),
		tenant: tenant,
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// readPump drains inbound frames; displays are receive-only so
// anything read beyond control frames is discarded.
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards queued envelopes and keepalive pings.
func (c *hubClient) writePump() {
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
