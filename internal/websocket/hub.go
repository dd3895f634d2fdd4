// Package websocket fans job and network events out to connected dashboard
// clients. Delivery is tenant-scoped: job events reach the owning tenant's
// clients plus admins, network surveillance events reach admins only.
package websocket

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the reverse proxy.
		return true
	},
}

// Message is the wire shape of every event sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client is one connected WebSocket session.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	tenantID string
	role     models.Role
	lastPong time.Time
}

// envelope pairs a serialised message with its delivery scope.
type envelope struct {
	tenantID  string
	adminOnly bool
	payload   []byte
}

// Hub maintains active clients and routes events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	nextID     atomic.Uint64
	dropped    atomic.Uint64
}

// NewHub creates an empty hub. Call Run before handing out connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// client connection on the way out.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().
				Str("client", client.id).
				Str("tenantId", client.tenantID).
				Str("role", string(client.role)).
				Msg("WebSocket client connected")

			welcome := Message{Type: "welcome", Data: map[string]string{"message": "connected"}}
			if data, err := json.Marshal(welcome); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case env := <-h.broadcast:
			h.deliver(env)

		case <-pingTicker.C:
			h.sendPing()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver fans an envelope out to every client its scope admits. Clients
// with a full send buffer are evicted rather than allowed to stall the hub.
func (h *Hub) deliver(env envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if h.admits(env, client) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- env.payload:
		default:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.dropped.Add(1)
			log.Warn().Str("client", client.id).Msg("Evicted slow WebSocket client")
		}
	}
}

func (h *Hub) admits(env envelope, client *Client) bool {
	if client.role == models.RoleAdmin {
		return true
	}
	if env.adminOnly {
		return false
	}
	return env.tenantID == "" || env.tenantID == client.tenantID
}

// BroadcastJobEvent sends a job lifecycle event to the owning tenant's
// clients. Admin clients receive all tenants' job events.
func (h *Hub) BroadcastJobEvent(tenantID, eventType string, data any) {
	h.enqueue(envelope{tenantID: tenantID}, Message{Type: eventType, Data: data})
}

// BroadcastNetworkEvent sends a network surveillance event to admin clients.
func (h *Hub) BroadcastNetworkEvent(eventType string, data any) {
	h.enqueue(envelope{adminOnly: true}, Message{Type: eventType, Data: data})
}

func (h *Hub) enqueue(env envelope, msg Message) {
	msg.Data = sanitizeData(msg.Data)
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	env.payload = payload

	select {
	case h.broadcast <- env:
	default:
		h.dropped.Add(1)
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full, dropping event")
	}
}

func (h *Hub) sendPing() {
	msg := Message{Type: "ping", Data: map[string]int64{"timestamp": time.Now().Unix()}}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.deliver(envelope{payload: payload})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedEvents returns how many events were discarded because of slow
// clients or a saturated broadcast channel.
func (h *Hub) DroppedEvents() uint64 {
	return h.dropped.Load()
}

// HandleWebSocket upgrades the request and registers the client under the
// given actor's tenant and role. Tenancy is resolved by the API layer
// before the upgrade.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       h.newClientID(),
		tenantID: actor.TenantID,
		role:     actor.Role,
		lastPong: time.Now(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) newClientID() string {
	return "ws-" + strconv.FormatUint(h.nextID.Add(1), 10)
}

// readPump consumes client messages until the connection drops. Clients only
// ever send pings; anything else is logged and ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.lastPong = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Error().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			pong := Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}
			if data, err := json.Marshal(pong); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Ignoring WebSocket message")
		}
	}
}

// writePump pushes queued messages to the connection and keeps it alive
// with protocol-level pings.
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

			// Drain whatever queued up behind this write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if msg, ok := <-c.send; ok {
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sanitizeData replaces NaN and infinite floats so the payload stays valid
// JSON. Statistics over empty windows produce NaN averages.
func sanitizeData(data any) any {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case map[string]any:
		cleaned := make(map[string]any, len(v))
		for key, value := range v {
			cleaned[key] = sanitizeData(value)
		}
		return cleaned
	case models.JSONMap:
		cleaned := make(map[string]any, len(v))
		for key, value := range v {
			cleaned[key] = sanitizeData(value)
		}
		return cleaned
	case []any:
		cleaned := make([]any, len(v))
		for i, value := range v {
			cleaned[i] = sanitizeData(value)
		}
		return cleaned
	default:
		return data
	}
}
