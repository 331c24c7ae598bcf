// Package realtime streams upstream pool activity over WebSocket.
//
// Operators and dashboards subscribe instead of polling /v1/admin/workers:
//   - periodic pool snapshots, one event per service type
//   - workers joining the pool
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/genmeter/internal/metrics"
	"github.com/mbd888/genmeter/internal/upstream"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventSnapshot     EventType = "workers_snapshot"
	EventWorkerJoined EventType = "worker_joined"
)

// Event is one message on the stream.
type Event struct {
	Type        EventType `json:"type"`
	ServiceType string    `json:"serviceType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data"`
}

// Subscription filters what a client receives. The zero value receives
// nothing; new clients start with AllEvents.
type Subscription struct {
	AllEvents    bool        `json:"allEvents"`
	EventTypes   []EventType `json:"eventTypes"`
	ServiceTypes []string    `json:"serviceTypes"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "total", n)

		case event := <-h.broadcast:
			h.dispatch(event)
		}
	}
}

func (h *Hub) dispatch(event *Event) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode stream event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow stream clients", "count", len(slow))
	}
}

// shouldSend checks if event matches client's subscription
func shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) == 0 && len(sub.ServiceTypes) == 0 {
		return false
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.ServiceTypes) > 0 && !slices.Contains(sub.ServiceTypes, event.ServiceType) {
		return false
	}
	return true
}

// Broadcast queues an event for every matching client. It never blocks.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// BroadcastSnapshot publishes a pool snapshot, one event per service type.
// It matches upstream.Timer's onSnapshot callback.
func (h *Hub) BroadcastSnapshot(snaps []upstream.Snapshot) {
	now := time.Now().UTC()
	byType := make(map[string][]upstream.Snapshot)
	var order []string
	for _, s := range snaps {
		if _, ok := byType[s.ServiceType]; !ok {
			order = append(order, s.ServiceType)
		}
		byType[s.ServiceType] = append(byType[s.ServiceType], s)
	}
	for _, st := range order {
		workers := byType[st]
		active := 0
		for _, w := range workers {
			if w.Active {
				active++
			}
		}
		h.Broadcast(&Event{
			Type:        EventSnapshot,
			ServiceType: st,
			Timestamp:   now,
			Data: map[string]any{
				"workers": workers,
				"active":  active,
			},
		})
	}
}

// BroadcastWorkerJoined announces a newly registered worker.
func (h *Hub) BroadcastWorkerJoined(s upstream.Snapshot) {
	h.Broadcast(&Event{
		Type:        EventWorkerJoined,
		ServiceType: s.ServiceType,
		Timestamp:   time.Now().UTC(),
		Data:        s,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes queued events and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
