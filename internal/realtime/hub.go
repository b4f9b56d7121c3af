// Package realtime streams payment status updates to storefront clients.
//
// A customer sitting on the "waiting for payment" page connects by order
// code and receives a push the moment the order settles or the session
// fails, instead of the storefront polling the status endpoint.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
)

// normalCloseCodes are WebSocket close codes for expected disconnects.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// StatusUpdate is the payload pushed to subscribed clients.
type StatusUpdate struct {
	OrderCode     string                `json:"orderCode"`
	PaymentStatus payment.OrderStatus   `json:"paymentStatus"`
	SessionStatus payment.SessionStatus `json:"sessionStatus"`
	Provider      payment.Provider      `json:"provider"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Client is one WebSocket connection, pinned to a single order code.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	orderCode string
}

// MaxClients caps concurrent connections.
const MaxClients = 10000

// Hub manages WebSocket connections keyed by order code.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *StatusUpdate
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalUpdates atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *StatusUpdate, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop; blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("status stream hub started")
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
			h.logger.Info("status stream hub stopped")
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
			h.logger.Debug("status stream client connected", "order_code", client.orderCode, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case update := <-h.broadcast:
			h.totalUpdates.Add(1)
			raw, err := json.Marshal(update)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.orderCode != update.OrderCode {
					continue
				}
				select {
				case client.send <- raw:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Slow clients are dropped rather than allowed to stall the hub.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues a status update for delivery.
func (h *Hub) Broadcast(update *StatusUpdate) {
	select {
	case h.broadcast <- update:
	default:
		h.logger.Warn("status stream channel full, dropping update", "order_code", update.OrderCode)
	}
}

// OrderPaid implements the reconciliation engine's settlement callback.
func (h *Hub) OrderPaid(ctx context.Context, o *payment.Order, s *payment.Session) {
	h.Broadcast(&StatusUpdate{
		OrderCode:     o.Code,
		PaymentStatus: o.PaymentStatus,
		SessionStatus: s.Status,
		Provider:      s.Provider,
		Timestamp:     time.Now().UTC(),
	})
}

// Stats returns hub statistics for the ops surface.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"totalUpdates":     h.totalUpdates.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and pins the client to orderCode.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, orderCode string) {
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
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 16),
		orderCode: orderCode,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains client messages; the stream is one-way, so inbound
// traffic only keeps the connection's read deadline alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

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
