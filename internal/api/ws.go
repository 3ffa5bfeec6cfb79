package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blikh/proxystats/internal/metrics"
	"github.com/blikh/proxystats/internal/statsdb"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsSendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from arbitrary origins; events carry no
	// credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the frame pushed to live clients.
type wsMessage struct {
	Type      string                `json:"type"` // "event" or "reset"
	BackendID int64                 `json:"backendId"`
	Event     *statsdb.TrafficEvent `json:"event,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan wsMessage
	backendID int64 // 0 subscribes to all backends
}

// Hub fans live traffic events out to WebSocket clients. Clients that
// cannot keep up are disconnected rather than back-pressuring ingest.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: map[*wsClient]struct{}{},
	}
}

// Broadcast pushes one event to every subscribed client.
func (h *Hub) Broadcast(backendID int64, ev statsdb.TrafficEvent) {
	h.push(wsMessage{Type: "event", BackendID: backendID, Event: &ev})
}

// Reset tells clients watching backendID to discard buffered state.
// Called after a full data wipe.
func (h *Hub) Reset(backendID int64) {
	h.push(wsMessage{Type: "reset", BackendID: backendID})
}

// ResetAll tells every client to discard buffered state.
func (h *Hub) ResetAll() {
	h.push(wsMessage{Type: "reset", BackendID: 0})
}

func (h *Hub) push(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.backendID != 0 && msg.BackendID != 0 && c.backendID != msg.BackendID {
			continue
		}
		select {
		case c.send <- msg:
			metrics.WSMessagesSent.Inc()
		default:
			// Slow client; the writer goroutine notices the closed
			// channel path via disconnect below.
			go h.disconnect(c)
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClientsActive.Set(float64(n))
}

func (h *Hub) disconnect(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClientsActive.Set(float64(n))
	if ok {
		close(c.send)
		c.conn.Close()
	}
}

// handleLive upgrades the request and serves the live event stream. An
// optional backendId query parameter restricts the subscription.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	var backend int64
	if raw := r.URL.Query().Get("backendId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid backendId")
			return
		}
		backend = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:      conn,
		send:      make(chan wsMessage, wsSendBufferSize),
		backendID: backend,
	}
	s.hub.register(c)

	go s.hub.writeLoop(c)
	s.hub.readLoop(c)
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(wsWriteWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.disconnect(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.disconnect(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is detecting disconnects
// and answering pings.
func (h *Hub) readLoop(c *wsClient) {
	defer h.disconnect(c)

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
