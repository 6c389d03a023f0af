package dashboard

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/metrics"
	"github.com/vtrpza/bingxv3/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
	wsReadLimit  = 512
)

// Hub fans lifecycle events out to websocket clients. It implements
// stream.Broadcaster, so the scanner and trading engine publish into
// it without knowing about websockets. Slow clients lose events
// rather than stall the publishers.
type Hub struct {
	log      zerolog.Logger
	metrics  *metrics.Registry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	sent    uint64
	dropped uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan stream.Event
}

// HubStats is the hub's /api/status snapshot.
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"events_sent"`
	Dropped uint64 `json:"events_dropped"`
}

// NewHub builds an empty hub. The metrics registry may be nil.
func NewHub(logger zerolog.Logger, m *metrics.Registry) *Hub {
	h := &Hub{
		log:     logger.With().Str("component", "ws_hub").Logger(),
		metrics: m,
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     localOrigin,
	}
	return h
}

// localOrigin admits non-browser clients (no Origin header) and
// localhost pages; anything else is rejected.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

// Broadcast implements stream.Broadcaster. It never blocks; a client
// whose buffer is full misses the event.
func (h *Hub) Broadcast(ev stream.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
			h.sent++
		default:
			h.dropped++
		}
	}
}

// ServeWS upgrades the request and attaches the client until it
// disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade rejected")
		return
	}

	c := &wsClient{conn: conn, send: make(chan stream.Event, wsSendBuffer)}
	h.mu.Lock()
	if h.closed { // Close raced the upgrade
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Inc()
	}
	h.log.Debug().Str("remote", r.RemoteAddr).Int("clients", n).Msg("websocket client attached")

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Stats snapshots client count and delivery counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Clients: len(h.clients), Sent: h.sent, Dropped: h.dropped}
}

// ClientCount reports attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches every client. Further upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}

// drop detaches one client exactly once. Broadcast holds the same
// mutex while sending, so the channel cannot be closed mid-send.
func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	_, attached := h.clients[c]
	if attached {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if attached {
		if h.metrics != nil {
			h.metrics.WSClients.Dec()
		}
		_ = c.conn.Close()
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains the connection to service pongs and notice closes.
// Inbound payloads are ignored; the feed is one-way.
func (h *Hub) readLoop(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
