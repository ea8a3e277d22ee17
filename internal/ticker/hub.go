package ticker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 8
)

type SnapshotSource interface {
	FetchMarketData(ctx context.Context, diagnostic bool, minCoins int) domain.MarketSnapshot
}

// Envelope is the message pushed to every client.
type Envelope struct {
	MarketData domain.MarketSnapshot `json:"market_data"`
}

// Hub fans market snapshots out to websocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	source   SnapshotSource
	log      logrus.FieldLogger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub accepts a nil source, in which case clients wait for the next broadcast.
func NewHub(source SnapshotSource, log logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		source:  source,
		log:     log.WithField("component", "ticker"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and sends the current snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if h.source != nil {
		if msg, err := encode(h.source.FetchMarketData(r.Context(), false, 0)); err == nil {
			c.send <- msg
		}
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends snapshot to every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(snapshot domain.MarketSnapshot) {
	msg, err := encode(snapshot)
	if err != nil {
		h.log.WithError(err).Error("failed to encode ticker snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow ticker client")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.TickerClients.Set(float64(n))
	h.log.WithField("clients", n).Debug("ticker client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	metrics.TickerClients.Set(float64(len(h.clients)))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(snapshot domain.MarketSnapshot) ([]byte, error) {
	if snapshot == nil {
		snapshot = domain.MarketSnapshot{}
	}
	return json.Marshal(Envelope{MarketData: snapshot})
}
