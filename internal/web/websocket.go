// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pingcron/internal/metrics"
	"pingcron/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	ownerID string
	send    chan monitoring.Event
}

// Hub fans engine events out to connected websocket clients. Each client
// only receives events for monitors it owns. It implements
// monitoring.EventSink and never blocks the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*WSClient]bool
	metrics *metrics.Collector
	closed  bool
}

func NewHub(collector *metrics.Collector) *Hub {
	return &Hub{clients: make(map[*WSClient]bool), metrics: collector}
}

func (h *Hub) register(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(1)
	}
	return true
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *WSClient) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(-1)
	}
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// Publish delivers event to the owner's clients. Slow clients are
// disconnected rather than waited on.
func (h *Hub) Publish(event monitoring.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.ownerID != event.OwnerID {
			continue
		}
		select {
		case client.send <- event:
		default:
			logrus.WithField("user_id", client.ownerID).Warn("Websocket client too slow, disconnecting")
			h.drop(client)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.drop(client)
	}
}

// GET /ws?api_key=... - browsers cannot set headers on the upgrade request,
// so the key may come from the query string.
func (s *Server) handleWebSocket(c *gin.Context) {
	key := c.Query(apiKeyQuery)
	if key == "" {
		key = c.GetHeader(apiKeyHeader)
	}
	user, ok := s.users.Lookup(key)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		hub:     s.hub,
		conn:    conn,
		ownerID: user.ID,
		send:    make(chan monitoring.Event, sendBuffer),
	}
	if !s.hub.register(client) {
		conn.Close()
		return
	}
	logrus.WithField("user_id", user.ID).Debug("Websocket client connected")

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

// readPump only services control frames; clients have nothing to say.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
