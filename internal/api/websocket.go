package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"strategy-runner/internal/events"
	"strategy-runner/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected operator dashboard.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub is a single global broadcast hub. There is one audience
// (operators), so no per-client routing; just register/unregister/
// broadcast channels drained by run().
type wsHub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	log        *logging.Logger
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		log:        logging.WithComponent("api.ws"),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer, drop rather than block the hub
				}
			}
			h.mu.RUnlock()
		}
	}
}

// broadcastEvent is an events.Subscriber fanning every bus event out to
// connected WebSocket clients as JSON.
func (h *wsHub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to marshal event for broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// handleWS upgrades GET /ws/events to a WebSocket connection and
// streams every bus event to it until the client disconnects.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 32)}
	s.hub.register <- client

	go client.writePump(s.hub)
	client.readPump(s.hub)
}

// readPump discards inbound messages (this is a broadcast-only feed)
// and unregisters the client on any read error or close.
func (c *wsClient) readPump(hub *wsHub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(hub *wsHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
