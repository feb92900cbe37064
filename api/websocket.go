package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; clients only send pongs.
	maxMessageSize = 512

	sendChannelSize = 256
)

// wsEvent is the envelope pushed to dashboard subscribers when
// compliance state changes.
type wsEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans compliance events out to connected dashboard clients.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// upgrader relies on corsMiddleware for origin checks; a second check
// here would reject same-origin requests that already passed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Run Start in a goroutine before broadcasting.
func NewHub(ctx context.Context, logger *zap.SugaredLogger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the hub event loop until Stop is called.
func (h *Hub) Start() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*wsClient]bool)
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

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

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client; drop it rather than stall the rest.
					go func(dc *wsClient) {
						h.unregister <- dc
						dc.conn.Close()
					}(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for all subscribers. A full broadcast
// queue drops the event rather than blocking the calling handler.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg := wsEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket event", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warnw("WebSocket broadcast queue full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down and waits for the event loop to finish.
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Clients never send application messages; read only to
		// detect disconnects.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("WebSocket unexpected close", "error", err)
			}
			break
		}
	}
}

func (c *wsClient) writePump() {
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

// handleWebSocket upgrades an authenticated request to a dashboard
// event stream.
//
// GET /api/events
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotImplemented, "Event stream is not enabled", nil, a.logger)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:  a.hub,
		conn: conn,
		send: make(chan []byte, sendChannelSize),
	}
	a.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// broadcastEvent pushes a domain event to dashboard subscribers when a
// hub is wired.
func (a *API) broadcastEvent(eventType string, data interface{}) {
	if a.hub == nil {
		return
	}
	a.hub.Broadcast(eventType, data)
}
