package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware owns origin policy
	},
}

// Hub fans bus events out to websocket clients as JSON frames. A client
// that cannot keep up is dropped rather than blocking the broadcast loop.
type Hub struct {
	logger    *zap.Logger
	broadcast chan []byte
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	unsub     func()
}

// NewHub builds a hub; Attach subscribes it to the bus, Run drains it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logger.Named("ws"),
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Attach forwards every bus event to connected clients.
func (h *Hub) Attach(b *bus.Bus) {
	h.unsub = b.Subscribe("api.stream", func(_ context.Context, ev bus.Event) {
		frame, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case h.broadcast <- frame:
		default:
			// Broadcast queue full; the frame is lost, clients resync
			// through the REST surface.
		}
	})
}

// Run delivers frames until the broadcast channel closes.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

// Close detaches from the bus and stops the delivery loop.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	close(h.broadcast)
}

// Serve upgrades the request and registers the client.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.Int("clients", total))

	// Read loop exists only to notice disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()
}
