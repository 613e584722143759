package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// eventHub fans out published events to every connected admin websocket
// client, supplementing the admin UI's device-code polling screen per the
// SPEC_FULL.md domain-stack note on gorilla/websocket. The admin OAuth
// start/complete handlers publish oauth_status events; nothing publishes
// usage_bucket events.
type eventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newEventHub() *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Event is one admin-feed notification.
type Event struct {
	Type      string      `json:"type"` // "oauth_status" | "usage_bucket"
	Provider  string      `json:"provider,omitempty"`
	State     string      `json:"state,omitempty"`
	Status    string      `json:"status,omitempty"` // pending|complete|failed
	Payload   any         `json:"payload,omitempty"`
	EmittedAt time.Time   `json:"emittedAt"`
}

func (h *eventHub) handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("events: websocket upgrade failed")
		return
	}

	out := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[conn] = out
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Drain any client-sent frames (pings, close) so the connection's read
	// deadline mechanics work; admin clients are not expected to send data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range out {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Publish broadcasts ev to every connected admin client, dropping it for any
// client whose outbound buffer is full rather than blocking the emitter.
func (h *eventHub) Publish(ev Event) {
	ev.EmittedAt = time.Now()
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, out := range h.clients {
		select {
		case out <- msg:
		default:
			log.WithField("remote", conn.RemoteAddr()).Warn("events: client buffer full, dropping event")
		}
	}
}
