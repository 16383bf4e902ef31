// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairtime/voicecall/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// Hub routes signaling messages between connected users. Each user has at
// most one live connection; a new connection replaces the old one. Every
// message is persisted to the store before delivery so replay works even
// when the recipient is offline.
type Hub struct {
	store Store
	log   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	// done signals the write pump to exit. The send channel itself is
	// never closed: deliver may be racing a disconnect, and sending on a
	// closed channel would panic in a pump goroutine and kill the process.
	done chan struct{}
}

func NewHub(store Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:   store,
		log:     log,
		clients: make(map[string]*client),
	}
}

// HandleWS upgrades an authenticated request to a signaling connection.
func (h *Hub) HandleWS(c *gin.Context) {
	userID := c.GetString(userIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	cl := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[userID]; ok {
		close(old.done)
		old.conn.Close()
	}
	h.clients[userID] = cl
	h.mu.Unlock()

	h.log.Info("user connected", "user_id", userID)

	go cl.writePump()
	go h.readPump(cl)
}

// deliver pushes data to userID's live connection, if any. Offline
// recipients rely on replay.
func (h *Hub) deliver(userID string, data []byte) bool {
	h.mu.RLock()
	cl, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case cl.send <- data:
		return true
	case <-cl.done:
		return false
	default:
		h.log.Warn("send buffer full, dropping message", "user_id", userID)
		return false
	}
}

func (h *Hub) readPump(cl *client) {
	defer func() {
		h.mu.Lock()
		if h.clients[cl.userID] == cl {
			delete(h.clients, cl.userID)
			close(cl.done)
		}
		h.mu.Unlock()
		cl.conn.Close()
		h.log.Info("user disconnected", "user_id", cl.userID)
	}()

	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "user_id", cl.userID, "error", err)
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("dropping malformed message", "user_id", cl.userID, "error", err)
			continue
		}
		if msg.To == "" || msg.To == cl.userID {
			continue
		}

		// The sender identity comes from the token, never from the payload.
		msg.From = cl.userID
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if msg.SessionKey == "" {
			msg.SessionKey = signaling.SessionKey(msg.From, msg.To)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.Append(ctx, msg); err != nil {
			h.log.Error("failed to persist message", "session_key", msg.SessionKey, "error", err)
		}
		cancel()

		out, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if !h.deliver(msg.To, out) {
			h.log.Debug("recipient offline, stored for replay",
				"to", msg.To, "type", msg.Type)
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
