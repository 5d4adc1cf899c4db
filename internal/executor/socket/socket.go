// Package socket pushes status updates to websocket subscribers grouped in
// rooms. A room is a session id, or "images" for image status.
package socket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/namnv2496/go-codelab/internal/logger"
)

// ClientInfo holds metadata for a connected WebSocket client.
type ClientInfo struct {
	username string
	roomID   string
}

// Message is the envelope for all WebSocket messages.
//
// Type values:
//   - "request_status": an execution request changed (payload = request)
//   - "image_status":   a language image changed (payload = image)
//   - "stop":           client is disconnecting
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	User    string `json:"user,omitempty"`
	RoomID  string `json:"roomId"`
}

type Hub struct {
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*ClientInfo
	broadcast chan Message
	upgrader  websocket.Upgrader
	log       *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*ClientInfo),
		broadcast: make(chan Message, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Named(log, "socket"),
	}
}

// HandleConnections upgrades a subscriber joining ?room= as ?username= and
// holds the connection until the client leaves.
func (h *Hub) HandleConnections(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	roomID := r.URL.Query().Get("room")
	if username == "" || roomID == "" {
		h.log.Warnw("Rejected connection: missing username or room query param", "remote", r.RemoteAddr)
		http.Error(w, "username and room are required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("WebSocket upgrade error", "error", err)
		return
	}
	defer ws.Close()

	h.log.Infow("Connected", "user", username, "room", roomID)
	h.clientsMu.Lock()
	h.clients[ws] = &ClientInfo{username: username, roomID: roomID}
	h.clientsMu.Unlock()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			h.log.Infow("Disconnected", "user", username, "error", err)
			h.drop(ws)
			return
		}
		if msg.Type == "stop" {
			h.log.Infow("Disconnecting", "user", username, "room", roomID)
			h.drop(ws)
			return
		}
	}
}

// Publish queues a message for every subscriber of room. Updates are
// dropped when the hub is backed up.
func (h *Hub) Publish(room, kind string, payload any) {
	select {
	case h.broadcast <- Message{Type: kind, Payload: payload, RoomID: room}:
	default:
		h.log.Warnw("Broadcast queue full, dropping update", "room", room, "type", kind)
	}
}

// Run delivers published messages until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.clientsMu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientsMu.Unlock()
			return nil
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Clients counts the subscribers of room.
func (h *Hub) Clients(room string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	n := 0
	for _, info := range h.clients {
		if info.roomID == room {
			n++
		}
	}
	return n
}

func (h *Hub) deliver(msg Message) {
	// Snapshot the room, then write outside the lock so a slow write
	// doesn't block new subscribers.
	h.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*ClientInfo)
	for conn, info := range h.clients {
		if info.roomID == msg.RoomID {
			targets[conn] = info
		}
	}
	h.clientsMu.RUnlock()

	for conn, info := range targets {
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Warnw("Write error", "user", info.username, "error", err)
			h.drop(conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}
