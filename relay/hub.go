// Package relay backs the loopback devserver: a registry of connected users
// and an optional redis bridge so several devserver instances can relay
// envelopes to each other during development.
package relay

import (
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"
)

// Hub maps userID -> websocket connection. One connection per user; a new
// login replaces the old connection.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, conns: make(map[string]*websocket.Conn)}
}

// Register binds a user's connection, replacing any previous one.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = conn
	h.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}
	h.log.Info("user connected", "user", userID)
}

// Unregister drops the user's connection if it is still the current one.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[userID] == conn {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	h.log.Info("user disconnected", "user", userID)
}

// Online reports whether the user has a connection on this instance.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// SendTo delivers a payload to a locally connected user. It reports whether
// a connection was found; write errors are logged, not returned, matching
// the fire-and-forget socket contract.
func (h *Hub) SendTo(userID string, payload []byte) bool {
	h.mu.RLock()
	conn, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.log.Warn("relay write failed", "user", userID, "err", err)
	}
	return true
}
