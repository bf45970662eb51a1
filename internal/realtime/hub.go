package realtime

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub maintains the set of bound clients and routes outbound frames to
// them. At most one connection per user: a second bind for the same user
// takes over the entry (last writer wins) and the orphaned connection is
// left to die on its own.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Bind associates a connection with a user identity for the rest of the
// session.
func (h *Hub) Bind(userID string, client *Client) {
	h.mu.Lock()
	client.UserID = userID
	h.clients[userID] = client
	h.mu.Unlock()
	log.Info().Str("userId", userID).Msg("client bound")
}

// Unbind clears the mapping on socket close, but only if this connection
// still owns it; an orphaned connection must not unbind its successor.
// Returns the bound user id and whether this connection owned the entry.
func (h *Hub) Unbind(client *Client) (string, bool) {
	if client.UserID == "" {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.UserID] != client {
		return client.UserID, false
	}
	delete(h.clients, client.UserID)
	log.Info().Str("userId", client.UserID).Msg("client unbound")
	return client.UserID, true
}

// SendToUser delivers a frame only if the user is currently bound.
func (h *Hub) SendToUser(userID string, frame []byte) {
	h.mu.RLock()
	client := h.clients[userID]
	h.mu.RUnlock()
	if client != nil {
		client.Queue(frame)
	}
}

// Broadcast delivers a frame to every bound connection, optionally
// skipping the originator.
func (h *Hub) Broadcast(frame []byte, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client != except {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range targets {
		client.Queue(frame)
	}
}

// Online reports the number of bound connections.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
