package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/session"
)

// outbound is the wire shape of every server-initiated message.
type outbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks broadcast groups of clients keyed by user.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		groups: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[c.userID]
	if !ok {
		g = make(map[*Client]struct{})
		h.groups[c.userID] = g
	}
	g[c] = struct{}{}
}

// leave removes a client. Returns false if it was already gone.
func (h *Hub) leave(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

// removeLocked must be called with mu held.
func (h *Hub) removeLocked(c *Client) bool {
	g, ok := h.groups[c.userID]
	if !ok {
		return false
	}
	if _, ok := g[c]; !ok {
		return false
	}
	delete(g, c)
	if len(g) == 0 {
		delete(h.groups, c.userID)
	}
	c.closeSend()
	return true
}

// Broadcast sends an event to every client of a user. Clients whose send
// buffer is full are disconnected rather than blocking the caller. A
// session_closed event is the last frame the user's clients receive; the
// group is closed right after it is queued.
func (h *Hub) Broadcast(userID, eventType string, payload any) {
	data, err := json.Marshal(outbound{Type: eventType, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("failed to encode broadcast", "type", eventType, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.groups[userID] {
		if !c.enqueue(data) {
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	if eventType == session.EventSessionClosed {
		h.closeGroup(userID)
		return
	}
	if len(lagging) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range lagging {
		if h.removeLocked(c) {
			metrics.ClientsEvicted.Inc()
			h.logger.Warn("client too slow, disconnecting",
				"user_id", userID,
				"client_id", c.id,
			)
		}
	}
	h.mu.Unlock()
}

// closeGroup disconnects every client of a user after its queued frames
// are written.
func (h *Hub) closeGroup(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.groups[userID] {
		if h.removeLocked(c) {
			n++
		}
	}
	if n > 0 {
		h.logger.Info("session closed, disconnecting clients", "user_id", userID, "clients", n)
	}
}

// GroupSize returns the number of clients connected for a user.
func (h *Hub) GroupSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

// Len returns the total number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, g := range h.groups {
		n += len(g)
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range h.groups {
		for c := range g {
			h.removeLocked(c)
		}
	}
}
