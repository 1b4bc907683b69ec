package hub

import (
	"context"
	"sync"
	"time"
)

// Conn is a live transport handle. The websocket gateway and the tests
// provide implementations; the hub and engine never see the transport.
type Conn interface {
	// Send delivers one serialized envelope. The context carries the
	// per-send deadline.
	Send(ctx context.Context, payload []byte) error
	// Close shuts the transport down with a reason visible to the peer.
	Close(reason string) error
}

// Member is one registered connection with its bookkeeping.
type Member struct {
	Conn          Conn
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Hub tracks live connections per conversation. It holds no conversation
// state and enforces no rules beyond set membership.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]*Member
	clock func() time.Time
}

func New() *Hub {
	return &Hub{conns: make(map[string]map[Conn]*Member), clock: time.Now}
}

func (h *Hub) Add(conversationID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[conversationID]
	if !ok {
		set = make(map[Conn]*Member)
		h.conns[conversationID] = set
	}
	now := h.clock()
	set[c] = &Member{Conn: c, ConnectedAt: now, LastHeartbeat: now}
}

// Remove reports whether the connection was still registered, so callers
// racing on the same handle (read-loop teardown vs. broadcast pruning)
// can tell who actually removed it.
func (h *Hub) Remove(conversationID string, c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[conversationID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, conversationID)
	}
	return true
}

// RemoveAll drops every connection for a conversation and returns them so
// the caller can close each one.
func (h *Hub) RemoveAll(conversationID string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[conversationID]
	if !ok {
		return nil
	}
	delete(h.conns, conversationID)
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Members returns a snapshot of the current connections. Broadcast
// iteration over the snapshot is unaffected by concurrent add/remove.
func (h *Hub) Members(conversationID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.conns[conversationID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[conversationID])
}

// Touch records peer liveness for a connection.
func (h *Hub) Touch(conversationID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.conns[conversationID][c]; ok {
		m.LastHeartbeat = h.clock()
	}
}

// Conversations lists ids with at least one live connection.
func (h *Hub) Conversations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}
