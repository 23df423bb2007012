package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"motochat/services/messaging/internal/metrics"
)

// Fanout carries emitted frames to every instance, this one included.
type Fanout interface {
	Publish(ctx context.Context, d Delivery) error
}

// Delivery is an encoded frame addressed to a room or a user.
type Delivery struct {
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	ExceptUserID   string          `json:"exceptUserId,omitempty"`
	Frame          json.RawMessage `json:"frame"`
}

// Hub is the per-process connection registry. It maps users to their open
// connections and conversations to the connections that joined them.
type Hub struct {
	mu        sync.RWMutex
	users     map[string]map[string]*Conn // user ID -> conn ID -> conn
	rooms     map[string]map[string]*Conn // conversation ID -> conn ID -> conn
	connRooms map[string]map[string]struct{}

	fanout  Fanout
	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		users:     make(map[string]map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
		metrics:   m,
	}
}

// SetFanout routes emits through f. Without a fanout, emits are delivered
// to local connections only.
func (h *Hub) SetFanout(f Fanout) {
	h.mu.Lock()
	h.fanout = f
	h.mu.Unlock()
}

// Register adds a connection and reports whether it is the user's first.
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := c.Principal.UserID
	conns := h.users[userID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*Conn)
		h.users[userID] = conns
	}
	conns[c.ID] = c
	h.connRooms[c.ID] = make(map[string]struct{})
	h.metrics.ConnectionOpened()
	h.metrics.SetOnlineUsers(len(h.users))
	return first
}

// Unregister removes a connection from the user set and every room it joined.
// It reports whether the user has no connections left.
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, tracked := h.connRooms[c.ID]
	if !tracked {
		return false
	}
	for conversationID := range rooms {
		h.leaveLocked(conversationID, c.ID)
	}
	delete(h.connRooms, c.ID)
	userID := c.Principal.UserID
	conns := h.users[userID]
	delete(conns, c.ID)
	last := len(conns) == 0
	if last {
		delete(h.users, userID)
	}
	h.metrics.ConnectionClosed()
	h.metrics.SetOnlineUsers(len(h.users))
	return last
}

// Join adds a registered connection to a conversation room.
func (h *Hub) Join(conversationID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.connRooms[c.ID]
	if !ok {
		return
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Conn)
		h.rooms[conversationID] = room
	}
	room[c.ID] = c
	rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(conversationID string, c *Conn) {
	h.mu.Lock()
	h.leaveLocked(conversationID, c.ID)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(conversationID, connID string) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if rooms := h.connRooms[connID]; rooms != nil {
		delete(rooms, conversationID)
	}
}

// InRoom reports whether the connection has joined the conversation.
func (h *Hub) InRoom(conversationID string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][c.ID]
	return ok
}

// IsOnline reports whether the user has an open connection on this instance.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// OnlineAmong filters userIDs down to those online on this instance.
func (h *Hub) OnlineAmong(userIDs []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if len(h.users[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// EmitToConversation delivers an event to every connection joined to the room.
func (h *Hub) EmitToConversation(conversationID, event string, payload any) {
	h.emit(event, payload, Delivery{ConversationID: conversationID})
}

// EmitToConversationExcept delivers to the room, skipping the given user's connections.
func (h *Hub) EmitToConversationExcept(conversationID, exceptUserID, event string, payload any) {
	h.emit(event, payload, Delivery{ConversationID: conversationID, ExceptUserID: exceptUserID})
}

// EmitToUser delivers an event to every connection of the user, joined or not.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.emit(event, payload, Delivery{UserID: userID})
}

func (h *Hub) emit(event string, payload any, d Delivery) {
	frame, err := encode(event, payload)
	if err != nil {
		slog.Error("realtime_encode_failed", "event", event, "err", err)
		return
	}
	d.Frame = frame
	h.mu.RLock()
	fanout := h.fanout
	h.mu.RUnlock()
	if fanout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := fanout.Publish(ctx, d)
		cancel()
		if err == nil {
			return
		}
		slog.Warn("realtime_fanout_failed", "event", event, "err", err)
	}
	h.Deliver(d)
}

// Deliver writes an encoded frame to matching local connections.
func (h *Hub) Deliver(d Delivery) int {
	h.mu.RLock()
	var targets []*Conn
	switch {
	case d.ConversationID != "":
		for _, c := range h.rooms[d.ConversationID] {
			if d.ExceptUserID == "" || c.Principal.UserID != d.ExceptUserID {
				targets = append(targets, c)
			}
		}
	case d.UserID != "":
		for _, c := range h.users[d.UserID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(d.Frame) {
			delivered++
		}
	}
	return delivered
}

// Close closes every registered connection.
func (h *Hub) Close() {
	h.mu.RLock()
	var conns []*Conn
	for _, userConns := range h.users {
		for _, c := range userConns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
