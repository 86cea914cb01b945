package realtime

import (
	"sync"
)

// Hub owns every in-memory registry of the communication core: room
// subscriptions, chat presence, and call-signaling reachability. It is
// constructed once, passed by reference to handlers, and torn down with
// Close. All maps are guarded by a single RWMutex so handler goroutines
// never observe a half-applied mutation.
//
// Chat presence and signaling reachability hold the same connection for
// every user today; they stay separate named lookups so the two concerns
// can diverge without a registry rewrite.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*Connection            // connection id -> connection
	rooms     map[string]map[string]*Connection // room id -> connection id -> connection
	presence  map[string]*Connection            // user id -> reachable global connection
	signaling map[string]*Connection            // user id -> call-signaling connection
}

// NewHub constructs an initialized Hub.
func NewHub() *Hub {
	return &Hub{
		sessions:  make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		presence:  make(map[string]*Connection),
		signaling: make(map[string]*Connection),
	}
}

// Register tracks a connection and starts its write loop.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.sessions[conn.ID] = conn
	h.mu.Unlock()

	conn.Start()
}

// Unregister removes the connection from the session table and from any
// room it is subscribed to. Presence entries are released only through
// DropPresence so a stale close cannot evict a newer tab.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.sessions, conn.ID)
	for roomID, room := range h.rooms {
		if _, ok := room[conn.ID]; ok {
			delete(room, conn.ID)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()
}

// Join subscribes the connection to the room's broadcast group.
func (h *Hub) Join(roomID string, conn *Connection) {
	h.mu.Lock()
	if _, ok := h.sessions[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[roomID] = room
	}
	room[conn.ID] = conn
	h.mu.Unlock()
}

// Leave removes the connection from the room, pruning the room entry as
// soon as its connection set empties.
func (h *Hub) Leave(roomID string, conn *Connection) {
	h.mu.Lock()
	if room := h.rooms[roomID]; room != nil {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// RoomSize returns the number of live connections subscribed to the room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast writes payload to all connections in the room.
// excludeUserID, when non-empty, prevents delivering to that user.
func (h *Hub) Broadcast(roomID string, payload []byte, excludeUserID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	if len(room) == 0 {
		h.mu.RUnlock()
		return 0
	}

	delivered := 0
	for _, conn := range room {
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	h.mu.RUnlock()
	return delivered
}

// SetPresence records conn as the user's reachable global connection,
// overwriting any previous entry unconditionally.
func (h *Hub) SetPresence(userID string, conn *Connection) {
	h.mu.Lock()
	h.presence[userID] = conn
	h.mu.Unlock()
}

// SetSignaling records the user's call-signaling connection.
func (h *Hub) SetSignaling(userID string, conn *Connection) {
	h.mu.Lock()
	h.signaling[userID] = conn
	h.mu.Unlock()
}

// DropPresence releases conn's claim on the user's presence and signaling
// entries. Entries owned by a different connection are left alone (a close
// event from a replaced tab is a no-op). When conn owns the presence entry
// but another global connection of the same user is still registered, both
// entries are re-pointed at the survivor and the user stays online. The
// return value reports whether the user went offline.
func (h *Hub) DropPresence(userID string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current := h.signaling[userID]; current == conn {
		delete(h.signaling, userID)
	}
	if current := h.presence[userID]; current != conn {
		return false
	}

	for _, other := range h.sessions {
		if other != conn && other.UserID == userID && other.Global() {
			h.presence[userID] = other
			h.signaling[userID] = other
			return false
		}
	}
	delete(h.presence, userID)
	return true
}

// Online reports whether the user currently has a presence entry.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.presence[userID]
	return ok
}

// NotifyUser delivers payload to the user's reachable global connection.
func (h *Hub) NotifyUser(userID string, payload []byte) bool {
	h.mu.RLock()
	conn := h.presence[userID]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.Send(payload) == nil
}

// ForwardSignal relays an opaque signaling payload to the target user's
// signaling connection, falling back to the presence connection when the
// signaling lookup is empty. The payload is not interpreted or persisted;
// an unreachable target drops the frame silently.
func (h *Hub) ForwardSignal(targetUserID string, payload []byte) bool {
	h.mu.RLock()
	conn := h.signaling[targetUserID]
	if conn == nil {
		conn = h.presence[targetUserID]
	}
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.Send(payload) == nil
}

// Close terminates all tracked connections and clears every registry.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Connection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		sessions = append(sessions, conn)
	}
	h.sessions = make(map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.presence = make(map[string]*Connection)
	h.signaling = make(map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range sessions {
		conn.Close(1001, "hub shutdown")
	}
}
