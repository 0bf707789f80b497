package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Hub tracks one Room per active consultation. Rooms are created on first
// join and dropped when the last session leaves; consultations never share
// state, so everything here is per-room fan-out.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]*Room
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]*Room),
		logger: logger,
	}
}

// Join adds a session to its consultation's room, creating the room on
// first join. Returns the room so the caller can broadcast into it.
// The session is added while the hub lock is held so a concurrent Leave
// cannot drop the room between lookup and join.
func (h *Hub) Join(s *Session) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[s.ConsultationID]
	if !ok {
		room = newRoom(s.ConsultationID)
		h.rooms[s.ConsultationID] = room
	}
	room.join(s)
	return room
}

// Leave removes a session from its room and drops the room once empty.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[s.ConsultationID]
	if !ok {
		return
	}
	if room.leave(s) {
		delete(h.rooms, s.ConsultationID)
	}
}

// Room returns the broadcast group for a consultation, if one is active.
func (h *Hub) Room(consultationID uuid.UUID) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[consultationID]
	return room, ok
}

// Publish implements consultation.Publisher: durable state changes made
// outside a session (state machine, webhook path, recording manager) are
// pushed to whoever is connected. A consultation with no active room is a
// no-op.
func (h *Hub) Publish(consultationID uuid.UUID, eventType string, data map[string]interface{}) {
	room, ok := h.Room(consultationID)
	if !ok {
		return
	}
	room.Broadcast(Outbound{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}.encode())
}

// RoomCount returns the number of consultations with at least one session.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// SessionCount returns the total number of open sessions across all rooms.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += room.size()
	}
	return n
}

// Close force-closes every session. Used on shutdown and in tests.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		room.mu.Lock()
		for s := range room.sessions {
			s.Close()
		}
		room.mu.Unlock()
		delete(h.rooms, id)
	}
}
