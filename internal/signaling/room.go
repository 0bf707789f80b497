package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemed/telemed/internal/platform/auth"
)

// Presence is the cached per-user state inside one room: last reported
// availability, last heartbeat, and the last participant action aimed at the
// user. It is ephemeral and lives only as long as the room.
type Presence struct {
	UserID     uuid.UUID `json:"user_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
	LastAction string    `json:"last_action,omitempty"`
}

// Room is the broadcast group for one consultation.
type Room struct {
	consultationID uuid.UUID

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	presence map[uuid.UUID]*Presence
}

func newRoom(consultationID uuid.UUID) *Room {
	return &Room{
		consultationID: consultationID,
		sessions:       make(map[*Session]struct{}),
		presence:       make(map[uuid.UUID]*Presence),
	}
}

func (r *Room) join(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	r.presence[s.UserID] = &Presence{
		UserID:   s.UserID,
		Name:     s.Name,
		Role:     s.Role,
		Status:   "online",
		LastSeen: time.Now().UTC(),
	}
}

// leave removes the session and reports whether the room is now empty. The
// presence entry goes with it; reconnecting re-establishes it.
func (r *Room) leave(s *Session) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	delete(r.presence, s.UserID)
	return len(r.sessions) == 0
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast fans a frame out to every session in the room.
func (r *Room) Broadcast(data []byte) {
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.sessions {
		s.Queue(data)
	}
}

// BroadcastExcept fans out to everyone but the sender. Used for ephemeral
// events the sender originated locally (typing, cursor).
func (r *Room) BroadcastExcept(sender *Session, data []byte) {
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.sessions {
		if s == sender {
			continue
		}
		s.Queue(data)
	}
}

// BroadcastStaff fans out to clinical staff sessions only. Private chat
// messages use this scope.
func (r *Room) BroadcastStaff(data []byte) {
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.sessions {
		if staffRole(s.Role) {
			s.Queue(data)
		}
	}
}

// staffRole reports whether a session role counts as clinical staff for
// private-message visibility.
func staffRole(role string) bool {
	switch role {
	case auth.RoleDoctor, auth.RoleAdmin, auth.RoleAssistant:
		return true
	}
	return false
}

func (r *Room) setStatus(userID uuid.UUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[userID]; ok {
		p.Status = status
		p.LastSeen = time.Now().UTC()
	}
}

func (r *Room) touch(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[userID]; ok {
		p.LastSeen = time.Now().UTC()
	}
}

func (r *Room) setLastAction(targetID uuid.UUID, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[targetID]; ok {
		p.LastAction = action
	}
}

// PresenceList returns a copy of the room's presence cache.
func (r *Room) PresenceList() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, *p)
	}
	return out
}
