package server

import (
	"sync"

	"github.com/npezzotti/go-relay/internal/stats"
)

// RoomRegistry tracks which sessions receive live fan-out for each room.
// It is in-memory only and starts empty on every process start.
type RoomRegistry struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]map[string]struct{}
	stats    stats.StatsProvider
}

func NewRoomRegistry(st stats.StatsProvider) *RoomRegistry {
	return &RoomRegistry{
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]map[string]struct{}),
		stats:    st,
	}
}

// Join adds s to roomId and reports whether it was not already a member.
func (r *RoomRegistry) Join(roomId string, s *Session) bool {
	r.mu.Lock()
	members, exists := r.rooms[roomId]
	if !exists {
		members = make(map[*Session]struct{})
		r.rooms[roomId] = members
	}

	_, already := members[s]
	if !already {
		members[s] = struct{}{}
		joined, ok := r.sessions[s]
		if !ok {
			joined = make(map[string]struct{})
			r.sessions[s] = joined
		}
		joined[roomId] = struct{}{}
	}
	r.mu.Unlock()

	if !exists {
		r.stats.Incr(stats.RoomsActive)
	}
	return !already
}

// Leave removes s from roomId and reports whether it was a member.
func (r *RoomRegistry) Leave(roomId string, s *Session) bool {
	r.mu.Lock()
	left, emptied := r.removeLocked(roomId, s)
	r.mu.Unlock()

	if emptied {
		r.stats.Decr(stats.RoomsActive)
	}
	return left
}

// DropSession removes s from every room it belongs to and returns those rooms.
func (r *RoomRegistry) DropSession(s *Session) []string {
	r.mu.Lock()
	var (
		rooms   []string
		emptied int
	)
	for roomId := range r.sessions[s] {
		rooms = append(rooms, roomId)
	}
	for _, roomId := range rooms {
		if _, e := r.removeLocked(roomId, s); e {
			emptied++
		}
	}
	r.mu.Unlock()

	for i := 0; i < emptied; i++ {
		r.stats.Decr(stats.RoomsActive)
	}
	return rooms
}

func (r *RoomRegistry) removeLocked(roomId string, s *Session) (left bool, emptied bool) {
	members, ok := r.rooms[roomId]
	if !ok {
		return false, false
	}
	if _, ok := members[s]; !ok {
		return false, false
	}

	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, roomId)
		emptied = true
	}

	if joined, ok := r.sessions[s]; ok {
		delete(joined, roomId)
		if len(joined) == 0 {
			delete(r.sessions, s)
		}
	}
	return true, emptied
}

// MembersExcept returns a snapshot of the members of roomId other than s.
// The snapshot may be stale once returned; delivery goes through Fanout,
// which picks the same recipients under the lock.
func (r *RoomRegistry) MembersExcept(roomId string, s *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Session, 0, len(r.rooms[roomId]))
	for m := range r.rooms[roomId] {
		if m != s {
			members = append(members, m)
		}
	}
	return members
}

// Fanout queues frame on every member of roomId except the sender. The read
// lock is held while queueing so a session whose Leave has returned is never
// handed the frame. Queueing never blocks; a full buffer counts as dropped.
func (r *RoomRegistry) Fanout(roomId string, except *Session, frame *ServerFrame) (queued, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for m := range r.rooms[roomId] {
		if m == except {
			continue
		}
		if m.queueMessage(frame) {
			queued++
		} else {
			dropped++
		}
	}
	return queued, dropped
}

func (r *RoomRegistry) IsMember(roomId string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomId][s]
	return ok
}

func (r *RoomRegistry) Size(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomId])
}

func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
