package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
)

// MemoryMessageStore is a process-local store for development and tests.
// Nothing survives a restart.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	rooms    map[string][]types.Message
	ids      map[string]map[string]types.Message
	joined   map[string]map[string]time.Time
	closed   bool
	failWith error
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms:  make(map[string][]types.Message),
		ids:    make(map[string]map[string]types.Message),
		joined: make(map[string]map[string]time.Time),
	}
}

// FailWith makes every subsequent operation fail as unavailable with err.
// Passing nil restores normal operation.
func (s *MemoryMessageStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryMessageStore) checkLocked() error {
	if s.closed {
		return unavailable(errStoreClosed)
	}
	if s.failWith != nil {
		return unavailable(s.failWith)
	}
	return nil
}

func (s *MemoryMessageStore) Append(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	ids, ok := s.ids[msg.RoomId]
	if !ok {
		ids = make(map[string]types.Message)
		s.ids[msg.RoomId] = ids
	}
	if stored, dup := ids[msg.Id]; dup {
		return duplicateOf(stored, msg)
	}

	ids[msg.Id] = msg
	s.rooms[msg.RoomId] = append(s.rooms[msg.RoomId], msg)
	return nil
}

func (s *MemoryMessageStore) History(ctx context.Context, roomId string, since time.Time) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(s.rooms[roomId]))
	for _, msg := range s.rooms[roomId] {
		if since.IsZero() || types.UnixMilli(msg.SentAt) > types.UnixMilli(since) {
			messages = append(messages, msg)
		}
	}

	// stable keeps insertion order for equal timestamps
	sort.SliceStable(messages, func(i, j int) bool {
		return types.UnixMilli(messages[i].SentAt) < types.UnixMilli(messages[j].SentAt)
	})

	return messages, nil
}

func (s *MemoryMessageStore) RecordJoin(ctx context.Context, userId, roomId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	rooms, ok := s.joined[userId]
	if !ok {
		rooms = make(map[string]time.Time)
		s.joined[userId] = rooms
	}
	if _, ok := rooms[roomId]; !ok {
		rooms[roomId] = at
	}
	return nil
}

// JoinedAt reports when userId was first recorded joining roomId.
func (s *MemoryMessageStore) JoinedAt(userId, roomId string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.joined[userId][roomId]
	return at, ok
}

func (s *MemoryMessageStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked()
}

func (s *MemoryMessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
