package store

import (
	"context"
	"sync"
)

// MemoryStore is the dev-mode store. Documents never expire; restarting the
// process drops them, which is fine for local use and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]Room
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]Room),
		users: make(map[string]User),
	}
}

func (s *MemoryStore) FindRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) SaveRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.RoomID] = room
	return nil
}

func (s *MemoryStore) FindUser(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UserID] = user
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
