package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]RoomSettings
}

// NewMemoryStore creates a new in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]RoomSettings),
	}
}

// RoomSettings returns the stored settings for a room, or nil when none
// exist.
func (s *MemoryStore) RoomSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.settings[roomID]
	if !ok {
		return nil, nil
	}
	return &rs, nil
}

// SetRoomSettings stores or replaces a room's settings.
func (s *MemoryStore) SetRoomSettings(ctx context.Context, settings RoomSettings) error {
	if settings.RoomID == "" {
		return fmt.Errorf("room id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.RoomID] = settings
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
