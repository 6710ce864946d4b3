package session

import (
	"context"
	"sync"
	"time"
)

// memoryStore implements Store with a mutex-protected map. This is the
// default driver; a single relay process is the only consumer of its own
// session table.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Data
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*Data),
	}
}

func (s *memoryStore) Create(ctx context.Context, data *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	s.sessions[data.ID] = data
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.sessions[id]
	if !exists {
		return nil, nil
	}
	copied := *data
	return &copied, nil
}

func (s *memoryStore) Update(ctx context.Context, data *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[data.ID]
	if !exists {
		return ErrNotFound
	}
	if stored.Version != data.Version {
		return ErrVersionConflict
	}

	data.Version++
	data.UpdatedAt = time.Now()

	copied := *data
	s.sessions[data.ID] = &copied
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *memoryStore) List(ctx context.Context) ([]*Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Data, 0, len(s.sessions))
	for _, data := range s.sessions {
		copied := *data
		all = append(all, &copied)
	}
	return all, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Data)
	return nil
}
