package cursor

import (
	"context"
	"sync"
)

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int)}
}

// Set seeds a cursor value.
func (s *MemoryStore) Set(key string, next int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = next
}

func (s *MemoryStore) Get(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemoryStore) Advance(_ context.Context, key string, chainLen int) (int, error) {
	if err := checkLen(chainLen); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Offset(s.values[key]+1, chainLen)
	s.values[key] = next
	return next, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}
