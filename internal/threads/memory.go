package threads

import (
	"context"
	"sync"
)

// MemoryStore keeps mappings in process memory. Mappings are lost on
// restart, which only costs affected users a fresh thread.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]Thread
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]Thread)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &thread, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.UserID] = *thread
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, userID)
	return nil
}

// Len returns the number of stored mappings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}
