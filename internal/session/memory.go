package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default single-process session store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[Key]*Session)}
}

// Get returns the open session for key, or ErrNoSession.
func (m *MemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNoSession
	}
	cp := *s
	return &cp, nil
}

// Put stores or refreshes a session. The TTL is enforced by Sweep.
func (m *MemoryStore) Put(_ context.Context, s *Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Key] = &cp
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// Sweep closes sessions idle longer than window.
func (m *MemoryStore) Sweep(_ context.Context, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	closed := 0
	for key, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, key)
			closed++
		}
	}
	return closed, nil
}
