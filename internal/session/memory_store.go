package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process revocation list used when Redis is not
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Revoke(_ context.Context, tokenKey, _ string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !expiresAt.After(now) {
		return nil
	}
	for key, until := range s.entries {
		if !until.After(now) {
			delete(s.entries, key)
		}
	}
	s.entries[tokenKey] = expiresAt
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, tokenKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.entries[tokenKey]
	return ok && until.After(s.now()), nil
}
