package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is the in-process default. It is good enough for a single
// instance; multi-instance deployments should use the redis or postgres
// backends so cache hits survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, passType, key string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("memory cache not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := passType + ":" + key
	entry, ok := s.entries[k]
	if !ok {
		return nil, ErrMiss
	}
	if !time.Now().Before(entry.expiresAt) {
		delete(s.entries, k)
		return nil, ErrMiss
	}
	out := make([]byte, len(entry.payload))
	copy(out, entry.payload)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, passType, key string, payload []byte, ttl time.Duration) error {
	if s == nil {
		return errors.New("memory cache not initialized")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.entries[passType+":"+key] = memoryEntry{
		payload:   stored,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
