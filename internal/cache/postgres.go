package cache

import (
	"context"
	"errors"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/repo"
)

// PostgresStore keeps cache entries in the pass_cache table, sharing the
// primary database so hits survive restarts without extra infrastructure.
type PostgresStore struct {
	entries repo.CacheRepository
}

func NewPostgresStore(entries repo.CacheRepository) *PostgresStore {
	return &PostgresStore{entries: entries}
}

func (s *PostgresStore) Get(ctx context.Context, passType, key string) ([]byte, error) {
	if s == nil || s.entries == nil {
		return nil, errors.New("postgres cache not initialized")
	}
	payload, err := s.entries.GetEntry(ctx, passType, key, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return payload, nil
}

func (s *PostgresStore) Put(ctx context.Context, passType, key string, payload []byte, ttl time.Duration) error {
	if s == nil || s.entries == nil {
		return errors.New("postgres cache not initialized")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	return s.entries.PutEntry(ctx, passType, key, payload, time.Now().UTC().Add(ttl))
}
