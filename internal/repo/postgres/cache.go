package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type CacheStore struct {
	db DB
}

func NewCacheStore(db DB) *CacheStore {
	if db == nil {
		return nil
	}
	return &CacheStore{db: db}
}

// GetEntry returns the cached payload, treating rows past their expiry as
// absent. Expired rows are left for the maintenance sweep.
func (s *CacheStore) GetEntry(ctx context.Context, passType, key string, now time.Time) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("cache store not initialized")
	}
	passType = strings.TrimSpace(passType)
	key = strings.TrimSpace(key)
	if passType == "" || key == "" {
		return nil, fmt.Errorf("pass type and key are required")
	}
	var payload []byte
	err := s.db.QueryRowContext(
		ctx,
		`SELECT payload
		 FROM pass_cache
		 WHERE pass_type = $1 AND input_key = $2 AND expires_at > $3`,
		passType,
		key,
		now.UTC(),
	).Scan(&payload)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return payload, nil
}

func (s *CacheStore) PutEntry(ctx context.Context, passType, key string, payload []byte, expiresAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache store not initialized")
	}
	passType = strings.TrimSpace(passType)
	key = strings.TrimSpace(key)
	if passType == "" || key == "" {
		return fmt.Errorf("pass type and key are required")
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pass_cache (pass_type, input_key, payload, expires_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (pass_type, input_key) DO UPDATE
		 SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		passType,
		key,
		payload,
		expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("cache store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM pass_cache WHERE expires_at <= $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return deleted, nil
}
