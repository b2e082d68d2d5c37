package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepthink-labs/deepthink-go/internal/platform/env"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func RedisConfigFromEnv() (RedisConfig, error) {
	db, err := env.Int("DEEPTHINK_REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		Addr:     env.String("DEEPTHINK_REDIS_ADDR", "localhost:6379"),
		Password: env.String("DEEPTHINK_REDIS_PASSWORD", ""),
		DB:       db,
	}, nil
}

// RedisStore shares cache entries across instances. Expiry is delegated
// to redis key TTLs, so there is nothing to sweep.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func NewRedisStoreWithClient(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{rdb: rdb}, nil
}

func redisKey(passType, key string) string {
	return "deepthink:cache:" + passType + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, passType, key string) ([]byte, error) {
	if s == nil || s.rdb == nil {
		return nil, errors.New("redis cache not initialized")
	}
	payload, err := s.rdb.Get(ctx, redisKey(passType, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return payload, nil
}

func (s *RedisStore) Put(ctx context.Context, passType, key string, payload []byte, ttl time.Duration) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis cache not initialized")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := s.rdb.Set(ctx, redisKey(passType, key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis cache not initialized")
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
