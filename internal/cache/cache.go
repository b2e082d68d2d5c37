// Package cache memoizes pass outputs keyed by normalized input so
// repeated submissions of an equivalent goal skip the provider entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Store is a TTL cache scoped by pass type. A Get after expiry must
// behave exactly like a miss.
type Store interface {
	Get(ctx context.Context, passType, key string) ([]byte, error)
	Put(ctx context.Context, passType, key string, payload []byte, ttl time.Duration) error
}

// Key derives the lookup key for a pass input. The goal is lowercased
// and whitespace-collapsed first, so trivial formatting differences
// still hit; the model is folded in so lane changes invalidate.
func Key(model, goal string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(goal)), " ")
	sum := sha256.Sum256([]byte(model + "\n" + normalized))
	return hex.EncodeToString(sum[:])
}
