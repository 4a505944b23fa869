package hawk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceCache implements NonceCache on top of a shared Redis client,
// using SET NX EX so the reservation and its TTL land in one round trip.
type RedisNonceCache struct {
	rdb *redis.Client
}

// NewRedisNonceCache creates a RedisNonceCache.
func NewRedisNonceCache(rdb *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{rdb: rdb}
}

func nonceKey(id, nonce string) string {
	return fmt.Sprintf("hawk:nonce:%s:%s", id, nonce)
}

// Reserve claims (id, nonce) for ttl, returning false if another request
// already claimed it.
func (c *RedisNonceCache) Reserve(ctx context.Context, id, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, nonceKey(id, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving hawk nonce: %w", err)
	}
	return ok, nil
}
