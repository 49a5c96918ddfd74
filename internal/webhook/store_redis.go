package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bastion:webhook:idem:"

// RedisKeyStore implements KeyStore on Redis, so replicas receiving the
// same redelivered webhook agree on which keys were already processed.
// SET NX provides the atomic insert-if-absent; an existing live key keeps
// its original TTL.
type RedisKeyStore struct {
	client redis.Cmdable
}

// NewRedisKeyStore creates a key store over the given client.
func NewRedisKeyStore(client redis.Cmdable) *RedisKeyStore {
	return &RedisKeyStore{client: client}
}

// PutIfAbsent inserts the key with the TTL unless it already exists.
func (s *RedisKeyStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, redisKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx idempotency key: %w", err)
	}
	return inserted, nil
}
