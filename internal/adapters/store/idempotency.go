package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

const (
	idemKeyPrefix = "treb:idem:"

	// Keys outlive the record retention so a replay after the record expired
	// still maps to the original queue id rather than double-submitting.
	idemTTL = 72 * time.Hour
)

// RedisIdempotency maps caller idempotency keys to queue ids with an atomic
// first-writer-wins claim.
type RedisIdempotency struct {
	client *redis.Client
}

// NewRedisIdempotency creates a Redis-backed idempotency store.
func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

var _ usecase.IdempotencyStore = (*RedisIdempotency)(nil)

func (s *RedisIdempotency) Reserve(ctx context.Context, key, queueID string) (string, bool, error) {
	redisKey := idemKeyPrefix + key
	created, err := s.client.SetNX(ctx, redisKey, queueID, idemTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if created {
		return queueID, true, nil
	}
	canonical, err := s.client.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		// Claimed key expired between SETNX and GET. Claim it ourselves.
		return s.Reserve(ctx, key, queueID)
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving idempotency key: %w", err)
	}
	return canonical, false, nil
}

func (s *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idemKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
