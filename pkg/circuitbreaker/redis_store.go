package circuitbreaker

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// RedisStore mirrors the open state under a single key with a TTL of the open duration.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store keyed by the breaker name
func NewRedisStore(client *redis.Client, name string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    client.Key("circuit", name, "open"),
	}
}

func (s *RedisStore) MarkOpen(ctx context.Context, ttl time.Duration) error {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	return s.client.Redis().Set(ctx, s.key, "1", ttl).Err()
}

func (s *RedisStore) MarkClosed(ctx context.Context) error {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	return s.client.Redis().Del(ctx, s.key).Err()
}

// OpenFor returns the remaining open time recorded by any process.
func (s *RedisStore) OpenFor(ctx context.Context) (time.Duration, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	ttl, err := s.client.Redis().PTTL(ctx, s.key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
