package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only when it still belongs to the caller.
// KEYS[1] = claim key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on Redis so claims hold across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a claim store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: "safeact:claim:"}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "safeact:claim:"}
}

func (s *RedisStore) key(planID string) string { return s.prefix + planID }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Acquire(ctx context.Context, planID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.client.SetNX(ctx, s.key(planID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim error: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, planID, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(planID)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release error: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
