package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "strata:cnt:"

// acquireScript reserves one slot under every key, all or nothing.
// KEYS = counter sets; ARGV[1] = now (unix ms), ARGV[2] = deadline (unix ms),
// ARGV[3] = token id, ARGV[4..] = cap per key (parallel to KEYS).
// Expired members are swept before the capacity check.
var acquireScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
    local live = redis.call('ZCARD', key)
    if live >= tonumber(ARGV[3 + i]) then
        return 0
    end
end
for _, key in ipairs(KEYS) do
    redis.call('ZADD', key, ARGV[2], ARGV[3])
    redis.call('PEXPIRE', key, tonumber(ARGV[2]) - tonumber(ARGV[1]) + 60000)
end
return 1
`)

// releaseScript removes the token from every counter set. Returns the number
// of sets the token was still live in.
var releaseScript = redis.NewScript(`
local removed = 0
for _, key in ipairs(KEYS) do
    removed = removed + redis.call('ZREM', key, ARGV[1])
end
return removed
`)

// RedisStore is the shared backend used when multiple processes must agree
// on the same caps. The interface is identical to LocalStore; callers never
// branch on backend.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a counter store backed by Redis. ttl <= 0 uses
// DefaultTokenTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) TryAcquire(ctx context.Context, key string, cap int) (*Token, error) {
	return s.AcquireMany(ctx, map[string]int{key: cap})
}

func (s *RedisStore) AcquireMany(ctx context.Context, caps map[string]int) (*Token, error) {
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}

	t := newToken(keys, s.ttl)
	now := time.Now()

	redisKeys := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+3)
	args = append(args, now.UnixMilli(), t.Deadline.UnixMilli(), t.ID)
	for i, k := range keys {
		redisKeys[i] = keyPrefix + k
		args = append(args, caps[k])
	}

	ok, err := acquireScript.Run(ctx, s.client, redisKeys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("counter acquire: %w", err)
	}
	if ok != 1 {
		return nil, nil
	}
	return t, nil
}

func (s *RedisStore) Release(ctx context.Context, t *Token) error {
	if t == nil {
		return ErrTokenReleased
	}
	redisKeys := make([]string, len(t.Keys))
	for i, k := range t.Keys {
		redisKeys[i] = keyPrefix + k
	}
	removed, err := releaseScript.Run(ctx, s.client, redisKeys, t.ID).Int()
	if err != nil {
		return fmt.Errorf("counter release: %w", err)
	}
	if removed == 0 {
		return ErrTokenReleased
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, key string) (int, error) {
	k := keyPrefix + key
	if err := s.client.ZRemRangeByScore(ctx, k, "-inf",
		fmt.Sprintf("%d", time.Now().UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("counter sweep: %w", err)
	}
	n, err := s.client.ZCard(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("counter count: %w", err)
	}
	return int(n), nil
}
