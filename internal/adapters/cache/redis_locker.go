package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	redisclient "github.com/zatekoja/datasearch/internal/infrastructure/clients/redis"
)

const lockKeyPrefix = "pipeline:lock:"

// releaseScript deletes the lock only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements StageLocker with SET NX and a per-holder token
type RedisLocker struct {
	client *redisclient.Client
}

// NewRedisLocker creates a new Redis stage locker
func NewRedisLocker(client *redisclient.Client) providers.StageLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the lock for key until ttl elapses or release is called
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	redisKey := lockKeyPrefix + key

	ok, err := l.client.Client().SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, providers.ErrStageLocked
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client.Client(), []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}
