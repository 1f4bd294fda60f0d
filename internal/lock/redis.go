package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedisLocker connects to Redis. Locks expire after ttl so a crashed
// holder cannot block the owner forever.
func NewRedisLocker(opt *redis.Options, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		Client: redis.NewClient(opt),
		Prefix: "fieldsync:lock:",
		TTL:    ttl,
	}
}

// TryAcquire sets key with SET NX and a random token; release deletes it only
// while the token still matches.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	fullKey := l.Prefix + key
	token := uuid.New()

	ok, err := l.Client.SetNX(ctx, fullKey, token, l.TTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The caller's context may already be done when the cycle ends.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.Client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			logging.Warn("failed to release lock", map[string]interface{}{
				"key":   fullKey,
				"error": err.Error(),
			})
		}
	}
	return release, true, nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.Client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.Client.Close()
}
