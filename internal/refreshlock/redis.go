package refreshlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is long enough for one refresh network call and short enough
// that a crashed owner frees the lock quickly
const DefaultTTL = 5 * time.Second

// releaseScript deletes the lock only if it is still held by the caller.
// Without the ownership check, a slow owner releasing after expiry would
// delete a lock legitimately taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with a Redis conditional write. SET NX with
// a TTL gives exactly the "create only if absent or expired" semantics: Redis
// drops the key at expiry, so an expired lock is indistinguishable from an
// absent one.
type RedisLocker struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed refresh lock under key. Each locker
// instance gets a unique owner identity so release is safe after expiry.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire attempts the conditional write. Transport timeouts count as busy:
// a peer may well hold the lock, and the caller's wait-and-reload fallback
// handles that case correctly either way.
func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	return ok, nil
}

// Release frees the lock if this instance still owns it
func (l *RedisLocker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing refresh lock: %w", err)
	}
	return nil
}

// Owner exposes the lock owner identity for logging
func (l *RedisLocker) Owner() string {
	return l.owner
}
