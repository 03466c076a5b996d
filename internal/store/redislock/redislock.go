// Package redislock is a Redis-backed in-flight guard. It lets replicas of
// the service agree that only one of them processes a given order at a time.
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "checkout:inflight:"

// Released only if the caller still owns the lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Locker. ttl bounds how long a crashed holder can block an
// order; it should exceed the longest provider call.
func New(rdb *redis.Client, ttl time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl}
}

func key(scope, k string) string {
	return keyPrefix + scope + ":" + k
}

// TryLock claims scope/key. It returns a token for Unlock and false when
// another holder owns the key.
func (l *Locker) TryLock(ctx context.Context, scope, k string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key(scope, k), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases scope/key if token still owns it.
func (l *Locker) Unlock(ctx context.Context, scope, k, token string) error {
	err := unlockScript.Run(ctx, l.rdb, []string{key(scope, k)}, token).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
