package redislock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) *Locker {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return New(rdb, ttl)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "checkout:inflight:order:o1", key("order", "o1"))
}

func TestLocker_TryLockAndUnlock(t *testing.T) {
	l := newTestLocker(t, time.Minute)
	ctx := context.Background()
	orderRef := "order-" + uuid.NewString()

	token, ok, err := l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is rejected")

	require.NoError(t, l.Unlock(ctx, "order", orderRef, "not-the-owner"))
	_, ok, err = l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	assert.False(t, ok, "a foreign token does not release the lock")

	require.NoError(t, l.Unlock(ctx, "order", orderRef, token))
	token, ok, err = l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock(ctx, "order", orderRef, token))
}

func TestLocker_Expiry(t *testing.T) {
	l := newTestLocker(t, 50*time.Millisecond)
	ctx := context.Background()
	orderRef := "order-" + uuid.NewString()

	_, ok, err := l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	_, ok, err = l.TryLock(ctx, "order", orderRef)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder does not block forever")
}
