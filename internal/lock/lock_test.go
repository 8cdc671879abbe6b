package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	require.NoError(t, l.Release(ctx, "run", "not-the-token"))
	assert.True(t, mr.Exists("run"), "foreign token cannot release")

	require.NoError(t, l.Release(ctx, "run", token))
	assert.False(t, mr.Exists("run"))

	_, ok, err = l.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "run", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok, err = l.TryLock(ctx, "run", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
}

func TestRedisLockerUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "run", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "run", time.Minute)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "other", time.Minute)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, l.Release(ctx, "run", "stale"))
	_, ok, _ = l.TryLock(ctx, "run", time.Minute)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "run", token))
	_, ok, _ = l.TryLock(ctx, "run", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "run", time.Minute)
	assert.True(t, ok, "expired lease is taken over")
}

func TestValidate(t *testing.T) {
	l := NewLocalLocker()
	_, _, err := l.TryLock(context.Background(), "", time.Minute)
	assert.Error(t, err)
	_, _, err = l.TryLock(context.Background(), "run", 0)
	assert.Error(t, err)
}
