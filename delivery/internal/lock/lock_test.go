package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "relay:lock:deliver", time.Minute)
	ctx := context.Background()

	release, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("relay:lock:deliver"))
	assert.Equal(t, time.Minute, mr.TTL("relay:lock:deliver"))

	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("relay:lock:deliver"))

	release2, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRedisLocker_ReleaseDoesNotStealNewHolder(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "relay:lock:deliver", time.Second)
	ctx := context.Background()

	staleRelease, err := l.Acquire(ctx)
	require.NoError(t, err)

	// First holder overruns its TTL and a second run takes over
	mr.FastForward(2 * time.Second)
	_, err = l.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists("relay:lock:deliver"), "late release must not drop the new holder's lock")
}

func TestRedisLocker_HeldLockIsRefreshed(t *testing.T) {
	mr, client := setupTestRedis(t)
	ttl := 300 * time.Millisecond
	l := NewRedisLocker(client, "relay:lock:deliver", ttl)
	ctx := context.Background()

	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("relay:lock:deliver") == ttl
	}, 2*time.Second, 10*time.Millisecond, "holder should restore the full TTL")

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "release is idempotent")
	assert.False(t, mr.Exists("relay:lock:deliver"))
}

func TestRedisLocker_RefreshDoesNotTouchNewHolder(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "relay:lock:deliver", 300*time.Millisecond)
	ctx := context.Background()

	staleRelease, err := l.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	require.NoError(t, mr.Set("relay:lock:deliver", "other-holder"))
	mr.SetTTL("relay:lock:deliver", time.Minute)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, time.Minute, mr.TTL("relay:lock:deliver"))

	require.NoError(t, staleRelease(ctx))
	v, err := mr.Get("relay:lock:deliver")
	require.NoError(t, err)
	assert.Equal(t, "other-holder", v)
}

func TestRedisLocker_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	_, err := NewRedisLocker(client, "k", time.Second).Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "release is idempotent")

	_, err = l.Acquire(ctx)
	assert.NoError(t, err)
}

func TestLocalLocker_SingleWinner(t *testing.T) {
	l := NewLocalLocker()
	var winners int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background()); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestLocalLocker_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalLocker().Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
