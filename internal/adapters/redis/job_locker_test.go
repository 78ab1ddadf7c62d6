package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/testutil"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*JobLocker, *redis.Client) {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	l, err := NewJobLocker(JobLockerOptions{Client: client, Prefix: "test:lock:" + uuid.NewString() + ":", TTL: ttl})
	require.NoError(t, err)
	return l, client
}

func TestNewJobLockerRequiresClient(t *testing.T) {
	_, err := NewJobLocker(JobLockerOptions{})
	require.Error(t, err)
}

func TestJobLocker_TryLock(t *testing.T) {
	l, _ := newTestLocker(t, time.Minute)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	unlock2, ok, err := l.TryLock(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, ok, "different jobs do not contend")
	require.NoError(t, unlock2(ctx))

	require.NoError(t, unlock(ctx))

	unlock, ok, err = l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlock(ctx))
}

func TestJobLocker_RefreshesWhileHeld(t *testing.T) {
	ttl := 300 * time.Millisecond
	l, client := newTestLocker(t, ttl)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(4 * ttl)
	_, ok, err = l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "a held lock outlives its ttl")
	pttl, err := client.PTTL(ctx, l.prefix+"job-1").Result()
	require.NoError(t, err)
	assert.Positive(t, pttl)

	require.NoError(t, unlock(ctx))
	require.ErrorIs(t, unlock(ctx), ErrLockLost)
}

func TestJobLocker_StopsRefreshingLostLock(t *testing.T) {
	ttl := 300 * time.Millisecond
	l, client := newTestLocker(t, ttl)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Set(ctx, l.prefix+"job-1", "someone-else", time.Hour).Err())
	time.Sleep(2 * ttl)

	pttl, err := client.PTTL(ctx, l.prefix+"job-1").Result()
	require.NoError(t, err)
	assert.Greater(t, pttl, time.Minute, "another holder's ttl is left alone")
	require.ErrorIs(t, unlock(ctx), ErrLockLost)
}

func TestJobLocker_UnlockAfterExpiryDoesNotReleaseNewHolder(t *testing.T) {
	l, client := newTestLocker(t, time.Minute)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by a new holder.
	require.NoError(t, client.Set(ctx, l.prefix+"job-1", "someone-else", time.Minute).Err())

	require.ErrorIs(t, unlock(ctx), ErrLockLost)
	val, err := client.Get(ctx, l.prefix+"job-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestJobLocker_ConcurrentTryLock(t *testing.T) {
	l, _ := newTestLocker(t, time.Minute)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, ok, err := l.TryLock(ctx, "job-race")
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
				t.Cleanup(func() { assert.NoError(t, unlock(context.Background())) })
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
