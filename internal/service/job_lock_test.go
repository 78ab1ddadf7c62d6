package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalJobLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalJobLocker()

	unlock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, err := l.TryLock(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	relock, ok, err := l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A stale unlock must not release the newer holder.
	require.NoError(t, unlock(ctx))
	_, ok, err = l.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, relock(ctx))
}

func TestLocalJobLocker_Errors(t *testing.T) {
	l := NewLocalJobLocker()
	_, _, err := l.TryLock(context.Background(), "")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = l.TryLock(ctx, "job-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalJobLocker_SingleWinner(t *testing.T) {
	l := NewLocalJobLocker()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.TryLock(context.Background(), "job-1")
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
