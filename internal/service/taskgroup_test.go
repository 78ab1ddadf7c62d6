package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskGroup_RunsAndWaits(t *testing.T) {
	g := NewTaskGroup(nil)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Go("task", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	err := g.Go("late", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrTaskGroupClosed)
}

func TestTaskGroup_RecoversPanics(t *testing.T) {
	g := NewTaskGroup(nil)
	require.NoError(t, g.Go("boom", func(context.Context) error { panic("boom") }))
	require.NoError(t, g.Go("fails", func(context.Context) error { return errors.New("failed") }))
	require.NoError(t, g.Shutdown(context.Background()))
}

func TestTaskGroup_ShutdownCancelsSlowTasks(t *testing.T) {
	g := NewTaskGroup(nil)
	started := make(chan struct{})
	require.NoError(t, g.Go("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunInBackground_InlineWithoutRunner(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	err := runInBackground(ctx, nil, "inline", func(got context.Context) error {
		assert.Equal(t, "v", got.Value(key{}))
		return errors.New("inline error")
	})
	require.EqualError(t, err, "inline error")
}
