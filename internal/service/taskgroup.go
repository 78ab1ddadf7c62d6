package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrTaskGroupClosed is returned by TaskGroup.Go after Shutdown started.
var ErrTaskGroupClosed = errors.New("task group is shut down")

// BackgroundRunner starts work that outlives the request that triggered it.
type BackgroundRunner interface {
	Go(name string, fn func(ctx context.Context) error) error
}

// TaskGroup tracks background goroutines such as shard launches and interpretation
// passes. Tasks receive a context that is canceled when Shutdown gives up waiting.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ BackgroundRunner = (*TaskGroup)(nil)

// NewTaskGroup creates a TaskGroup. logger may be nil.
func NewTaskGroup(logger *slog.Logger) *TaskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	if logger != nil {
		logger = logger.With("component", "task_group")
	}
	return &TaskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Go runs fn in a new goroutine. Errors are logged, panics are recovered and logged.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrTaskGroupClosed
	}
	g.wg.Add(1)
	go g.run(name, fn)
	return nil
}

func (g *TaskGroup) run(name string, fn func(ctx context.Context) error) {
	defer g.wg.Done()
	defer func() {
		if rec := recover(); rec != nil && g.logger != nil {
			g.logger.Error("background task panicked", "task", name, "panic", rec)
		}
	}()

	if err := fn(g.ctx); err != nil && g.logger != nil {
		if isContextCancellation(err) {
			g.logger.Info("background task canceled", "task", name, "error", err)
			return
		}
		g.logger.Error("background task failed", "task", name, "error", err)
	}
}

// Wait blocks until every started task has returned.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends first the
// tasks' context is canceled and Shutdown still waits for them to return.
func (g *TaskGroup) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}

// runInBackground runs fn on runner, or inline with ctx when runner is nil.
func runInBackground(ctx context.Context, runner BackgroundRunner, name string, fn func(ctx context.Context) error) error {
	if runner == nil {
		return fn(ctx)
	}
	return runner.Go(name, fn)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
