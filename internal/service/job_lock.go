package service

import (
	"context"
	"errors"
	"sync"

	"github.com/target/mmk-fanout/internal/core"
)

// LocalJobLocker is an in-process core.JobLocker for single-instance deployments.
type LocalJobLocker struct {
	mu     sync.Mutex
	held   map[string]uint64
	nextID uint64
}

var _ core.JobLocker = (*LocalJobLocker)(nil)

// NewLocalJobLocker creates an empty lock table.
func NewLocalJobLocker() *LocalJobLocker {
	return &LocalJobLocker{held: make(map[string]uint64)}
}

// TryLock implements core.JobLocker.
func (l *LocalJobLocker) TryLock(ctx context.Context, jobID string) (core.UnlockFunc, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if jobID == "" {
		return nil, false, errors.New("job id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[jobID]; busy {
		return nil, false, nil
	}
	l.nextID++
	token := l.nextID
	l.held[jobID] = token

	unlock := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[jobID] == token {
			delete(l.held, jobID)
		}
		return nil
	}
	return unlock, true, nil
}
