// Package redis provides Redis-based adapters for the fan-out coordinator.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-fanout/internal/core"
)

const defaultLockTTL = 5 * time.Minute

// releaseScript deletes the lock only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still holds the caller's token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockLost is returned by an UnlockFunc when the lock expired or was taken over.
var ErrLockLost = errors.New("job lock no longer held")

// JobLocker is a per-job lock backed by SET NX PX. A held lock is refreshed every
// TTL/3 until it is released, so long follow-up passes keep it. Locks of a crashed
// holder expire after TTL and never block retries forever.
type JobLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ core.JobLocker = (*JobLocker)(nil)

// JobLockerOptions configures a JobLocker.
type JobLockerOptions struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// NewJobLocker creates a Redis job locker.
func NewJobLocker(opts JobLockerOptions) (*JobLocker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fanout:job-lock:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &JobLocker{client: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// TryLock implements core.JobLocker.
func (l *JobLocker) TryLock(ctx context.Context, jobID string) (core.UnlockFunc, bool, error) {
	if jobID == "" {
		return nil, false, errors.New("job id is required")
	}
	key := l.prefix + jobID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(keepCtx, key, token)
	}()

	var once sync.Once
	unlock := func(ctx context.Context) error {
		once.Do(func() {
			stop()
			<-done
		})
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("redis release %s: %w", key, err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return unlock, true, nil
}

// keepAlive extends the lock until ctx ends or the lock is no longer ours.
func (l *JobLocker) keepAlive(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.refreshEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := l.refresh(ctx, key, token)
		if errors.Is(err, redis.ErrClosed) || (err == nil && !held) {
			return
		}
	}
}

func (l *JobLocker) refresh(ctx context.Context, key, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *JobLocker) refreshEvery() time.Duration {
	if every := l.ttl / 3; every > 0 {
		return every
	}
	return time.Millisecond
}
