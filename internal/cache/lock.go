package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker hands out non-blocking distributed locks. One worker wins the key,
// the rest fall back to polling the result cache.
type Locker struct {
	rs *redsync.Redsync
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rs: redsync.New(goredis.NewPool(rdb))}
}

// TryAcquire attempts the lock once. ok is false when another holder has it.
// The lease expires on its own after lease, so a crashed holder cannot wedge
// the key.
func (l *Locker) TryAcquire(ctx context.Context, key string, lease time.Duration) (*Lock, bool, error) {
	mu := l.rs.NewMutex("lock:"+key,
		redsync.WithExpiry(lease),
		redsync.WithTries(1))
	err := mu.TryLockContext(ctx)
	if err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Lock{mu: mu}, true, nil
}

// Lock is a held single-flight lock.
type Lock struct {
	mu *redsync.Mutex
}

// Release drops the lock. Errors are swallowed: the lease expires anyway and
// the protected work is already done.
func (l *Lock) Release(ctx context.Context) {
	_, _ = l.mu.UnlockContext(ctx)
}
