package promoter

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	tcerrors "github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
)

// ErrLockContended means another instance holds the promotion lock
var ErrLockContended = errors.New("promotion lock held by another instance")

// Locker hands out per-queue promotion leases using redlock
type Locker struct {
	rs   *redsync.Redsync
	keys keys.Namer
	cfg  interfaces.LockConfig
}

// NewLocker creates a locker over client
func NewLocker(client redis.UniversalClient, namer keys.Namer, cfg interfaces.LockConfig) *Locker {
	return &Locker{
		rs:   redsync.New(goredis.NewPool(client)),
		keys: namer,
		cfg:  cfg,
	}
}

func (l *Locker) retryDelay(int) time.Duration {
	delay := l.cfg.RetryDelay
	if l.cfg.RetryJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(l.cfg.RetryJitter)))
	}
	return delay
}

// Acquire takes the lease for queue. ErrLockContended is returned when the
// lock stays taken through every retry.
func (l *Locker) Acquire(ctx context.Context, queue string) (*Lease, error) {
	mutex := l.rs.NewMutex(l.keys.LockKey(queue),
		redsync.WithExpiry(l.cfg.Duration),
		redsync.WithTries(l.cfg.RetryCount+1),
		redsync.WithRetryDelayFunc(l.retryDelay),
		redsync.WithDriftFactor(l.cfg.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, ErrLockContended
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, tcerrors.NewStoreError("lock", l.keys.LockKey(queue), err)
	}

	return &Lease{mutex: mutex, queue: queue, ttl: l.cfg.Duration}, nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}

// Lease is a held promotion lock
type Lease struct {
	mutex *redsync.Mutex
	queue string
	ttl   time.Duration
}

// Queue returns the queue the lease guards
func (l *Lease) Queue() string {
	return l.queue
}

// Until returns the instant the lease stops being valid
func (l *Lease) Until() time.Time {
	return l.mutex.Until()
}

// Refresh extends the lease once less than half of it remains. An expired
// lease or a failed extension is lock loss.
func (l *Lease) Refresh(ctx context.Context) error {
	remaining := time.Until(l.mutex.Until())
	if remaining <= 0 {
		return tcerrors.NewLockLost(l.queue, nil)
	}
	if remaining >= l.ttl/2 {
		return nil
	}

	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return tcerrors.NewLockLost(l.queue, err)
	}
	return nil
}

// Release unlocks the lease. Releasing an expired lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.mutex.UnlockContext(ctx)
	if err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return err
	}
	return nil
}
