// Package promoter moves due items from each queue's delayed index onto its
// pending list.
//
// Several broker processes may promote the same queues. A per-queue redlock
// lease keeps a queue's promotion on one process at a time, and each move is
// a single server-side script, so an id is appended to the pending list only
// by the call that removed it from the index.
package promoter

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tcerrors "github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/queue"
)

// moveScript removes ARGV[1] from the index KEYS[1] and, only if it was
// there, appends it to the pending list KEYS[2].
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// Promoter runs promotion passes over every known queue
type Promoter struct {
	client    redis.UniversalClient
	keys      keys.Namer
	directory *queue.Directory
	locker    *Locker
	cfg       interfaces.PromoterConfig
	clock     interfaces.Clock
	logger    *zap.Logger
	metrics   interfaces.MetricsCollector
}

// Option configures a Promoter
type Option func(*Promoter)

// WithClock replaces the wall clock used for the due cut-off
func WithClock(clock interfaces.Clock) Option {
	return func(p *Promoter) {
		p.clock = clock
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics interfaces.MetricsCollector) Option {
	return func(p *Promoter) {
		p.metrics = metrics
	}
}

// New creates a promoter working through client
func New(client redis.UniversalClient, namer keys.Namer, cfg interfaces.PromoterConfig, lockCfg interfaces.LockConfig, logger *zap.Logger, opts ...Option) *Promoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Promoter{
		client:    client,
		keys:      namer,
		directory: queue.NewDirectory(client, namer),
		locker:    NewLocker(client, namer, lockCfg),
		cfg:       cfg,
		clock:     interfaces.SystemClock{},
		logger:    logger,
		metrics:   &interfaces.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Concurrency < 1 {
		p.cfg.Concurrency = 1
	}
	if p.cfg.BatchSize < 1 {
		p.cfg.BatchSize = 1
	}
	if p.cfg.MaxAttempts < 1 {
		p.cfg.MaxAttempts = 1
	}
	return p
}

// Run performs a pass, sleeps WaitInterval, and repeats until ctx is done.
// Failures are logged and retried on the next pass.
func (p *Promoter) Run(ctx context.Context) error {
	p.logger.Info("Promoter started",
		zap.Duration("wait_interval", p.cfg.WaitInterval),
		zap.Int("concurrency", p.cfg.Concurrency))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Promoter stopped")
			return nil
		case <-timer.C:
		}

		promoted, err := p.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn("Promotion pass incomplete", zap.Int("promoted", promoted), zap.Error(err))
		case promoted > 0:
			p.logger.Debug("Promotion pass complete", zap.Int("promoted", promoted))
		}

		timer.Reset(p.cfg.WaitInterval)
	}
}

// RunOnce performs a single pass over every known queue and returns the
// number of items promoted. Queues whose lock is held elsewhere are skipped.
// The returned error joins the failures of individual queues.
func (p *Promoter) RunOnce(ctx context.Context) (int, error) {
	queues, err := p.directory.List(ctx)
	if err != nil {
		p.metrics.RecordStoreError("smembers")
		return 0, err
	}

	var (
		promoted atomic.Int64
		mu       sync.Mutex
		failures []error
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, name := range queues {
		g.Go(func() error {
			n, err := p.PromoteQueue(ctx, name)
			promoted.Add(int64(n))
			if err != nil && !errors.Is(err, ErrLockContended) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(promoted.Load()), errors.Join(failures...)
}

// PromoteQueue moves every due item of one queue under its lease. On lock
// loss the lease is re-acquired and the queue is retried against a fresh
// snapshot, up to MaxAttempts times.
func (p *Promoter) PromoteQueue(ctx context.Context, name string) (int, error) {
	total := 0
	var err error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var lease *Lease
		lease, err = p.locker.Acquire(ctx, name)
		if err != nil {
			if errors.Is(err, ErrLockContended) {
				p.logger.Debug("Promotion lock busy, skipping queue", zap.String("queue", name))
				p.metrics.RecordLockContention(name)
			} else {
				p.metrics.RecordStoreError("lock")
			}
			break
		}

		var moved int
		moved, err = p.moveDue(ctx, lease)
		total += moved

		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			p.logger.Debug("Failed to release promotion lock", zap.String("queue", name), zap.Error(releaseErr))
		}

		if err == nil || !tcerrors.IsLockLost(err) {
			break
		}

		p.logger.Warn("Promotion lock lost, retrying queue",
			zap.String("queue", name),
			zap.Int("attempt", attempt),
			zap.Int("promoted", moved))
		p.metrics.RecordLockLost(name)
	}

	if total > 0 {
		p.metrics.RecordPromoted(name, total)
	}
	if err != nil && !errors.Is(err, ErrLockContended) && !tcerrors.IsLockLost(err) && ctx.Err() == nil {
		p.logger.Error("Promotion failed", zap.String("queue", name), zap.Error(err))
	}
	return total, err
}

// moveDue promotes ids scored at or before now in batches, refreshing the
// lease before every batch and every move.
func (p *Promoter) moveDue(ctx context.Context, lease *Lease) (int, error) {
	name := lease.Queue()
	indexKey := p.keys.IndexKey(name)
	listKey := p.keys.ListKey(name)
	cutoff := strconv.FormatInt(p.clock.Now().UnixMilli(), 10)

	moved := 0
	for {
		if err := lease.Refresh(ctx); err != nil {
			return moved, err
		}

		ids, err := p.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   cutoff,
			Count: int64(p.cfg.BatchSize),
		}).Result()
		if err != nil {
			p.metrics.RecordStoreError("zrangebyscore")
			return moved, tcerrors.NewStoreError("zrangebyscore", indexKey, err)
		}
		if len(ids) == 0 {
			return moved, nil
		}

		for _, id := range ids {
			if err := lease.Refresh(ctx); err != nil {
				return moved, err
			}

			n, err := moveScript.Run(ctx, p.client, []string{indexKey, listKey}, id).Int()
			if err != nil {
				p.metrics.RecordStoreError("promote")
				return moved, tcerrors.NewStoreError("promote", indexKey, err)
			}
			moved += n
		}

		if len(ids) < p.cfg.BatchSize {
			return moved, nil
		}
	}
}
