package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/keys"
)

const writeBackoff = 50 * time.Millisecond

// Producer stores one item per STORE transaction. Prepare records the
// target, Receive persists the payload.
type Producer struct {
	client    redis.UniversalClient
	keys      keys.Namer
	directory *Directory
	attempts  int
	logger    *zap.Logger

	queue    string
	embargo  time.Time
	prepared bool
}

// NewProducer creates a producer writing through client. attempts bounds
// the number of tries for the item transaction.
func NewProducer(client redis.UniversalClient, namer keys.Namer, attempts int, logger *zap.Logger) *Producer {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		client:    client,
		keys:      namer,
		directory: NewDirectory(client, namer),
		attempts:  attempts,
		logger:    logger,
	}
}

// Prepare parses a STORE command line. It does not touch the store.
func (p *Producer) Prepare(command string) error {
	queue, embargo, err := ParseStore(command)
	if err != nil {
		return err
	}
	p.queue = queue
	p.embargo = embargo
	p.prepared = true
	return nil
}

// Queue returns the prepared queue name
func (p *Producer) Queue() string {
	return p.queue
}

// Embargo returns the prepared embargo instant
func (p *Producer) Embargo() time.Time {
	return p.embargo
}

// Receive persists payload into the prepared queue and returns the stored item.
//
// The id counter increment is authoritative. The payload hash and the
// delayed index entry are written in one MULTI/EXEC; a failed transaction is
// retried with the same id, so the hash and index entry are either both
// present or both absent.
func (p *Producer) Receive(ctx context.Context, payload []byte) (*Item, error) {
	if !p.prepared {
		return nil, errors.NewNotPrepared("receive")
	}

	if err := p.directory.Add(ctx, p.queue); err != nil {
		return nil, err
	}

	idKey := p.keys.IDKey(p.queue)
	id, err := p.client.Incr(ctx, idKey).Result()
	if err != nil {
		return nil, errors.NewStoreError("incr", idKey, err)
	}

	item := &Item{
		ID:      id,
		Queue:   p.queue,
		Embargo: p.embargo.UnixMilli(),
		Payload: payload,
	}

	dataKey := p.keys.DataKey(p.queue, id)
	indexKey := p.keys.IndexKey(p.queue)

	attempt := 0
	_, err = backoff.Retry(ctx, func() ([]redis.Cmder, error) {
		attempt++
		return p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dataKey, item.fields())
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(item.Embargo), Member: id})
			return nil
		})
	},
		backoff.WithBackOff(writeBackOff()),
		backoff.WithMaxTries(uint(p.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("Item write failed, retrying",
				zap.String("queue", p.queue),
				zap.Int64("item_id", id),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errors.NewStoreError("store", dataKey, err)
	}

	p.logger.Debug("Item stored",
		zap.String("queue", p.queue),
		zap.Int64("item_id", id),
		zap.Int("attempts", attempt),
		zap.Time("embargo", item.EmbargoTime()),
		zap.String("size", humanize.Bytes(uint64(len(payload)))))
	return item, nil
}

// writeBackOff spaces item transaction retries
func writeBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = writeBackoff
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = time.Second
	b.Reset()
	return b
}
