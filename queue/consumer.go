package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
)

// Consumer takes items off a pending list for one FETCH connection and
// holds the delivered item as a backup until it is accepted, rejected or
// acknowledged. Close puts an outstanding backup back.
type Consumer struct {
	client      redis.UniversalClient
	keys        keys.Namer
	pollTimeout time.Duration
	logger      *zap.Logger
	metrics     interfaces.MetricsCollector

	queue string

	mu     sync.Mutex
	backup *Item
}

// NewConsumer creates a consumer over a dedicated client. pollTimeout bounds
// each blocking pop so cancellation is noticed.
func NewConsumer(client redis.UniversalClient, namer keys.Namer, pollTimeout time.Duration, logger *zap.Logger, metrics interfaces.MetricsCollector) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = &interfaces.NoOpMetricsCollector{}
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Consumer{
		client:      client,
		keys:        namer,
		pollTimeout: pollTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Prepare parses a FETCH command line
func (c *Consumer) Prepare(command string) error {
	queue, err := ParseFetch(command)
	if err != nil {
		return err
	}
	c.queue = queue
	return nil
}

// Queue returns the prepared queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Client returns the client this consumer blocks on
func (c *Consumer) Client() redis.UniversalClient {
	return c.client
}

// Item returns the in-flight item, or nil
func (c *Consumer) Item() *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backup
}

// Get blocks until an item is available on the pending list and returns its
// payload. Ids whose payload hash is missing are logged and skipped.
//
// Once an id has been popped it is never dropped: it either becomes the
// backup, even when ctx ends meanwhile, or is pushed back to the head.
func (c *Consumer) Get(ctx context.Context) ([]byte, error) {
	if c.queue == "" {
		return nil, errors.NewNotPrepared("get")
	}
	listKey := c.keys.ListKey(c.queue)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := c.client.BLPop(ctx, c.pollTimeout, listKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.NewStoreError("blpop", listKey, err)
		}

		id, err := strconv.ParseInt(res[1], 10, 64)
		if err != nil {
			c.logger.Error("Discarding malformed id from pending list",
				zap.String("queue", c.queue),
				zap.String("value", res[1]))
			continue
		}

		settle := context.WithoutCancel(ctx)
		item, err := c.load(settle, id)
		if err != nil {
			if pushErr := c.client.LPush(settle, listKey, id).Err(); pushErr != nil {
				c.logger.Error("Failed to return id after read error",
					zap.String("queue", c.queue),
					zap.Int64("item_id", id),
					zap.Error(pushErr))
			}
			return nil, err
		}
		if item == nil {
			c.logger.Error("Pending id has no payload, skipping",
				zap.String("queue", c.queue),
				zap.Int64("item_id", id))
			c.metrics.RecordTornItem(c.queue)
			continue
		}

		c.mu.Lock()
		c.backup = item
		c.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return item.Payload, nil
	}
}

func (c *Consumer) load(ctx context.Context, id int64) (*Item, error) {
	dataKey := c.keys.DataKey(c.queue, id)
	hash, err := c.client.HGetAll(ctx, dataKey).Result()
	if err != nil {
		return nil, errors.NewStoreError("hgetall", dataKey, err)
	}
	item, err := itemFromHash(c.queue, hash)
	if err != nil {
		return nil, errors.NewStoreError("decode", dataKey, err)
	}
	return item, nil
}

// Accept commits the in-flight item by deleting its payload and clears the
// backup. On failure the backup is kept so Close can restore it.
func (c *Consumer) Accept(ctx context.Context) error {
	item := c.Item()
	if item == nil {
		return errors.NewNoBackup(c.queue)
	}

	dataKey := c.keys.DataKey(c.queue, item.ID)
	if err := c.client.Del(ctx, dataKey).Err(); err != nil {
		return errors.NewStoreError("del", dataKey, err)
	}

	c.clear(item)
	return nil
}

// Reject pushes the in-flight id back to the tail of the pending list. The
// payload hash is left untouched.
func (c *Consumer) Reject(ctx context.Context) error {
	item := c.Item()
	if item == nil {
		return nil
	}

	listKey := c.keys.ListKey(c.queue)
	if err := c.client.RPush(ctx, listKey, item.ID).Err(); err != nil {
		return errors.NewStoreError("rpush", listKey, err)
	}

	c.clear(item)
	return nil
}

// Ack forgets the in-flight item without touching the store
func (c *Consumer) Ack() {
	c.mu.Lock()
	c.backup = nil
	c.mu.Unlock()
}

// Close restores an outstanding item: its id goes back to the pending list
// and its payload hash is rewritten from the backup. A restore is reported
// as a MessageReturnedToQueue error. Without a backup Close is a no-op.
func (c *Consumer) Close(ctx context.Context) error {
	item := c.Item()
	if item == nil {
		return nil
	}

	listKey := c.keys.ListKey(c.queue)
	dataKey := c.keys.DataKey(c.queue, item.ID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, item.ID)
		pipe.HSet(ctx, dataKey, item.fields())
		return nil
	})
	if err != nil {
		return errors.NewStoreError("restore", dataKey, err)
	}

	c.clear(item)
	return errors.NewMessageReturnedToQueue(c.queue, item.ID)
}

func (c *Consumer) clear(item *Item) {
	c.mu.Lock()
	if c.backup == item {
		c.backup = nil
	}
	c.mu.Unlock()
}
