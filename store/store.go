// Package store constructs backing-store clients from configuration.
//
// The broker keeps one shared client for producer writes, promotion and
// stats, and hands consumers dedicated single-connection clients so that a
// long blocking pop never queues a write behind it.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
)

const (
	pingAttempts = 3
	pingBackoff  = 100 * time.Millisecond
)

// Options converts store configuration into client options
func Options(cfg interfaces.StoreConfig) *redis.Options {
	return &redis.Options{
		Addr:        cfg.Address,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
}

// Dial opens the shared client and verifies that the store answers.
func Dial(ctx context.Context, cfg interfaces.StoreConfig, logger *zap.Logger) (redis.UniversalClient, error) {
	client := redis.NewClient(Options(cfg))
	if err := Ping(ctx, client, cfg.Address, logger); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Ping checks connectivity, retrying a few times with a growing delay.
func Ping(ctx context.Context, client redis.UniversalClient, address string, logger *zap.Logger) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(retryBackOff(pingBackoff)),
		backoff.WithMaxTries(pingAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Store not reachable, retrying",
				zap.String("address", address),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return errors.NewStoreError("ping", address, err)
	}
	return nil
}

// retryBackOff doubles the delay after every failed attempt, starting at
// initial, without jitter.
func retryBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	return b
}

// ClientFactory opens a new client
type ClientFactory func() redis.UniversalClient

// NewClientFactory returns a factory of single-connection clients for
// blocking consumers.
func NewClientFactory(cfg interfaces.StoreConfig) ClientFactory {
	return func() redis.UniversalClient {
		opts := Options(cfg)
		opts.PoolSize = 1
		opts.MaxIdleConns = 1
		return redis.NewClient(opts)
	}
}
