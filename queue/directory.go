package queue

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/keys"
)

// Directory is the set of every queue name ever stored to. Names are added
// on first STORE and never removed.
type Directory struct {
	client redis.UniversalClient
	keys   keys.Namer
}

// NewDirectory creates a directory over client
func NewDirectory(client redis.UniversalClient, namer keys.Namer) *Directory {
	return &Directory{client: client, keys: namer}
}

// Add registers queue, idempotently
func (d *Directory) Add(ctx context.Context, queue string) error {
	if err := d.client.SAdd(ctx, d.keys.QueuesKey(), queue).Err(); err != nil {
		return errors.NewStoreError("sadd", d.keys.QueuesKey(), err)
	}
	return nil
}

// List returns all known queue names in lexical order
func (d *Directory) List(ctx context.Context) ([]string, error) {
	names, err := d.client.SMembers(ctx, d.keys.QueuesKey()).Result()
	if err != nil {
		return nil, errors.NewStoreError("smembers", d.keys.QueuesKey(), err)
	}
	sort.Strings(names)
	return names, nil
}
