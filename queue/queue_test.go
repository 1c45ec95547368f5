package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/keys"
)

var testKeys = keys.NewNamer("tc")

func newTestStore(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestConsumer(t *testing.T, client redis.UniversalClient, queue string) *Consumer {
	t.Helper()
	consumer := NewConsumer(client, testKeys, time.Second, zap.NewNop(), nil)
	require.NoError(t, consumer.Prepare("FETCH "+queue))
	return consumer
}

// storeItem stores payload through a producer and returns its id
func storeItem(t *testing.T, client redis.UniversalClient, queue, date string, payload string) int64 {
	t.Helper()
	producer := NewProducer(client, testKeys, 3, zap.NewNop())
	require.NoError(t, producer.Prepare("STORE "+queue+" "+date))
	item, err := producer.Receive(context.Background(), []byte(payload))
	require.NoError(t, err)
	return item.ID
}

// makePending moves an id from the delayed index to the pending list the way
// the promoter does
func makePending(t *testing.T, client redis.UniversalClient, queue string, id int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, client.ZRem(ctx, testKeys.IndexKey(queue), id).Err())
	require.NoError(t, client.RPush(ctx, testKeys.ListKey(queue), id).Err())
}
