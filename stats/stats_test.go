package stats

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/queue"
)

var testKeys = keys.NewNamer("tc")

type fixedSource struct {
	subscribers int
	idle        int
}

func (s fixedSource) SubscriberCount() int { return s.subscribers }
func (s fixedSource) IdleConnections() int { return s.idle }

func setup(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func store(t *testing.T, client redis.UniversalClient, name string, embargo time.Time) int64 {
	t.Helper()
	producer := queue.NewProducer(client, testKeys, 1, zap.NewNop())
	require.NoError(t, producer.Prepare("STORE "+name+" "+strconv.FormatInt(embargo.UnixMilli(), 10)))
	item, err := producer.Receive(context.Background(), []byte("x"))
	require.NoError(t, err)
	return item.ID
}

func toPending(t *testing.T, client redis.UniversalClient, name string, id int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, client.ZRem(ctx, testKeys.IndexKey(name), id).Err())
	require.NoError(t, client.RPush(ctx, testKeys.ListKey(name), id).Err())
}

func TestCollect(t *testing.T) {
	_, client := setup(t)

	soon := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	store(t, client, "emails", soon.Add(time.Hour))
	store(t, client, "emails", soon)
	id := store(t, client, "emails", soon.Add(-time.Hour))
	toPending(t, client, "emails", id)
	id = store(t, client, "sms", soon)
	toPending(t, client, "sms", id)

	reporter := NewReporter(client, testKeys, fixedSource{subscribers: 2, idle: 7}, nil)
	lines, err := reporter.Collect(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, lines, 11)
	assert.Equal(t, "__healthy: true", lines[0])
	assert.Equal(t, "__subscriberCount: 2", lines[1])
	assert.Equal(t, "__unusedRedisConnections: 7", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "__memory: "))
	assert.True(t, strings.HasSuffix(lines[3], " MB"))
	assert.Equal(t, []string{
		"emails|future: 2",
		"emails|queued: 1",
		"emails|next: 2030-01-01T12:00:00.000Z",
		"sms|future: 0",
		"sms|queued: 1",
		"sms|next: <none>",
		"__totalMessageCount: 4",
	}, lines[4:])
}

func TestCollectSingleQueue(t *testing.T) {
	_, client := setup(t)
	store(t, client, "emails", time.Now().Add(time.Hour))
	store(t, client, "sms", time.Now().Add(time.Hour))
	store(t, client, "sms", time.Now().Add(time.Hour))

	reporter := NewReporter(client, testKeys, fixedSource{}, nil)
	snapshot, err := reporter.Snapshot(context.Background(), "sms")
	require.NoError(t, err)

	require.Len(t, snapshot.Queues, 1)
	assert.Equal(t, "sms", snapshot.Queues[0].Name)
	assert.Equal(t, int64(2), snapshot.Total())
}

func TestCollectUnknownQueue(t *testing.T) {
	_, client := setup(t)

	lines, err := NewReporter(client, testKeys, nil, nil).Collect(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Contains(t, lines, "ghost|future: 0")
	assert.Contains(t, lines, "ghost|next: <none>")
	assert.Equal(t, "__totalMessageCount: 0", lines[len(lines)-1])
}

func TestTotalIsSumOfQueues(t *testing.T) {
	_, client := setup(t)
	for i := 0; i < 5; i++ {
		id := store(t, client, "a", time.Now())
		if i%2 == 0 {
			toPending(t, client, "a", id)
		}
	}
	store(t, client, "b", time.Now())

	snapshot, err := NewReporter(client, testKeys, nil, nil).Snapshot(context.Background(), "")
	require.NoError(t, err)

	var sum int64
	for _, q := range snapshot.Queues {
		sum += q.Future + q.Queued
	}
	assert.Equal(t, int64(6), sum)
	assert.Equal(t, sum, snapshot.Total())
}

func TestCollectStoreDown(t *testing.T) {
	mr, client := setup(t)
	mr.Close()

	_, err := NewReporter(client, testKeys, nil, nil).Collect(context.Background(), "")
	assert.Error(t, err)
}

func TestLinesFormatting(t *testing.T) {
	s := &Snapshot{Healthy: true, MemoryMB: 12.5}
	assert.Equal(t, []string{
		"__healthy: true",
		"__subscriberCount: 0",
		"__unusedRedisConnections: 0",
		"__memory: 12.5 MB",
		"__totalMessageCount: 0",
	}, s.Lines())
}
