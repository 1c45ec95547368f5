package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/timecapsule/errors"
)

func TestConsumerPrepare(t *testing.T) {
	_, client := newTestStore(t)
	consumer := NewConsumer(client, testKeys, time.Second, nil, nil)

	assert.True(t, errors.IsInvalidCommand(consumer.Prepare("FETCH")))
	require.NoError(t, consumer.Prepare("FETCH emails"))
	assert.Equal(t, "emails", consumer.Queue())
	assert.Same(t, client, consumer.Client())
}

func TestConsumerGetBeforePrepare(t *testing.T) {
	_, client := newTestStore(t)
	consumer := NewConsumer(client, testKeys, time.Second, nil, nil)

	_, err := consumer.Get(context.Background())
	assert.True(t, errors.IsInvalidCommand(err))
}

func TestConsumerGetDeliversPending(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "payload-1")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	payload, err := consumer.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []byte("payload-1"), payload)
	require.NotNil(t, consumer.Item())
	assert.Equal(t, id, consumer.Item().ID)
	assert.False(t, mr.Exists(testKeys.ListKey("emails")))
	assert.True(t, mr.Exists(testKeys.DataKey("emails", id)), "payload stays until accept")
}

func TestConsumerGetBlocksUntilPending(t *testing.T) {
	_, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "late")
	consumer := newTestConsumer(t, client, "emails")

	result := make(chan []byte, 1)
	go func() {
		payload, err := consumer.Get(context.Background())
		if err == nil {
			result <- payload
		}
		close(result)
	}()

	select {
	case <-result:
		t.Fatal("get returned before anything was pending")
	case <-time.After(200 * time.Millisecond):
	}

	makePending(t, client, "emails", id)

	select {
	case payload := <-result:
		assert.Equal(t, []byte("late"), payload)
	case <-time.After(5 * time.Second):
		t.Fatal("get did not return after promotion")
	}
}

func TestConsumerGetSkipsTornItems(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "good")

	ctx := context.Background()
	require.NoError(t, client.RPush(ctx, testKeys.ListKey("emails"), 99).Err())
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	payload, err := consumer.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, []byte("good"), payload)
	assert.False(t, mr.Exists(testKeys.ListKey("emails")))
}

func TestConsumerGetCancelled(t *testing.T) {
	_, client := newTestStore(t)
	consumer := newTestConsumer(t, client, "emails")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := consumer.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, consumer.Item())
}

func TestConsumerAccept(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "p")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	_, err := consumer.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, consumer.Accept(context.Background()))
	assert.False(t, mr.Exists(testKeys.DataKey("emails", id)))
	assert.Nil(t, consumer.Item(), "accept clears the backup")

	// Nothing left to restore
	assert.NoError(t, consumer.Close(context.Background()))
	assert.False(t, mr.Exists(testKeys.ListKey("emails")))
	assert.False(t, mr.Exists(testKeys.DataKey("emails", id)))
}

func TestConsumerAcceptWithoutItem(t *testing.T) {
	_, client := newTestStore(t)
	consumer := newTestConsumer(t, client, "emails")

	err := consumer.Accept(context.Background())
	assert.True(t, errors.IsNoBackup(err))
}

func TestConsumerReject(t *testing.T) {
	mr, client := newTestStore(t)
	first := storeItem(t, client, "emails", "2020-01-01", "first")
	second := storeItem(t, client, "emails", "2020-01-01", "second")
	makePending(t, client, "emails", first)
	makePending(t, client, "emails", second)

	consumer := newTestConsumer(t, client, "emails")
	payload, err := consumer.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payload)

	require.NoError(t, consumer.Reject(context.Background()))
	assert.Nil(t, consumer.Item())

	list, err := mr.List(testKeys.ListKey("emails"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, list, "rejected id goes to the tail")
	assert.Equal(t, "first", mr.HGet(testKeys.DataKey("emails", first), "data"))

	// Reject with nothing in flight is a no-op
	require.NoError(t, consumer.Reject(context.Background()))
	assert.NoError(t, consumer.Close(context.Background()))
}

func TestConsumerAck(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "p")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	_, err := consumer.Get(context.Background())
	require.NoError(t, err)

	consumer.Ack()
	assert.Nil(t, consumer.Item())
	assert.True(t, mr.Exists(testKeys.DataKey("emails", id)), "ack does not touch the store")
}

func TestConsumerCloseRestores(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "restore-me")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	_, err := consumer.Get(context.Background())
	require.NoError(t, err)

	err = consumer.Close(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsMessageReturnedToQueue(err))
	assert.Nil(t, consumer.Item())

	list, err := mr.List(testKeys.ListKey("emails"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, list)
	assert.Equal(t, "restore-me", mr.HGet(testKeys.DataKey("emails", id), "data"))

	// A second consumer receives the restored item
	next := newTestConsumer(t, client, "emails")
	payload, err := next.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("restore-me"), payload)
}

func TestConsumerCloseRecreatesDeletedPayload(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "fragile")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	_, err := consumer.Get(context.Background())
	require.NoError(t, err)

	// The hash vanished but the item was never committed
	mr.Del(testKeys.DataKey("emails", id))

	err = consumer.Close(context.Background())
	assert.True(t, errors.IsMessageReturnedToQueue(err))
	assert.Equal(t, "fragile", mr.HGet(testKeys.DataKey("emails", id), "data"))
	assert.Equal(t, "1", mr.HGet(testKeys.DataKey("emails", id), "id"))
}

func TestConsumerAcceptFailureKeepsBackup(t *testing.T) {
	mr, client := newTestStore(t)
	id := storeItem(t, client, "emails", "2020-01-01", "p")
	makePending(t, client, "emails", id)

	consumer := newTestConsumer(t, client, "emails")
	_, err := consumer.Get(context.Background())
	require.NoError(t, err)

	mr.SetError("ERR store offline")
	err = consumer.Accept(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStoreError(err))
	assert.NotNil(t, consumer.Item())
	mr.SetError("")

	assert.True(t, errors.IsMessageReturnedToQueue(consumer.Close(context.Background())))
}
