package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/store"
)

type countingFactory struct {
	inner  store.ClientFactory
	opened atomic.Int32
}

func (f *countingFactory) New() redis.UniversalClient {
	f.opened.Add(1)
	return f.inner()
}

func newTestPool(t *testing.T, min int) (*Pool, *countingFactory) {
	t.Helper()
	mr := miniredis.RunT(t)
	factory := &countingFactory{
		inner: store.NewClientFactory(interfaces.StoreConfig{Address: mr.Addr(), DialTimeout: time.Second}),
	}
	p := New(factory.New, min, zap.NewNop())
	t.Cleanup(p.Close)
	return p, factory
}

func TestWarm(t *testing.T) {
	p, factory := newTestPool(t, 3)

	require.NoError(t, p.Warm(context.Background()))
	assert.Equal(t, 3, p.Idle())
	assert.Equal(t, int32(3), factory.opened.Load())

	// Warming again opens nothing
	require.NoError(t, p.Warm(context.Background()))
	assert.Equal(t, int32(3), factory.opened.Load())
}

func TestWarmFailsWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	p := New(store.NewClientFactory(interfaces.StoreConfig{Address: addr, DialTimeout: 200 * time.Millisecond}), 2, nil)
	defer p.Close()

	assert.Error(t, p.Warm(context.Background()))
	assert.Equal(t, 0, p.Idle())
}

func TestAcquireReusesIdle(t *testing.T) {
	p, factory := newTestPool(t, 1)
	require.NoError(t, p.Warm(context.Background()))

	client, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 1, p.InUse())
	assert.Equal(t, int32(1), factory.opened.Load())

	p.Release(client)
	assert.Equal(t, 1, p.Idle())
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireOpensWhenEmpty(t *testing.T) {
	p, factory := newTestPool(t, 0)

	client, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()).Err())
	assert.Equal(t, int32(1), factory.opened.Load())

	// Above the minimum the client is closed instead of pooled
	p.Release(client)
	assert.Equal(t, 0, p.Idle())
	assert.Error(t, client.Ping(context.Background()).Err())
}

func TestAcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseUnknownClient(t *testing.T) {
	p, _ := newTestPool(t, 2)
	mr := miniredis.RunT(t)
	stranger := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer stranger.Close()

	p.Release(stranger)
	p.Release(nil)
	assert.Equal(t, 0, p.Idle())
}

func TestConcurrentAcquireNeverSharesClients(t *testing.T) {
	p, _ := newTestPool(t, 4)
	require.NoError(t, p.Warm(context.Background()))

	var (
		mu    sync.Mutex
		owned = make(map[redis.UniversalClient]bool)
		dup   atomic.Bool
		wg    sync.WaitGroup
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				client, err := p.Acquire(context.Background())
				if err != nil {
					return
				}

				mu.Lock()
				if owned[client] {
					dup.Store(true)
				}
				owned[client] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				delete(owned, client)
				mu.Unlock()
				p.Release(client)
			}
		}()
	}
	wg.Wait()

	assert.False(t, dup.Load(), "a client was handed to two holders at once")
	assert.Equal(t, 0, p.InUse())
	assert.LessOrEqual(t, p.Idle(), 4)
}

func TestSweepTrimsToMinimum(t *testing.T) {
	p, _ := newTestPool(t, 4)
	require.NoError(t, p.Warm(context.Background()))

	p.SetMin(1)
	assert.Equal(t, 1, p.Min())
	assert.Equal(t, 3, p.Sweep())
	assert.Equal(t, 1, p.Idle())
	assert.Equal(t, 0, p.Sweep())
}

func TestRunSweepsPeriodically(t *testing.T) {
	p, _ := newTestPool(t, 3)
	require.NoError(t, p.Warm(context.Background()))
	p.SetMin(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return p.Idle() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseClosesLateReleases(t *testing.T) {
	p, _ := newTestPool(t, 2)
	require.NoError(t, p.Warm(context.Background()))

	client, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, 0, p.Idle())

	p.Release(client)
	assert.Equal(t, 0, p.Idle())
	assert.Error(t, client.Ping(context.Background()).Err())
}
