// Package pool keeps dedicated backing-store clients for consumers.
//
// A FETCH connection parks a blocking pop on its client for as long as it
// waits, so every waiting consumer needs a client of its own. The pool
// keeps up to a minimum number of idle clients around for reuse and
// closes the rest on release.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/store"
)

// Pool of single-connection clients
type Pool struct {
	factory store.ClientFactory
	min     int
	logger  *zap.Logger

	mu     sync.Mutex
	idle   []redis.UniversalClient
	inUse  map[redis.UniversalClient]struct{}
	closed bool
}

// New creates an empty pool; call Warm to pre-open min clients
func New(factory store.ClientFactory, min int, logger *zap.Logger) *Pool {
	if min < 0 {
		min = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		min:     min,
		logger:  logger,
		inUse:   make(map[redis.UniversalClient]struct{}),
	}
}

// Warm opens clients until min are idle. Each new client is pinged so a
// misconfigured store shows up at boot.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.min {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		client := p.factory()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return err
		}

		p.mu.Lock()
		if p.closed || len(p.idle) >= p.min {
			p.mu.Unlock()
			client.Close()
			return nil
		}
		p.idle = append(p.idle, client)
		p.mu.Unlock()
	}
}

// Acquire hands out an idle client or opens a new one. A client is never
// handed out twice before it is released.
func (p *Pool) Acquire(ctx context.Context) (redis.UniversalClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var client redis.UniversalClient
	if n := len(p.idle); n > 0 {
		client = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		client = p.factory()
	}
	p.inUse[client] = struct{}{}
	return client, nil
}

// Release returns client to the pool, or closes it when the pool already
// holds min idle clients or has been closed.
func (p *Pool) Release(client redis.UniversalClient) {
	if client == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[client]; !ok {
		p.mu.Unlock()
		p.logger.Warn("Release of a client the pool did not hand out")
		return
	}
	delete(p.inUse, client)

	if !p.closed && len(p.idle) < p.min {
		p.idle = append(p.idle, client)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.closeClient(client)
}

// SetMin changes the minimum. A lower minimum takes effect at the next Sweep.
func (p *Pool) SetMin(min int) {
	if min < 0 {
		min = 0
	}
	p.mu.Lock()
	p.min = min
	p.mu.Unlock()
}

// Min returns the configured minimum
func (p *Pool) Min() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min
}

// Idle returns the number of idle clients
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUse returns the number of clients handed out
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Sweep closes idle clients above the minimum and returns how many it closed
func (p *Pool) Sweep() int {
	p.mu.Lock()
	var excess []redis.UniversalClient
	if len(p.idle) > p.min {
		excess = append(excess, p.idle[p.min:]...)
		for i := p.min; i < len(p.idle); i++ {
			p.idle[i] = nil
		}
		p.idle = p.idle[:p.min]
	}
	p.mu.Unlock()

	for _, client := range excess {
		p.closeClient(client)
	}
	return len(excess)
}

// Run sweeps every interval until ctx is done
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("Trimmed idle store clients", zap.Int("closed", n))
			}
		}
	}
}

// Close closes every idle client. Clients still in use are closed when
// they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, client := range idle {
		p.closeClient(client)
	}
}

func (p *Pool) closeClient(client redis.UniversalClient) {
	if err := client.Close(); err != nil {
		p.logger.Debug("Error closing store client", zap.Error(err))
	}
}
