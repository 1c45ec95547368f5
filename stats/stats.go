// Package stats renders the STATS reply: broker health, pool usage, memory
// and per-queue counters.
package stats

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/queue"
)

// isoMillis matches JavaScript's Date.toISOString
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Source reports broker-local counters
type Source interface {
	SubscriberCount() int
	IdleConnections() int
}

// QueueStats are the counters of one queue
type QueueStats struct {
	Name   string
	Future int64
	Queued int64
	Next   *time.Time
}

// Snapshot is a point-in-time view of the broker
type Snapshot struct {
	Healthy         bool
	Subscribers     int
	IdleConnections int
	MemoryMB        float64
	Queues          []QueueStats
}

// Total is the number of items held, delayed or pending
func (s *Snapshot) Total() int64 {
	var total int64
	for _, q := range s.Queues {
		total += q.Future + q.Queued
	}
	return total
}

// Lines renders the snapshot in wire order
func (s *Snapshot) Lines() []string {
	lines := []string{
		fmt.Sprintf("__healthy: %t", s.Healthy),
		fmt.Sprintf("__subscriberCount: %d", s.Subscribers),
		fmt.Sprintf("__unusedRedisConnections: %d", s.IdleConnections),
		fmt.Sprintf("__memory: %s MB", strconv.FormatFloat(s.MemoryMB, 'f', -1, 64)),
	}

	for _, q := range s.Queues {
		next := "<none>"
		if q.Next != nil {
			next = q.Next.UTC().Format(isoMillis)
		}
		lines = append(lines,
			fmt.Sprintf("%s|future: %d", q.Name, q.Future),
			fmt.Sprintf("%s|queued: %d", q.Name, q.Queued),
			fmt.Sprintf("%s|next: %s", q.Name, next),
		)
	}

	return append(lines, fmt.Sprintf("__totalMessageCount: %d", s.Total()))
}

// Reporter gathers snapshots
type Reporter struct {
	client    redis.UniversalClient
	keys      keys.Namer
	directory *queue.Directory
	source    Source
	metrics   interfaces.MetricsCollector
}

// NewReporter creates a reporter. metrics may be nil.
func NewReporter(client redis.UniversalClient, namer keys.Namer, source Source, metrics interfaces.MetricsCollector) *Reporter {
	if metrics == nil {
		metrics = &interfaces.NoOpMetricsCollector{}
	}
	return &Reporter{
		client:    client,
		keys:      namer,
		directory: queue.NewDirectory(client, namer),
		source:    source,
		metrics:   metrics,
	}
}

// Collect returns the STATS lines, restricted to one queue when name is set
func (r *Reporter) Collect(ctx context.Context, name string) ([]string, error) {
	snapshot, err := r.Snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	return snapshot.Lines(), nil
}

// Snapshot gathers counters for every known queue, or only for name
func (r *Reporter) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	names := []string{name}
	if name == "" {
		var err error
		if names, err = r.directory.List(ctx); err != nil {
			return nil, err
		}
	}

	snapshot := &Snapshot{
		Healthy:  true,
		MemoryMB: heapMB(),
	}
	if r.source != nil {
		snapshot.Subscribers = r.source.SubscriberCount()
		snapshot.IdleConnections = r.source.IdleConnections()
	}

	for _, n := range names {
		qs, err := r.queueStats(ctx, n)
		if err != nil {
			return nil, err
		}
		snapshot.Queues = append(snapshot.Queues, qs)
		r.metrics.UpdateQueueMetrics(n, qs.Future, qs.Queued)
	}

	return snapshot, nil
}

func (r *Reporter) queueStats(ctx context.Context, name string) (QueueStats, error) {
	indexKey := r.keys.IndexKey(name)

	var (
		future *redis.IntCmd
		queued *redis.IntCmd
		next   *redis.ZSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		future = pipe.ZCard(ctx, indexKey)
		queued = pipe.LLen(ctx, r.keys.ListKey(name))
		next = pipe.ZRangeWithScores(ctx, indexKey, 0, 0)
		return nil
	})
	if err != nil {
		return QueueStats{}, errors.NewStoreError("stats", indexKey, err)
	}

	qs := QueueStats{
		Name:   name,
		Future: future.Val(),
		Queued: queued.Val(),
	}
	if z := next.Val(); len(z) > 0 {
		t := time.UnixMilli(int64(z[0].Score)).UTC()
		qs.Next = &t
	}
	return qs, nil
}

// heapMB is the in-use heap in megabytes, rounded to two decimals
func heapMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return math.Round(float64(m.HeapAlloc)/1024/1024*100) / 100
}
