package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics of the broker
type Collector struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Gauge
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	Subscribers        prometheus.Gauge

	// Message metrics
	MessagesStored         prometheus.Counter
	MessagesStoredBytes    prometheus.Counter
	MessagesDelivered      prometheus.Counter
	MessagesDeliveredBytes prometheus.Counter
	MessagesAcknowledged   prometheus.Counter
	MessagesRejected       prometheus.Counter
	MessagesReturned       prometheus.Counter
	TornItems              *prometheus.CounterVec

	// Queue metrics
	QueueFuture *prometheus.GaugeVec
	QueueQueued *prometheus.GaugeVec

	// Promotion metrics
	Promoted       *prometheus.CounterVec
	LockContention *prometheus.CounterVec
	LockLost       *prometheus.CounterVec

	// Pool metrics
	PoolIdle  prometheus.Gauge
	PoolInUse prometheus.Gauge

	// Error metrics
	StoreErrors *prometheus.CounterVec
}

// NewCollector registers the broker metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "timecapsule"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		// Connection metrics
		ConnectionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Current number of open client connections",
		}),
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of client connections accepted since start",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of client connections closed since start",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Current number of FETCH connections",
		}),

		// Message metrics
		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Total number of items stored",
		}),
		MessagesStoredBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_bytes_total",
			Help:      "Total payload bytes stored",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total number of items written to consumers",
		}),
		MessagesDeliveredBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_bytes_total",
			Help:      "Total payload bytes written to consumers",
		}),
		MessagesAcknowledged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acknowledged_total",
			Help:      "Total number of items committed by ACK",
		}),
		MessagesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of items pushed back after a failed delivery",
		}),
		MessagesReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_returned_total",
			Help:      "Total number of in-flight items restored on disconnect",
		}),
		TornItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "torn_items_total",
			Help:      "Pending ids found without a payload",
		}, []string{"queue"}),

		// Queue metrics
		QueueFuture: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_future",
			Help:      "Items waiting for their embargo",
		}, []string{"queue"}),
		QueueQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_queued",
			Help:      "Items ready for delivery",
		}, []string{"queue"}),

		// Promotion metrics
		Promoted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promoted_total",
			Help:      "Items moved from the delayed index to the pending list",
		}, []string{"queue"}),
		LockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Promotion passes skipped because another instance held the lock",
		}, []string{"queue"}),
		LockLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_lost_total",
			Help:      "Promotion leases lost mid-operation",
		}, []string{"queue"}),

		// Pool metrics
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_clients",
			Help:      "Idle consumer store clients",
		}),
		PoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use_clients",
			Help:      "Consumer store clients handed out",
		}),

		// Error metrics
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backing store failures by operation",
		}, []string{"operation"}),
	}
}

// RecordConnectionCreated increments connection creation counter and total
func (c *Collector) RecordConnectionCreated() {
	c.ConnectionsCreated.Inc()
	c.ConnectionsTotal.Inc()
}

// RecordConnectionClosed increments connection close counter and decrements total
func (c *Collector) RecordConnectionClosed() {
	c.ConnectionsClosed.Inc()
	c.ConnectionsTotal.Dec()
}

// SetSubscribers sets the live FETCH connection count
func (c *Collector) SetSubscribers(count int) {
	c.Subscribers.Set(float64(count))
}

// RecordMessageStored records a stored item
func (c *Collector) RecordMessageStored(size int) {
	c.MessagesStored.Inc()
	c.MessagesStoredBytes.Add(float64(size))
}

// RecordMessageDelivered records a delivered item
func (c *Collector) RecordMessageDelivered(size int) {
	c.MessagesDelivered.Inc()
	c.MessagesDeliveredBytes.Add(float64(size))
}

func (c *Collector) RecordMessageAcknowledged() {
	c.MessagesAcknowledged.Inc()
}

func (c *Collector) RecordMessageRejected() {
	c.MessagesRejected.Inc()
}

func (c *Collector) RecordMessageReturned() {
	c.MessagesReturned.Inc()
}

func (c *Collector) RecordTornItem(queue string) {
	c.TornItems.WithLabelValues(queue).Inc()
}

// RecordPromoted adds count promoted items for queue
func (c *Collector) RecordPromoted(queue string, count int) {
	c.Promoted.WithLabelValues(queue).Add(float64(count))
}

func (c *Collector) RecordLockContention(queue string) {
	c.LockContention.WithLabelValues(queue).Inc()
}

func (c *Collector) RecordLockLost(queue string) {
	c.LockLost.WithLabelValues(queue).Inc()
}

// UpdateQueueMetrics sets the delayed and pending counts of a queue
func (c *Collector) UpdateQueueMetrics(queue string, future, queued int64) {
	c.QueueFuture.WithLabelValues(queue).Set(float64(future))
	c.QueueQueued.WithLabelValues(queue).Set(float64(queued))
}

// UpdatePoolMetrics sets the consumer pool gauges
func (c *Collector) UpdatePoolMetrics(idle, inUse int) {
	c.PoolIdle.Set(float64(idle))
	c.PoolInUse.Set(float64(inUse))
}

func (c *Collector) RecordStoreError(operation string) {
	c.StoreErrors.WithLabelValues(operation).Inc()
}
