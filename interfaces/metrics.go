package interfaces

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// Connection metrics
	RecordConnectionCreated()
	RecordConnectionClosed()
	SetSubscribers(count int)

	// Message metrics
	RecordMessageStored(size int)
	RecordMessageDelivered(size int)
	RecordMessageAcknowledged()
	RecordMessageRejected()
	RecordMessageReturned()
	RecordTornItem(queue string)

	// Promotion metrics
	RecordPromoted(queue string, count int)
	RecordLockContention(queue string)
	RecordLockLost(queue string)

	// Queue metrics
	UpdateQueueMetrics(queue string, future, queued int64)

	// Pool metrics
	UpdatePoolMetrics(idle, inUse int)

	// Error metrics
	RecordStoreError(operation string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordConnectionCreated()                              {}
func (n *NoOpMetricsCollector) RecordConnectionClosed()                               {}
func (n *NoOpMetricsCollector) SetSubscribers(count int)                              {}
func (n *NoOpMetricsCollector) RecordMessageStored(size int)                          {}
func (n *NoOpMetricsCollector) RecordMessageDelivered(size int)                       {}
func (n *NoOpMetricsCollector) RecordMessageAcknowledged()                            {}
func (n *NoOpMetricsCollector) RecordMessageRejected()                                {}
func (n *NoOpMetricsCollector) RecordMessageReturned()                                {}
func (n *NoOpMetricsCollector) RecordTornItem(queue string)                           {}
func (n *NoOpMetricsCollector) RecordPromoted(queue string, count int)                {}
func (n *NoOpMetricsCollector) RecordLockContention(queue string)                     {}
func (n *NoOpMetricsCollector) RecordLockLost(queue string)                           {}
func (n *NoOpMetricsCollector) UpdateQueueMetrics(queue string, future, queued int64) {}
func (n *NoOpMetricsCollector) UpdatePoolMetrics(idle, inUse int)                     {}
func (n *NoOpMetricsCollector) RecordStoreError(operation string)                     {}
