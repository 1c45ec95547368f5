package config

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *BrokerConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *BrokerConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Network Configuration

// WithHost sets the listen host
func (b *ConfigBuilder) WithHost(host string) *ConfigBuilder {
	b.config.Network.Host = host
	return b
}

// WithPort sets the listen port
func (b *ConfigBuilder) WithPort(port int) *ConfigBuilder {
	b.config.Network.Port = port
	return b
}

// WithReusePort enables SO_REUSEPORT on the listener
func (b *ConfigBuilder) WithReusePort(enabled bool) *ConfigBuilder {
	b.config.Network.ReusePort = enabled
	return b
}

// WithReadBufferSize sets the maximum frame size
func (b *ConfigBuilder) WithReadBufferSize(size int) *ConfigBuilder {
	b.config.Network.ReadBufferSize = size
	return b
}

// WithPayloadSettle sets the quiet period that ends a STORE payload
func (b *ConfigBuilder) WithPayloadSettle(d time.Duration) *ConfigBuilder {
	b.config.Network.PayloadSettle = d
	return b
}

// WithKeepAlive sets the FETCH keep-alive interval, 0 disables it
func (b *ConfigBuilder) WithKeepAlive(interval time.Duration) *ConfigBuilder {
	b.config.Network.KeepAliveInterval = interval
	return b
}

// Store Configuration

// WithStore sets the backing store address
func (b *ConfigBuilder) WithStore(address string) *ConfigBuilder {
	b.config.Store.Address = address
	return b
}

// WithStoreAuth sets credentials and database index
func (b *ConfigBuilder) WithStoreAuth(username, password string, db int) *ConfigBuilder {
	b.config.Store.Username = username
	b.config.Store.Password = password
	b.config.Store.DB = db
	return b
}

// WithNamespace sets the key prefix
func (b *ConfigBuilder) WithNamespace(namespace string) *ConfigBuilder {
	b.config.Store.Namespace = namespace
	return b
}

// WithFetchPollTimeout sets the blocking pop timeout
func (b *ConfigBuilder) WithFetchPollTimeout(d time.Duration) *ConfigBuilder {
	b.config.Store.FetchPollTimeout = d
	return b
}

// WithWriteRetries sets the producer transaction attempts
func (b *ConfigBuilder) WithWriteRetries(n int) *ConfigBuilder {
	b.config.Store.WriteRetries = n
	return b
}

// Promoter Configuration

// WithPromoter sets the pass interval, parallelism and batch size
func (b *ConfigBuilder) WithPromoter(wait time.Duration, concurrency, batchSize int) *ConfigBuilder {
	b.config.Promoter.WaitInterval = wait
	b.config.Promoter.Concurrency = concurrency
	b.config.Promoter.BatchSize = batchSize
	return b
}

// WithLock sets the redlock lease and retry tuning
func (b *ConfigBuilder) WithLock(duration time.Duration, driftFactor float64, retryCount int, retryDelay, retryJitter time.Duration) *ConfigBuilder {
	b.config.Lock.Duration = duration
	b.config.Lock.DriftFactor = driftFactor
	b.config.Lock.RetryCount = retryCount
	b.config.Lock.RetryDelay = retryDelay
	b.config.Lock.RetryJitter = retryJitter
	return b
}

// WithPool sets consumer pool sizing
func (b *ConfigBuilder) WithPool(minIdle int, sweepInterval time.Duration) *ConfigBuilder {
	b.config.Pool.MinIdle = minIdle
	b.config.Pool.SweepInterval = sweepInterval
	return b
}

// Logging and Operations

// WithLogging sets the log sink and level
func (b *ConfigBuilder) WithLogging(output, level string) *ConfigBuilder {
	b.config.Log.Output = output
	b.config.Log.Level = level
	return b
}

// WithSyslog sets the syslog endpoint
func (b *ConfigBuilder) WithSyslog(network, address string) *ConfigBuilder {
	b.config.Log.SyslogNetwork = network
	b.config.Log.SyslogAddress = address
	return b
}

// WithMetrics enables the Prometheus endpoint on port
func (b *ConfigBuilder) WithMetrics(enabled bool, port int) *ConfigBuilder {
	b.config.Metrics.Enabled = enabled
	b.config.Metrics.Port = port
	return b
}

// WithShutdownTimeout bounds graceful shutdown
func (b *ConfigBuilder) WithShutdownTimeout(d time.Duration) *ConfigBuilder {
	b.config.Server.ShutdownTimeout = d
	return b
}

// WithPidFile sets the pid file path
func (b *ConfigBuilder) WithPidFile(path string) *ConfigBuilder {
	b.config.Server.PidFile = path
	return b
}

// Build returns the configured BrokerConfig
func (b *ConfigBuilder) Build() (*BrokerConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured BrokerConfig without validation
func (b *ConfigBuilder) BuildUnsafe() *BrokerConfig {
	return b.config
}
