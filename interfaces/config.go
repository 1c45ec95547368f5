package interfaces

import (
	"time"
)

// NetworkConfig holds listener and wire-protocol settings
type NetworkConfig struct {
	// Host to bind to, empty means all interfaces
	Host string `koanf:"host"`

	// Port to listen on
	Port int `koanf:"port"`

	// ReusePort sets SO_REUSEPORT so several brokers can share a port
	ReusePort bool `koanf:"reuse_port"`

	// ReadBufferSize bounds the size of a single frame
	ReadBufferSize int `koanf:"read_buffer_size"`

	// PayloadSettle is the quiet period that terminates a STORE payload
	PayloadSettle time.Duration `koanf:"payload_settle"`

	// KeepAliveInterval between zero bytes written to a waiting FETCH client, 0 disables
	KeepAliveInterval time.Duration `koanf:"keepalive_interval"`
}

// StoreConfig holds backing store settings
type StoreConfig struct {
	Address   string `koanf:"address"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	Namespace string `koanf:"namespace"`

	DialTimeout time.Duration `koanf:"dial_timeout"`

	// FetchPollTimeout is the blocking pop timeout of one consumer round
	FetchPollTimeout time.Duration `koanf:"fetch_poll_timeout"`

	// WriteRetries is the number of attempts for the producer transaction
	WriteRetries int `koanf:"write_retries"`
}

// PromoterConfig holds settings of the delayed-to-pending promotion loop
type PromoterConfig struct {
	WaitInterval time.Duration `koanf:"wait_interval"`
	Concurrency  int           `koanf:"concurrency"`
	BatchSize    int           `koanf:"batch_size"`
	MaxAttempts  int           `koanf:"max_attempts"`
}

// LockConfig holds redlock tuning
type LockConfig struct {
	Duration    time.Duration `koanf:"duration"`
	DriftFactor float64       `koanf:"drift_factor"`
	RetryCount  int           `koanf:"retry_count"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
	RetryJitter time.Duration `koanf:"retry_jitter"`
}

// PoolConfig holds consumer connection pool settings
type PoolConfig struct {
	MinIdle       int           `koanf:"min_idle"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LogConfig holds logging sink settings
type LogConfig struct {
	// Output is one of console, syslog, combined, none
	Output string `koanf:"output"`

	// Level is one of debug, info, warn, error
	Level string `koanf:"level"`

	// Format is json or console
	Format string `koanf:"format"`

	SyslogAddress string `koanf:"syslog_address"`
	SyslogNetwork string `koanf:"syslog_network"`

	// File is an optional extra sink
	File string `koanf:"file"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// ServerConfig holds process level settings
type ServerConfig struct {
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	PidFile         string        `koanf:"pid_file"`
}
