package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
)

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *BrokerConfig {
	return &BrokerConfig{
		Network: interfaces.NetworkConfig{
			Host:              "",
			Port:              1777,
			ReusePort:         false,
			ReadBufferSize:    64 * 1024,
			PayloadSettle:     25 * time.Millisecond,
			KeepAliveInterval: 0,
		},
		Store: interfaces.StoreConfig{
			Address:          "127.0.0.1:6379",
			Namespace:        keys.DefaultNamespace,
			DialTimeout:      5 * time.Second,
			FetchPollTimeout: time.Second,
			WriteRetries:     3,
		},
		Promoter: interfaces.PromoterConfig{
			WaitInterval: 500 * time.Millisecond,
			Concurrency:  8,
			BatchSize:    500,
			MaxAttempts:  2,
		},
		Lock: interfaces.LockConfig{
			Duration:    time.Second,
			DriftFactor: 0.01,
			RetryCount:  5,
			RetryDelay:  100 * time.Millisecond,
			RetryJitter: 200 * time.Millisecond,
		},
		Pool: interfaces.PoolConfig{
			MinIdle:       10,
			SweepInterval: 30 * time.Second,
		},
		Log: interfaces.LogConfig{
			Output:        "console",
			Level:         "info",
			Format:        "json",
			SyslogAddress: "127.0.0.1:514",
			SyslogNetwork: "udp",
		},
		Metrics: interfaces.MetricsConfig{
			Enabled: false,
			Port:    9419,
		},
		Server: interfaces.ServerConfig{
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// BrokerConfig is the complete broker configuration
type BrokerConfig struct {
	Network  interfaces.NetworkConfig  `koanf:"network"`
	Store    interfaces.StoreConfig    `koanf:"store"`
	Promoter interfaces.PromoterConfig `koanf:"promoter"`
	Lock     interfaces.LockConfig     `koanf:"lock"`
	Pool     interfaces.PoolConfig     `koanf:"pool"`
	Log      interfaces.LogConfig      `koanf:"log"`
	Metrics  interfaces.MetricsConfig  `koanf:"metrics"`
	Server   interfaces.ServerConfig   `koanf:"server"`
}

// ListenAddress returns host:port for the client listener
func (c *BrokerConfig) ListenAddress() string {
	return net.JoinHostPort(c.Network.Host, strconv.Itoa(c.Network.Port))
}

// MetricsAddress returns the listen address of the Prometheus endpoint
func (c *BrokerConfig) MetricsAddress() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

var (
	validOutputs = map[string]bool{"console": true, "syslog": true, "combined": true, "none": true}
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate validates the configuration
func (c *BrokerConfig) Validate() error {
	// Network
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return errors.NewConfigValidationError("network", "port", fmt.Sprintf("invalid port %d", c.Network.Port))
	}
	if c.Network.ReadBufferSize <= 0 {
		return errors.NewConfigValidationError("network", "read_buffer_size", "must be positive")
	}
	if c.Network.PayloadSettle <= 0 {
		return errors.NewConfigValidationError("network", "payload_settle", "must be positive")
	}
	if c.Network.KeepAliveInterval < 0 {
		return errors.NewConfigValidationError("network", "keepalive_interval", "cannot be negative")
	}

	// Store
	if c.Store.Address == "" {
		return errors.NewConfigValidationError("store", "address", "cannot be empty")
	}
	if c.Store.Namespace == "" || strings.ContainsAny(c.Store.Namespace, " \t\r\n") {
		return errors.NewConfigValidationError("store", "namespace", "must be non-empty without whitespace")
	}
	if c.Store.DB < 0 {
		return errors.NewConfigValidationError("store", "db", "cannot be negative")
	}
	if c.Store.DialTimeout <= 0 {
		return errors.NewConfigValidationError("store", "dial_timeout", "must be positive")
	}
	if c.Store.FetchPollTimeout <= 0 {
		return errors.NewConfigValidationError("store", "fetch_poll_timeout", "must be positive")
	}
	if c.Store.WriteRetries < 1 {
		return errors.NewConfigValidationError("store", "write_retries", "must be at least 1")
	}

	// Promoter
	if c.Promoter.WaitInterval <= 0 {
		return errors.NewConfigValidationError("promoter", "wait_interval", "must be positive")
	}
	if c.Promoter.Concurrency < 1 {
		return errors.NewConfigValidationError("promoter", "concurrency", "must be at least 1")
	}
	if c.Promoter.BatchSize < 1 {
		return errors.NewConfigValidationError("promoter", "batch_size", "must be at least 1")
	}
	if c.Promoter.MaxAttempts < 1 {
		return errors.NewConfigValidationError("promoter", "max_attempts", "must be at least 1")
	}

	// Lock
	if c.Lock.Duration <= 0 {
		return errors.NewConfigValidationError("lock", "duration", "must be positive")
	}
	if c.Lock.DriftFactor < 0 || c.Lock.DriftFactor >= 1 {
		return errors.NewConfigValidationError("lock", "drift_factor", "must be in [0, 1)")
	}
	if c.Lock.RetryCount < 0 || c.Lock.RetryDelay < 0 || c.Lock.RetryJitter < 0 {
		return errors.NewConfigValidationError("lock", "retry_count", "retry settings cannot be negative")
	}

	// Pool
	if c.Pool.MinIdle < 0 {
		return errors.NewConfigValidationError("pool", "min_idle", "cannot be negative")
	}
	if c.Pool.SweepInterval <= 0 {
		return errors.NewConfigValidationError("pool", "sweep_interval", "must be positive")
	}

	// Log
	if !validOutputs[c.Log.Output] {
		return errors.NewConfigValidationError("log", "output", fmt.Sprintf("unknown output %q", c.Log.Output))
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return errors.NewConfigValidationError("log", "level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	if !validFormats[c.Log.Format] {
		return errors.NewConfigValidationError("log", "format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	if (c.Log.Output == "syslog" || c.Log.Output == "combined") && c.Log.SyslogAddress == "" {
		return errors.NewConfigValidationError("log", "syslog_address", "required for syslog output")
	}

	// Metrics
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.NewConfigValidationError("metrics", "port", fmt.Sprintf("invalid port %d", c.Metrics.Port))
	}

	// Server
	if c.Server.ShutdownTimeout <= 0 {
		return errors.NewConfigValidationError("server", "shutdown_timeout", "must be positive")
	}

	return nil
}

// Load merges the YAML file at source and the environment onto c
func (c *BrokerConfig) Load(source string) error {
	loaded, err := load(c, source, nil)
	if err != nil {
		return err
	}
	*c = *loaded
	return nil
}

// Save writes the configuration as YAML
func (c *BrokerConfig) Save(destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// Marshal renders the configuration as YAML in the layout Load reads
func (c *BrokerConfig) Marshal() ([]byte, error) {
	node, err := toYAMLNode(reflect.ValueOf(*c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}

	data, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// toYAMLNode renders a koanf-tagged struct in field order, with durations
// written the way time.ParseDuration reads them.
func toYAMLNode(v reflect.Value) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("koanf")
		if key == "" || key == "-" {
			continue
		}

		fv := v.Field(i)
		var value *yaml.Node
		switch {
		case field.Type == durationType:
			value = &yaml.Node{Kind: yaml.ScalarNode, Value: time.Duration(fv.Int()).String()}
		case fv.Kind() == reflect.Struct:
			child, err := toYAMLNode(fv)
			if err != nil {
				return nil, err
			}
			value = child
		default:
			value = &yaml.Node{}
			if err := value.Encode(fv.Interface()); err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
		}

		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	}

	return node, nil
}
