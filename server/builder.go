package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/metrics"
	"github.com/maxpert/timecapsule/promoter"
	"github.com/maxpert/timecapsule/store"
)

// Hook priorities; lower starts first and stops last
const (
	priorityStore    = 10
	priorityPool     = 20
	priorityPromoter = 30
	priorityMetrics  = 40
)

// ServerBuilder provides a fluent API for building brokers
type ServerBuilder struct {
	config   *config.BrokerConfig
	logger   *zap.Logger
	level    *zap.AtomicLevel
	store    redis.UniversalClient
	metrics  interfaces.MetricsCollector
	gatherer prometheus.Gatherer
	clock    interfaces.Clock
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		config: config.DefaultConfig(),
	}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.BrokerConfig) *ServerBuilder {
	return &ServerBuilder{
		config: cfg,
	}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(config *config.BrokerConfig) *ServerBuilder {
	b.config = config
	return b
}

// WithAddress sets the listen host
func (b *ServerBuilder) WithAddress(host string) *ServerBuilder {
	b.config.Network.Host = host
	return b
}

// WithPort sets the listen port
func (b *ServerBuilder) WithPort(port int) *ServerBuilder {
	b.config.Network.Port = port
	return b
}

// WithLogger sets the logger. Without one the builder creates it from the
// log configuration.
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a console logger at the given level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	logCfg := b.config.Log
	logCfg.Output = "console"
	logCfg.Level = level

	logger, atomicLevel, err := NewLogger(logCfg)
	if err != nil {
		logger, _ = zap.NewProduction()
		atomicLevel = parseZapLevel(level)
	}
	b.logger = logger
	b.level = &atomicLevel
	return b
}

// WithStoreClient sets the shared store client instead of dialing one from
// the store configuration
func (b *ServerBuilder) WithStoreClient(client redis.UniversalClient) *ServerBuilder {
	b.store = client
	return b
}

// WithMetrics sets the metrics collector
func (b *ServerBuilder) WithMetrics(collector interfaces.MetricsCollector) *ServerBuilder {
	b.metrics = collector
	return b
}

// WithGatherer sets what the metrics endpoint exposes
func (b *ServerBuilder) WithGatherer(gatherer prometheus.Gatherer) *ServerBuilder {
	b.gatherer = gatherer
	return b
}

// WithClock sets the clock the promoter compares embargo dates against
func (b *ServerBuilder) WithClock(clock interfaces.Clock) *ServerBuilder {
	b.clock = clock
	return b
}

// Build constructs the server with all configured components
func (b *ServerBuilder) Build() (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return b.build()
}

// BuildUnsafe constructs the server without validation
func (b *ServerBuilder) BuildUnsafe() *Server {
	server, err := b.build()
	if err != nil {
		b.logger = zap.NewNop()
		server, _ = b.build()
	}
	return server
}

func (b *ServerBuilder) build() (*Server, error) {
	logger := b.logger
	level := zap.NewAtomicLevel()
	if b.level != nil {
		level = *b.level
	}
	if logger == nil {
		var err error
		logger, level, err = NewLogger(b.config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	collector := b.metrics
	gatherer := b.gatherer
	if collector == nil && b.config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(ServerName, registry)
		if gatherer == nil {
			gatherer = registry
		}
	}

	client := b.store
	if client == nil {
		client = redis.NewClient(store.Options(b.config.Store))
	}

	var opts []promoter.Option
	if b.clock != nil {
		opts = append(opts, promoter.WithClock(b.clock))
	}

	server := newServer(b.config, client, logger, collector, opts...)
	server.Level = level
	server.Lifecycle = NewLifecycleManager(server, b.config)
	registerHooks(server, gatherer)

	return server, nil
}

// registerHooks attaches the broker components to the lifecycle
func registerHooks(s *Server, gatherer prometheus.Gatherer) {
	lm := s.Lifecycle
	cfg := s.Config

	lm.RegisterHook(LifecycleHook{
		Name:     "store",
		Priority: priorityStore,
		OnStart: func(ctx context.Context) error {
			return store.Ping(ctx, s.Store, cfg.Store.Address, s.Log)
		},
		OnStop: func(context.Context) error {
			return s.Store.Close()
		},
	})

	lm.RegisterHook(LifecycleHook{
		Name:     "pool",
		Priority: priorityPool,
		OnStart: func(ctx context.Context) error {
			if err := s.Pool.Warm(ctx); err != nil {
				return err
			}
			s.updatePoolMetrics()
			lm.Go("pool sweeper", func(ctx context.Context) error {
				s.Pool.Run(ctx, cfg.Pool.SweepInterval)
				return nil
			})
			return nil
		},
		OnStop: func(context.Context) error {
			s.Pool.Close()
			return nil
		},
	})

	lm.RegisterHook(LifecycleHook{
		Name:     "promoter",
		Priority: priorityPromoter,
		OnStart: func(context.Context) error {
			lm.Go("promoter", s.Promoter.Run)
			return nil
		},
	})

	if !cfg.Metrics.Enabled {
		return
	}

	metricsServer := metrics.NewServer(cfg.Metrics.Port, gatherer, s.Health).WithStatus(lm)
	lm.RegisterHook(LifecycleHook{
		Name:     "metrics",
		Priority: priorityMetrics,
		OnStart: func(context.Context) error {
			lm.Go("metrics server", func(context.Context) error {
				if err := metricsServer.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			s.Log.Info("Metrics server listening", zap.Int("port", metricsServer.Port()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return metricsServer.Stop(ctx)
		},
	})
}
