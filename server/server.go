package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/pool"
	"github.com/maxpert/timecapsule/promoter"
	"github.com/maxpert/timecapsule/stats"
	"github.com/maxpert/timecapsule/store"
)

const (
	ServerName = "timecapsule"
	Version    = "1.0.0"
)

// Server represents the broker: the listener, live connections and the
// components they share.
type Server struct {
	Addr             string
	Listener         net.Listener
	Connections      map[string]*Connection
	Subscribers      map[string]*Connection
	Mutex            sync.RWMutex
	Shutdown         bool
	Log              *zap.Logger
	Level            zap.AtomicLevel
	Config           *config.BrokerConfig
	Lifecycle        *LifecycleManager
	MetricsCollector interfaces.MetricsCollector
	StartTime        time.Time
	InstanceID       string

	Store    redis.UniversalClient
	Keys     keys.Namer
	Pool     *pool.Pool
	Promoter *promoter.Promoter
	Stats    *stats.Reporter

	handlers sync.WaitGroup

	messagesStored  atomic.Int64
	messagesFetched atomic.Int64
	bytesReceived   atomic.Int64
	bytesSent       atomic.Int64
}

// NewServer wires a broker around client using cfg. The server does not
// listen until Start or Listen is called.
func NewServer(cfg *config.BrokerConfig, client redis.UniversalClient, logger *zap.Logger) *Server {
	return newServer(cfg, client, logger, nil)
}

func newServer(cfg *config.BrokerConfig, client redis.UniversalClient, logger *zap.Logger, collector interfaces.MetricsCollector, opts ...promoter.Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = &interfaces.NoOpMetricsCollector{}
	}

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance_id", instanceID))
	namer := keys.NewNamer(cfg.Store.Namespace)

	s := &Server{
		Addr:             cfg.ListenAddress(),
		Connections:      make(map[string]*Connection),
		Subscribers:      make(map[string]*Connection),
		Log:              logger,
		Level:            zap.NewAtomicLevel(),
		Config:           cfg,
		MetricsCollector: collector,
		StartTime:        time.Now(),
		InstanceID:       instanceID,
		Store:            client,
		Keys:             namer,
	}

	s.Pool = pool.New(store.NewClientFactory(cfg.Store), cfg.Pool.MinIdle, logger.Named("pool"))
	opts = append([]promoter.Option{promoter.WithMetrics(collector)}, opts...)
	s.Promoter = promoter.New(client, namer, cfg.Promoter, cfg.Lock, logger.Named("promoter"), opts...)
	s.Stats = stats.NewReporter(client, namer, s, collector)
	return s
}

// Start listens and serves until the listener is closed
func (s *Server) Start() error {
	if err := s.Listen(context.Background()); err != nil {
		return err
	}
	return s.Serve()
}

// Listen opens the listening socket
func (s *Server) Listen(ctx context.Context) error {
	lc, err := listenConfig(s.Config.Network.ReusePort)
	if err != nil {
		return err
	}

	listener, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.Mutex.Lock()
	s.Listener = listener
	s.Addr = listener.Addr().String()
	s.Mutex.Unlock()

	s.Log.Info("Broker listening",
		zap.String("addr", s.Addr),
		zap.Bool("reuse_port", s.Config.Network.ReusePort))
	return nil
}

// Serve accepts connections until the listener is closed
func (s *Server) Serve() error {
	s.Mutex.RLock()
	listener := s.Listener
	s.Mutex.RUnlock()
	if listener == nil {
		return fmt.Errorf("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isShutdown() || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Log.Error("Error accepting connection", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.Mutex.Lock()
		if s.Shutdown {
			s.Mutex.Unlock()
			conn.Close()
			return nil
		}
		s.handlers.Add(1)
		s.Mutex.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection registers a client connection and runs its handler
func (s *Server) handleConnection(conn net.Conn) {
	defer s.handlers.Done()

	connection := newConnection(xid.New().String(), conn)

	s.Mutex.Lock()
	s.Connections[connection.ID] = connection
	s.Mutex.Unlock()
	s.MetricsCollector.RecordConnectionCreated()

	s.Log.Debug("Connection accepted",
		zap.String("connection_id", connection.ID),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	newHandler(s, connection).serve()

	s.Mutex.Lock()
	delete(s.Connections, connection.ID)
	s.Mutex.Unlock()
	s.MetricsCollector.RecordConnectionClosed()

	s.Log.Debug("Connection closed",
		zap.String("connection_id", connection.ID),
		zap.Duration("duration", time.Since(connection.ConnectedAt)))
}

// Stop stops accepting and waits for live connections to finish. It
// returns ctx.Err() if connections are still open when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.StopAccepting()
	return s.Drain(ctx)
}

// StopAccepting closes the listener. Live connections are not touched.
func (s *Server) StopAccepting() {
	s.Mutex.Lock()
	s.Shutdown = true
	listener := s.Listener
	s.Mutex.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.Log.Warn("Error closing listener", zap.Error(err))
		}
	}
}

// Drain waits until every connection handler has returned or ctx ends
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseConnections closes every live socket; their handlers restore any
// undelivered item on the way out. It returns how many were closed.
func (s *Server) CloseConnections() int {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()

	for _, conn := range s.Connections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
	return len(s.Connections)
}

func (s *Server) isShutdown() bool {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return s.Shutdown
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return len(s.Connections)
}

// SubscriberCount returns the number of connections blocked in FETCH
func (s *Server) SubscriberCount() int {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return len(s.Subscribers)
}

// IdleConnections returns the number of idle pooled consumer clients
func (s *Server) IdleConnections() int {
	return s.Pool.Idle()
}

func (s *Server) addSubscriber(conn *Connection) {
	s.Mutex.Lock()
	s.Subscribers[conn.ID] = conn
	count := len(s.Subscribers)
	s.Mutex.Unlock()
	s.MetricsCollector.SetSubscribers(count)
}

func (s *Server) removeSubscriber(conn *Connection) {
	s.Mutex.Lock()
	delete(s.Subscribers, conn.ID)
	count := len(s.Subscribers)
	s.Mutex.Unlock()
	s.MetricsCollector.SetSubscribers(count)
}

func (s *Server) updatePoolMetrics() {
	s.MetricsCollector.UpdatePoolMetrics(s.Pool.Idle(), s.Pool.InUse())
}

// network returns the wire settings new connections start with
func (s *Server) network() interfaces.NetworkConfig {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return s.Config.Network
}

// ApplyConfig takes over the settings of cfg that can change without a
// restart: log level, pool minimum and per-connection wire timings.
// Listener, store and promoter settings keep their startup values.
func (s *Server) ApplyConfig(cfg *config.BrokerConfig) {
	if level, err := zap.ParseAtomicLevel(cfg.Log.Level); err == nil {
		s.Level.SetLevel(level.Level())
	}
	s.Pool.SetMin(cfg.Pool.MinIdle)

	s.Mutex.Lock()
	s.Config.Log.Level = cfg.Log.Level
	s.Config.Pool.MinIdle = cfg.Pool.MinIdle
	s.Config.Network.PayloadSettle = cfg.Network.PayloadSettle
	s.Config.Network.KeepAliveInterval = cfg.Network.KeepAliveInterval
	s.Config.Network.ReadBufferSize = cfg.Network.ReadBufferSize
	s.Mutex.Unlock()

	s.Log.Info("Configuration reloaded",
		zap.String("log_level", cfg.Log.Level),
		zap.Int("pool_min_idle", cfg.Pool.MinIdle),
		zap.Duration("keepalive_interval", cfg.Network.KeepAliveInterval))
}

// Health reports whether the broker accepts traffic and reaches its store
func (s *Server) Health(ctx context.Context) error {
	if s.Lifecycle != nil {
		if state := s.Lifecycle.GetState(); state != StateRunning {
			return fmt.Errorf("broker is %s", state)
		}
	}
	if err := s.Store.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}
