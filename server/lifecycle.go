package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/interfaces"
)

// forceShutdownTimeout bounds the wait for handlers after sockets are
// force-closed
const forceShutdownTimeout = 5 * time.Second

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LifecycleManager manages the server's lifecycle states and transitions
// and owns the background tasks started by hooks.
type LifecycleManager struct {
	server     *Server
	state      LifecycleState
	stateMutex sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startTime  time.Time
	stopTime   time.Time
	lastError  error
	hooks      []LifecycleHook
	config     *config.BrokerConfig
}

// LifecycleHook defines a hook that can be called during lifecycle events
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int // Lower numbers start first and stop last
}

// NewLifecycleManager creates a new lifecycle manager for the server
func NewLifecycleManager(server *Server, config *config.BrokerConfig) *LifecycleManager {
	return &LifecycleManager{
		server: server,
		state:  StateStopped,
		config: config,
		hooks:  make([]LifecycleHook, 0),
	}
}

// RegisterHook registers a lifecycle hook
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()

	if lm.state == StateRunning {
		return time.Since(lm.startTime)
	}
	if !lm.stopTime.IsZero() {
		return lm.stopTime.Sub(lm.startTime)
	}
	return 0
}

// GetLastError returns the last error that occurred during lifecycle operations
func (lm *LifecycleManager) GetLastError() error {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.lastError
}

// Start runs the start hooks in priority order, opens the listener and
// begins accepting. It returns once the broker is running.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if !lm.canTransitionTo(StateStarting) {
		return fmt.Errorf("cannot start server in state: %s", lm.GetState())
	}

	lm.stateMutex.Lock()
	lm.state = StateStarting
	lm.ctx, lm.cancel = context.WithCancel(ctx)
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnStart == nil {
			continue
		}
		if err := hook.OnStart(lm.ctx); err != nil {
			lm.cancel()
			lm.setError(fmt.Errorf("start hook '%s' failed: %w", hook.Name, err))
			return lm.GetLastError()
		}
	}

	if err := lm.server.Listen(lm.ctx); err != nil {
		lm.cancel()
		lm.setError(fmt.Errorf("server start failed: %w", err))
		return lm.GetLastError()
	}

	lm.Go("listener", func(context.Context) error {
		return lm.server.Serve()
	})

	lm.setState(StateRunning)
	lm.server.Log.Info("Broker started",
		zap.String("addr", lm.server.Addr),
		zap.String("version", Version))
	return nil
}

// Go runs fn in the background until the server stops. A failure other
// than cancellation puts the server in the error state.
func (lm *LifecycleManager) Go(name string, fn func(ctx context.Context) error) {
	ctx := lm.ctx
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		if err := fn(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			lm.server.Log.Error("Background task failed", zap.String("task", name), zap.Error(err))
			lm.setError(fmt.Errorf("%s failed: %w", name, err))
		}
	}()
}

// Stop gracefully stops the server: it stops accepting, cancels background
// tasks, waits for live connections up to the shutdown timeout and then
// runs the stop hooks in reverse order.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	currentState := lm.GetState()

	if currentState == StateStopped {
		return nil
	}

	if !lm.canTransitionTo(StateStopping) {
		return fmt.Errorf("cannot stop server in state: %s", currentState)
	}

	lm.stateMutex.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	lm.stateMutex.Unlock()

	lm.server.StopAccepting()
	if lm.cancel != nil {
		lm.cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, lm.getShutdownTimeout())
	defer shutdownCancel()

	if err := lm.server.Drain(shutdownCtx); err != nil {
		closed := lm.server.CloseConnections()
		lm.server.Log.Warn("Shutdown timeout reached, closed remaining connections",
			zap.Int("connections", closed))
	}

	return lm.finish(lm.runStopHooks)
}

// Shutdown forcefully shuts down the server
func (lm *LifecycleManager) Shutdown() error {
	currentState := lm.GetState()

	if currentState == StateStopped {
		return nil
	}

	lm.stateMutex.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	lm.stateMutex.Unlock()

	if lm.cancel != nil {
		lm.cancel()
	}

	return lm.forceShutdown()
}

// forceShutdown closes the listener and every live socket
func (lm *LifecycleManager) forceShutdown() error {
	lm.server.StopAccepting()
	lm.server.CloseConnections()
	return lm.finish(lm.runStopHooks)
}

// finish waits for connection handlers and background tasks, then runs
// cleanup and marks the server stopped. Earlier failures stay available
// through GetLastError.
func (lm *LifecycleManager) finish(cleanup func()) error {
	done := make(chan struct{})
	go func() {
		lm.server.handlers.Wait()
		lm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(forceShutdownTimeout):
		err = fmt.Errorf("force shutdown timed out")
		lm.setError(err)
	}

	cleanup()
	lm.setState(StateStopped)
	lm.server.Log.Info("Broker stopped", zap.Duration("uptime", lm.GetUptime()))
	return err
}

func (lm *LifecycleManager) runStopHooks() {
	lm.stateMutex.RLock()
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), forceShutdownTimeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(ctx); err != nil {
			err = fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err)
			lm.server.Log.Warn("Stop hook failed", zap.Error(err))
			if hook.OnError != nil {
				hook.OnError(err)
			}
		}
	}
}

// Health returns the server health status
func (lm *LifecycleManager) Health() interfaces.HealthStatus {
	state := lm.GetState()
	uptime := lm.GetUptime()
	lastError := lm.GetLastError()

	status := interfaces.HealthStatus{
		Uptime:    uptime,
		Timestamp: time.Now(),
	}

	switch state {
	case StateRunning:
		status.Status = "healthy"
	case StateStarting:
		status.Status = "starting"
	case StateStopping:
		status.Status = "stopping"
	case StateStopped:
		status.Status = "stopped"
	case StateError:
		status.Status = "unhealthy"
		if lastError != nil {
			status.Errors = []string{lastError.Error()}
		}
	default:
		status.Status = "unknown"
		status.Warnings = []string{"unknown server state"}
	}

	return status
}

// GetStats returns server statistics
func (lm *LifecycleManager) GetStats() *interfaces.ServerStats {
	s := lm.server
	return &interfaces.ServerStats{
		Uptime:          lm.GetUptime(),
		Connections:     s.ConnectionCount(),
		Subscribers:     s.SubscriberCount(),
		IdleConnections: s.Pool.Idle(),
		InUseClients:    s.Pool.InUse(),
		MessagesStored:  s.messagesStored.Load(),
		MessagesFetched: s.messagesFetched.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
	}
}

// GetConnections returns information about active connections
func (lm *LifecycleManager) GetConnections() []interfaces.ConnectionInfo {
	lm.server.Mutex.RLock()
	defer lm.server.Mutex.RUnlock()

	connections := make([]interfaces.ConnectionInfo, 0, len(lm.server.Connections))
	for _, conn := range lm.server.Connections {
		connections = append(connections, conn.Info())
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].ConnectedAt.Before(connections[j].ConnectedAt)
	})
	return connections
}

// canTransitionTo checks if we can transition to the given state
func (lm *LifecycleManager) canTransitionTo(target LifecycleState) bool {
	current := lm.GetState()

	switch target {
	case StateStarting:
		return current == StateStopped
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true
	default:
		return false
	}
}

// setError sets the error state and stores the error
func (lm *LifecycleManager) setError(err error) {
	lm.stateMutex.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}

// getShutdownTimeout returns the shutdown timeout from configuration
func (lm *LifecycleManager) getShutdownTimeout() time.Duration {
	if lm.config != nil && lm.config.Server.ShutdownTimeout > 0 {
		return lm.config.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
