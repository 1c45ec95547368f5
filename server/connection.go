package server

import (
	"net"
	"sync"
	"time"

	"github.com/maxpert/timecapsule/interfaces"
)

// ConnectionState is the protocol state of a client connection
type ConnectionState string

const (
	ConnectionIdle      ConnectionState = "idle"
	ConnectionStoring   ConnectionState = "storing"
	ConnectionWaiting   ConnectionState = "waiting"
	ConnectionDelivered ConnectionState = "delivered"
	ConnectionStats     ConnectionState = "stats"
	ConnectionClosing   ConnectionState = "closing"
)

// Connection is a client socket tracked by the server
type Connection struct {
	ID          string
	Conn        net.Conn
	ConnectedAt time.Time

	mu           sync.Mutex
	state        ConnectionState
	queue        string
	lastActivity time.Time
}

func newConnection(id string, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		state:        ConnectionIdle,
		lastActivity: now,
	}
}

func (c *Connection) setState(state ConnectionState, queue string) {
	c.mu.Lock()
	c.state = state
	if queue != "" {
		c.queue = queue
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// State returns the current protocol state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info describes the connection for management views
func (c *Connection) Info() interfaces.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	remote := ""
	if c.Conn != nil {
		remote = c.Conn.RemoteAddr().String()
	}
	return interfaces.ConnectionInfo{
		ID:            c.ID,
		RemoteAddress: remote,
		State:         string(c.state),
		Queue:         c.queue,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
	}
}
