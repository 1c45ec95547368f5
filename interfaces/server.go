package interfaces

import (
	"context"
	"time"
)

// Server defines the interface for broker server implementations
type Server interface {
	// Start starts the server with the given context
	Start(ctx context.Context) error

	// Stop gracefully stops the server
	Stop(ctx context.Context) error

	// Health returns the server health status
	Health() HealthStatus

	// GetStats returns server statistics
	GetStats() *ServerStats

	// GetConnections returns active connections
	GetConnections() []ConnectionInfo
}

// HealthStatus represents server health information
type HealthStatus struct {
	Status    string        `json:"status"`
	Uptime    time.Duration `json:"uptime"`
	Errors    []string      `json:"errors,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServerStats provides server statistics
type ServerStats struct {
	Uptime          time.Duration `json:"uptime"`
	Connections     int           `json:"connections"`
	Subscribers     int           `json:"subscribers"`
	IdleConnections int           `json:"idle_connections"`
	InUseClients    int           `json:"in_use_clients"`
	MessagesStored  int64         `json:"messages_stored"`
	MessagesFetched int64         `json:"messages_fetched"`
	BytesReceived   int64         `json:"bytes_received"`
	BytesSent       int64         `json:"bytes_sent"`
}

// ConnectionInfo provides information about a connection
type ConnectionInfo struct {
	ID            string    `json:"id"`
	RemoteAddress string    `json:"remote_address"`
	State         string    `json:"state"`
	Queue         string    `json:"queue,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
}
