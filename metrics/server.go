package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxpert/timecapsule/interfaces"
)

// HealthFunc reports whether the broker can serve traffic
type HealthFunc func(ctx context.Context) error

// StatusSource describes the running broker for the /status endpoint
type StatusSource interface {
	Health() interfaces.HealthStatus
	GetStats() *interfaces.ServerStats
	GetConnections() []interfaces.ConnectionInfo
}

// Status is the /status response body
type Status struct {
	Health      interfaces.HealthStatus     `json:"health"`
	Stats       *interfaces.ServerStats     `json:"stats"`
	Connections []interfaces.ConnectionInfo `json:"connections"`
}

// Server provides an HTTP server for Prometheus metrics
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	port       int
}

// NewServer creates a metrics HTTP server exposing gatherer on /metrics and
// health on /health. A nil gatherer uses the default registry.
func NewServer(port int, gatherer prometheus.Gatherer, health HealthFunc) *Server {
	if port == 0 {
		port = 9419
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		mux:  mux,
		port: port,
	}
}

// WithStatus serves the lifecycle health, traffic counters and live
// connections of src as JSON on /status
func (s *Server) WithStatus(src StatusSource) *Server {
	s.mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := Status{
			Health:      src.Health(),
			Stats:       src.GetStats(),
			Connections: src.GetConnections(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop; it returns http.ErrServerClosed after Stop
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the metrics HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Port returns the port the metrics server is listening on
func (s *Server) Port() int {
	return s.port
}
