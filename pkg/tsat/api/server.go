// Package api serves estimator state over HTTP and streams updates over a
// websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/config"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ConfigFrom builds a server config from a service configuration.
func ConfigFrom(c *config.Config) Config {
	cfg := DefaultConfig()
	cfg.Addr = c.GetAPIAddr()
	return cfg
}

// Server exposes a Registry over HTTP.
type Server struct {
	registry *tsat.Registry
	history  HistoryStore
	hub      *hub

	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool
}

// NewServer creates a server for registry. history may be nil, in which case
// the history endpoint answers 503. The server subscribes to registry updates
// immediately; it is not listening until Start is called.
func NewServer(cfg Config, registry *tsat.Registry, history HistoryStore) (*Server, error) {
	if registry == nil {
		return nil, errors.New("api: nil registry")
	}
	s := &Server{
		registry: registry,
		history:  history,
		hub:      newHub(),
	}
	go s.hub.run()
	registry.OnUpdate(s.publish)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(HTMLPage))
	})
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/estimators", s.handleEstimators)
	mux.HandleFunc("GET /api/estimators/{name}", s.handleEstimator)
	mux.HandleFunc("GET /api/estimators/{name}/history", s.handleHistory)
	mux.HandleFunc("POST /api/measurements", s.handleMeasurement)
	mux.Handle("GET /ws", s.hub)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the server's HTTP handler, for mounting under httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("api: failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tsat.Logf("api: serve: %v", err)
		}
	}()

	return s.addr, nil
}

// Shutdown disconnects websocket clients and gracefully shuts down the
// server. Registry updates published afterwards are discarded.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	return s.hub.count()
}

// Dropped returns how many websocket clients were disconnected for falling
// behind the update stream.
func (s *Server) Dropped() uint64 {
	return s.hub.dropped.Load()
}
