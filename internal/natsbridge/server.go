// Package natsbridge republishes bus events to an embedded NATS server
// so external consumers (dashboards, trainers) can attach without
// touching process internals.
package natsbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerConfig holds configuration for the embedded NATS server
type ServerConfig struct {
	Port       int // Port to listen on
	MaxPayload int32
}

// EmbeddedServer wraps the NATS server
type EmbeddedServer struct {
	server  *server.Server
	config  ServerConfig
	mu      sync.Mutex
	running bool
}

// NewEmbeddedServer creates a new embedded NATS server instance
func NewEmbeddedServer(config ServerConfig) *EmbeddedServer {
	if config.Port <= 0 {
		config.Port = 4222
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = 1024 * 1024
	}
	return &EmbeddedServer{config: config}
}

// Start starts the embedded NATS server and waits for it to accept
// connections
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: e.config.MaxPayload,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}
	e.server = ns

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("server not ready for connections")
	}
	e.running = true
	return nil
}

// Stop shuts the server down
func (e *EmbeddedServer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
}

// URL returns the client connection URL
func (e *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}
