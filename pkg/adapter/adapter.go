package adapter

import (
	"context"

	"github.com/nvmux/nvmux/pkg/registry"
)

// Adapter represents a protocol-specific server adapter managed by the
// nvmux server.
//
// Each adapter exposes the registered volumes over a specific surface
// (the wire protocol, the metrics endpoint) and provides a unified
// interface for lifecycle management. All adapters share the same
// volume registry.
//
// Lifecycle:
//  1. Creation: adapter is created with protocol-specific configuration
//  2. Registry injection: SetRegistry() provides shared volume access
//  3. Startup: Serve() starts the server and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetRegistry() is
// called once before Serve(), but Stop() may be called concurrently
// with Serve().
type Adapter interface {
	// Serve starts the server and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful
	// shutdown: stop accepting new connections, wait for in-flight work
	// to complete (with timeout), clean up, and return context.Canceled
	// or nil.
	//
	// If Serve returns before context cancellation, the server treats
	// it as a fatal error and stops all other adapters.
	Serve(ctx context.Context) error

	// SetRegistry injects the shared volume registry.
	//
	// Called exactly once before Serve(); no synchronization needed.
	SetRegistry(reg *registry.Registry)

	// Stop initiates graceful shutdown.
	//
	// Must be idempotent and safe to call concurrently with Serve().
	// The context controls the shutdown timeout; when cancelled,
	// remaining work is force-closed.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging.
	//
	// Examples: "wire", "metrics"
	Protocol() string

	// Port returns the TCP port the adapter is listening on, or 0 if
	// it has not started yet.
	Port() int
}
