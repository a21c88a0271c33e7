package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/metrics"
	"github.com/nvmux/nvmux/pkg/registry"
)

// IdentityMode selects how application identities presented at attach
// time are classified.
type IdentityMode string

const (
	// IdentityOpen treats every nonzero app id as fixed across reboots.
	// Suitable for trusted deployments where clients manage their own
	// id space.
	IdentityOpen IdentityMode = "open"

	// IdentityRegistry treats only configured app ids as fixed; all
	// other ids attach with an ephemeral identity that cannot hold a
	// durable region.
	IdentityRegistry IdentityMode = "registry"
)

// WireAdapter implements the adapter.Adapter interface for the nvmux
// wire protocol.
//
// The adapter manages the TCP listener and connection lifecycle. Each
// accepted connection is handled by a Connection instance that runs the
// record-framed request/reply cycle and pushes completion notifications.
// Graceful shutdown is coordinated across all active connections using
// context cancellation and wait groups.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (signals in-flight requests to abort)
//  4. Wait for active connections to complete (up to ShutdownTimeout)
//  5. Force-close any remaining connections after timeout
type WireAdapter struct {
	config WireConfig

	// listener is closed during shutdown to stop accepting connections
	listener net.Listener

	// port is the bound TCP port, resolved once Serve is listening
	port atomic.Int32

	// registry resolves volumes by name at attach time
	registry *registry.Registry

	// metrics is the wire metrics sink; never nil after New
	metrics metrics.WireMetrics

	// activeConns tracks connections for graceful shutdown
	activeConns sync.WaitGroup

	shutdownOnce sync.Once

	// shutdown signals that shutdown has been initiated
	shutdown chan struct{}

	connCount atomic.Int32

	// connSemaphore limits concurrent connections when MaxConnections > 0
	connSemaphore chan struct{}

	// shutdownCtx is cancelled during shutdown to abort in-flight
	// requests; handed to every connection
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps remote address to net.Conn for forced
	// closure after the shutdown timeout
	activeConnections sync.Map
}

// WireConfig holds configuration for the wire protocol server.
//
// Zero timeout values mean no timeout, except ShutdownTimeout which
// defaults to 30s.
type WireConfig struct {
	// Enabled controls whether the wire adapter is started.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the TCP listen address, e.g. ":5640".
	Listen string `mapstructure:"listen"`

	// MaxConnections limits concurrent client connections.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// ReadTimeout bounds reading one complete record.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds writing one reply or notification.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout closes connections with no traffic between requests.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout bounds the wait for active connections during
	// graceful shutdown. Must be > 0.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// AdminToken gates the kernel-direct procedures. Empty disables
	// them entirely.
	AdminToken string `mapstructure:"admin_token"`

	// RateLimit throttles requests per session. Zero RPS disables.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// IdentityMode classifies attaching app ids; see IdentityOpen and
	// IdentityRegistry. Defaults to open.
	IdentityMode IdentityMode `mapstructure:"identity_mode"`

	// FixedApps lists the app ids treated as fixed in registry mode.
	FixedApps []uint32 `mapstructure:"fixed_apps"`
}

// RateLimitConfig configures the per-session token bucket.
type RateLimitConfig struct {
	RPS   uint `mapstructure:"rps" validate:"min=0"`
	Burst uint `mapstructure:"burst" validate:"min=0"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *WireConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5640"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.IdentityMode == "" {
		c.IdentityMode = IdentityOpen
	}
}

// validate checks that the configuration is usable.
func (c *WireConfig) validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.IdentityMode != IdentityOpen && c.IdentityMode != IdentityRegistry {
		return fmt.Errorf("invalid identity mode %q", c.IdentityMode)
	}
	return nil
}

// New creates a WireAdapter with the specified configuration.
//
// The adapter is created stopped. Call SetRegistry() to inject the
// volume registry, then Serve() to start accepting connections.
//
// Panics if config validation fails (programmer error).
func New(config WireConfig, wireMetrics metrics.WireMetrics) *WireAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid wire config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("wire connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("wire connection limit: unlimited")
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	if wireMetrics == nil {
		wireMetrics = metrics.NewWireMetrics()
	}

	return &WireAdapter{
		config:         config,
		metrics:        wireMetrics,
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetRegistry injects the shared volume registry.
func (s *WireAdapter) SetRegistry(reg *registry.Registry) {
	s.registry = reg
	logger.Debug("wire registry configured (%d volumes)", reg.CountVolumes())
}

// Serve starts the wire server and blocks until the context is
// cancelled or an unrecoverable error occurs.
//
// Serve accepts incoming TCP connections on the configured address and
// spawns a goroutine per connection. When the context is cancelled it
// stops accepting, cancels in-flight request contexts, waits up to
// ShutdownTimeout for connections to drain, then force-closes whatever
// is left.
func (s *WireAdapter) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to create wire listener on %s: %w", s.config.Listen, err)
	}

	s.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(addr.Port))
	}
	logger.Info("wire server listening on %s", listener.Addr())
	logger.Debug("wire config: max_connections=%d read_timeout=%v write_timeout=%v idle_timeout=%v identity_mode=%s",
		s.config.MaxConnections, s.config.ReadTimeout, s.config.WriteTimeout,
		s.config.IdleTimeout, s.config.IdentityMode)

	go func() {
		<-ctx.Done()
		logger.Info("wire shutdown signal received: %v", ctx.Err())
		s.initiateShutdown()
	}()

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("error accepting wire connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		s.activeConnections.Store(connAddr, tcpConn)

		s.metrics.RecordConnectionAccepted()
		currentConns := s.connCount.Load()
		s.metrics.SetActiveConnections(currentConns)

		logger.Debug("wire connection accepted from %s (active: %d)", connAddr, currentConns)

		conn := newConnection(s, tcpConn)
		go func(addr string, tcp net.Conn) {
			defer func() {
				s.activeConnections.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				currentConns := s.connCount.Load()
				s.metrics.SetActiveConnections(currentConns)

				logger.Debug("wire connection closed from %s (active: %d)", addr, currentConns)
			}()

			conn.Serve(s.shutdownCtx)
		}(connAddr, tcpConn)
	}
}

// initiateShutdown signals the server to begin graceful shutdown.
// Safe to call multiple times.
func (s *WireAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("wire shutdown initiated")

		close(s.shutdown)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("error closing wire listener: %v", err)
			}
		}

		// Abort in-flight requests; connections detect the cancelled
		// context and exit their serve loops.
		s.cancelRequests()
	})
}

// gracefulShutdown waits for active connections to complete or for the
// configured timeout, force-closing whatever remains.
func (s *WireAdapter) gracefulShutdown() error {
	activeCount := s.connCount.Load()
	logger.Info("wire graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		activeCount, s.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("wire graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("wire shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)
		s.forceCloseConnections()
		return fmt.Errorf("wire shutdown timeout: %d connections force-closed", remaining)
	}
}

// forceCloseConnections closes all active TCP connections to accelerate
// shutdown after the graceful timeout expired.
func (s *WireAdapter) forceCloseConnections() {
	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		addr := key.(string)
		conn := value.(net.Conn)

		if err := conn.Close(); err != nil {
			logger.Debug("error force-closing connection to %s: %v", addr, err)
		} else {
			closedCount++
		}
		return true
	})

	if closedCount > 0 {
		logger.Info("force-closed %d wire connection(s)", closedCount)
	}
}

// Stop initiates graceful shutdown of the wire server.
//
// Safe to call multiple times and concurrently with Serve(). The
// context overrides the configured shutdown timeout: if it is cancelled
// before connections complete, Stop returns the context error.
func (s *WireAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("wire graceful shutdown complete: all connections closed")
		return nil

	case <-ctx.Done():
		remaining := s.connCount.Load()
		logger.Warn("wire shutdown context cancelled: %d connection(s) still active: %v",
			remaining, ctx.Err())
		s.forceCloseConnections()
		return ctx.Err()
	}
}

// GetActiveConnections returns the current number of active
// connections. Primarily used for testing and monitoring.
func (s *WireAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Port returns the bound TCP port, or 0 before Serve has started
// listening.
func (s *WireAdapter) Port() int {
	return int(s.port.Load())
}

// Protocol returns "wire" as the protocol identifier.
func (s *WireAdapter) Protocol() string {
	return "wire"
}
