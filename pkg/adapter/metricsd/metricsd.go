// Package metricsd exposes the Prometheus metrics registry over HTTP
// as a server adapter.
package metricsd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/metrics"
	"github.com/nvmux/nvmux/pkg/registry"
)

// MetricsAdapter implements the adapter.Adapter interface for the
// metrics endpoint.
//
// It serves:
//   - GET /metrics: Prometheus metrics in text format
//   - GET /healthz: liveness probe listing registered volumes
type MetricsAdapter struct {
	config MetricsConfig

	server *http.Server
	port   atomic.Int32

	registry *registry.Registry

	shutdownOnce sync.Once
}

// MetricsConfig configures the metrics HTTP endpoint.
type MetricsConfig struct {
	// Enabled controls whether the metrics adapter is started.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the HTTP listen address, e.g. ":9090".
	Listen string `mapstructure:"listen"`
}

func (c *MetricsConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
}

// New creates a metrics adapter. Call SetRegistry before Serve.
func New(config MetricsConfig) *MetricsAdapter {
	config.applyDefaults()
	return &MetricsAdapter{config: config}
}

// SetRegistry injects the shared volume registry, used by the health
// endpoint.
func (a *MetricsAdapter) SetRegistry(reg *registry.Registry) {
	a.registry = reg
}

// Serve starts the HTTP server and blocks until the context is
// cancelled or the server fails.
func (a *MetricsAdapter) Serve(ctx context.Context) error {
	mux := http.NewServeMux()

	if metrics.IsEnabled() {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "metrics collection is disabled\n")
		})
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if a.registry == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintln(w, "no registry")
			return
		}
		_, _ = fmt.Fprintf(w, "ok: %d volume(s)\n", a.registry.CountVolumes())
		for _, name := range a.registry.ListVolumes() {
			_, _ = fmt.Fprintf(w, "volume %s\n", name)
		}
	})

	listener, err := net.Listen("tcp", a.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to create metrics listener on %s: %w", a.config.Listen, err)
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		a.port.Store(int32(addr.Port))
	}

	a.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening on %s", listener.Addr())
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("metrics server shutdown signal received")
		// A fresh context: the cancelled one would abort the drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop gracefully shuts the HTTP server down. Idempotent.
func (a *MetricsAdapter) Stop(ctx context.Context) error {
	var shutdownErr error
	a.shutdownOnce.Do(func() {
		if a.server == nil {
			return
		}
		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		} else {
			logger.Info("metrics server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the bound HTTP port, or 0 before Serve.
func (a *MetricsAdapter) Port() int {
	return int(a.port.Load())
}

// Protocol returns "metrics".
func (a *MetricsAdapter) Protocol() string {
	return "metrics"
}
