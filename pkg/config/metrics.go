package config

import (
	"github.com/nvmux/nvmux/pkg/metrics"
)

// InitializeMetrics initializes metrics collection based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Returns a Prometheus-backed wire metrics collector
//
// If metrics are disabled:
//   - Leaves the global registry uninitialized
//   - Returns a no-op implementation (zero overhead)
//
// Storage metrics are created per volume by the registry and pick the
// same enabled/noop split from the global registry state, so this
// must run before BuildRegistry.
//
// Parameters:
//   - cfg: The complete nvmux configuration
//
// Returns:
//   - metrics.WireMetrics collector for the wire adapter (never nil)
func InitializeMetrics(cfg *Config) metrics.WireMetrics {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	return metrics.NewWireMetrics()
}
