package config

import (
	"fmt"

	"github.com/nvmux/nvmux/pkg/adapter"
	"github.com/nvmux/nvmux/pkg/adapter/metricsd"
	"github.com/nvmux/nvmux/pkg/adapter/wire"
	"github.com/nvmux/nvmux/pkg/metrics"
)

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// This factory function centralizes adapter creation logic and makes it easy to:
//   - Add new protocol adapters
//   - Configure metrics for all adapters
//   - Handle adapter-specific initialization
//
// The top-level identity section is folded into the wire adapter's
// configuration here: the adapter classifies attaching app ids, the
// config file keeps identity policy in one place.
//
// Parameters:
//   - cfg: The complete nvmux configuration
//   - wireMetrics: Optional wire metrics collector (nil = noop)
//
// Returns:
//   - []adapter.Adapter: List of enabled adapters ready to be added to the server
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, wireMetrics metrics.WireMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	// Create wire adapter if enabled
	if cfg.Server.Wire.Enabled {
		wireCfg := cfg.Server.Wire
		wireCfg.IdentityMode = wire.IdentityMode(cfg.Identity.Mode)
		wireCfg.FixedApps = fixedAppIDs(cfg.Identity.Apps)

		adapters = append(adapters, wire.New(wireCfg, wireMetrics))
	}

	// Create metrics adapter if enabled
	if cfg.Metrics.Enabled {
		adapters = append(adapters, metricsd.New(cfg.Metrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}

// fixedAppIDs flattens the registered app list into the id set the
// wire adapter consults in registry identity mode.
func fixedAppIDs(apps []AppConfig) []uint32 {
	if len(apps) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(apps))
	for _, app := range apps {
		ids = append(ids, app.ID)
	}
	return ids
}
