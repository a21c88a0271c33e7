package config

import (
	"strings"
	"time"
)

// Default volume geometry used when no volumes are configured. An
// 8 MiB file-backed image split evenly between the user and kernel
// spans, with 2 KiB app regions.
const (
	defaultMediumPath = "/var/lib/nvmux/main.img"
	defaultMediumSize = uint64(8 << 20)
	defaultSpanSize   = uint64(4 << 20)
	defaultRegionSize = uint64(2048)
	defaultTransfer   = 512
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Medium-specific defaults are handled by the medium factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(cfg)
	applyWireDefaults(cfg)
	applyIdentityDefaults(&cfg.Identity)

	// Add default volume if none configured
	if len(cfg.Volumes) == 0 {
		cfg.Volumes = []VolumeConfig{defaultVolume()}
	}

	applyVolumeDefaults(cfg.Volumes)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)
}

// applyMetricsDefaults sets metrics endpoint defaults.
func applyMetricsDefaults(cfg *Config) {
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	// Enabled defaults to false (no metrics endpoint unless asked for)
}

// applyWireDefaults sets wire server defaults.
//
// wire.WireConfig applies its own defaults in wire.New; these are
// repeated here so that a loaded Config (and the generated sample
// file) shows the effective values.
func applyWireDefaults(cfg *Config) {
	w := &cfg.Server.Wire

	// Enable the wire adapter by default if it looks unconfigured.
	// A daemon with no adapter cannot serve anything, so a freshly
	// loaded config (with no config file) must have it on. Users can
	// explicitly set enabled: false together with a listen address.
	if !w.Enabled && w.Listen == "" {
		w.Enabled = true
	}

	if w.Listen == "" {
		w.Listen = ":5640"
	}
	if w.MaxConnections == 0 {
		w.MaxConnections = 64
	}
	if w.ReadTimeout == 0 {
		w.ReadTimeout = 5 * time.Minute
	}
	if w.WriteTimeout == 0 {
		w.WriteTimeout = 30 * time.Second
	}
	if w.IdleTimeout == 0 {
		w.IdleTimeout = 5 * time.Minute
	}
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = 30 * time.Second
	}
	// AdminToken defaults to "" (kernel procedures disabled)
	// RateLimit defaults to 0/0 (no throttling)
}

// applyIdentityDefaults sets identity classification defaults.
func applyIdentityDefaults(cfg *IdentityConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "open"
	}
	if cfg.Apps == nil {
		cfg.Apps = []AppConfig{}
	}
}

// applyVolumeDefaults sets per-volume defaults.
func applyVolumeDefaults(volumes []VolumeConfig) {
	for i := range volumes {
		vol := &volumes[i]

		if vol.Medium.Options == nil {
			vol.Medium.Options = make(map[string]any)
		}

		if vol.AppRegionSize == 0 {
			vol.AppRegionSize = defaultRegionSize
		}

		if vol.TransferBufferSize == 0 {
			vol.TransferBufferSize = defaultTransfer
		}

		// An empty layout means "split the medium's declared size in
		// half". Only applied when the medium size is discoverable
		// from the options; otherwise validation reports the missing
		// layout.
		if vol.Layout.UserSize == 0 && vol.Layout.KernelSize == 0 {
			if size := mediumDeclaredSize(&vol.Medium); size > 0 {
				half := size / 2
				vol.Layout = LayoutConfig{
					UserStart:   0,
					UserSize:    half,
					KernelStart: half,
					KernelSize:  size - half,
				}
			}
		}
	}
}

// defaultVolume returns the volume configuration used when the config
// file defines none: a file-backed image at the default path.
func defaultVolume() VolumeConfig {
	return VolumeConfig{
		Name: "main",
		Medium: MediumConfig{
			Type: "file",
			Options: map[string]any{
				"path": defaultMediumPath,
				"size": defaultMediumSize,
			},
		},
		Layout: LayoutConfig{
			UserStart:   0,
			UserSize:    defaultSpanSize,
			KernelStart: defaultSpanSize,
			KernelSize:  defaultMediumSize - defaultSpanSize,
		},
		AppRegionSize:      defaultRegionSize,
		TransferBufferSize: defaultTransfer,
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
