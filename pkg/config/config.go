package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvmux/nvmux/pkg/adapter/metricsd"
	"github.com/nvmux/nvmux/pkg/adapter/wire"
	"github.com/spf13/viper"
)

// Config represents the complete nvmux configuration.
//
// This structure captures all configurable aspects of the nvmux daemon
// including:
//   - Logging configuration
//   - Metrics endpoint configuration
//   - Wire protocol server settings
//   - Identity classification (fixed vs ephemeral app ids)
//   - Volume definitions (medium backing, span layout, region sizing)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (NVMUX_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Medium Configuration Pattern:
// Each medium backend defines its own option struct and factory. The
// MediumConfig carries the backend type plus the remaining keys of the
// medium section, and only the factory for the selected type decodes
// them.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics configures the Prometheus HTTP endpoint.
	// Uses the metricsd.MetricsConfig type directly to avoid duplication.
	Metrics metricsd.MetricsConfig `mapstructure:"metrics"`

	// Server contains protocol server settings
	Server ServerConfig `mapstructure:"server"`

	// Identity controls how attaching app ids are classified
	Identity IdentityConfig `mapstructure:"identity"`

	// Volumes defines the list of volumes served by this daemon
	Volumes []VolumeConfig `mapstructure:"volumes" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ServerConfig contains protocol server settings.
type ServerConfig struct {
	// Wire contains wire protocol configuration.
	// Uses the wire.WireConfig type directly to avoid duplication.
	Wire wire.WireConfig `mapstructure:"wire"`
}

// IdentityConfig controls app identity classification at attach time.
type IdentityConfig struct {
	// Mode selects the classification policy
	// Valid values: open (every nonzero id is fixed), registry (only
	// listed apps are fixed, the rest attach as ephemeral)
	Mode string `mapstructure:"mode" validate:"required,oneof=open registry"`

	// Apps lists the registered applications. Only consulted in
	// registry mode.
	Apps []AppConfig `mapstructure:"apps" validate:"dive"`
}

// AppConfig describes one registered application.
type AppConfig struct {
	// ID is the application identity tag. Zero is the sentinel owner
	// on media and is never a valid app id.
	ID uint32 `mapstructure:"id" validate:"required,gt=0"`

	// Name is a human-readable label used in logs only
	Name string `mapstructure:"name"`
}

// VolumeConfig defines a single volume.
type VolumeConfig struct {
	// Name is the volume name clients attach to (e.g., "main")
	Name string `mapstructure:"name" validate:"required"`

	// Medium specifies the backing medium type and type-specific options
	Medium MediumConfig `mapstructure:"medium"`

	// Layout positions the user and kernel spans on the medium
	Layout LayoutConfig `mapstructure:"layout"`

	// AppRegionSize is the fixed size of each allocated app region in bytes
	AppRegionSize uint64 `mapstructure:"app_region_size" validate:"required,gt=0"`

	// TransferBufferSize caps bytes moved per operation. Zero selects
	// the driver default (512).
	TransferBufferSize int `mapstructure:"transfer_buffer_size" validate:"min=0"`
}

// MediumConfig specifies the medium backing a volume.
//
// The Type field determines which backend is used. All remaining keys
// of the medium section are collected into Options and decoded by the
// factory for the selected type.
type MediumConfig struct {
	// Type specifies which medium backend to use
	// Valid values: memory, file, mmap, badger, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory file mmap badger s3"`

	// Options holds the backend-specific keys (path, size, bucket, ...)
	Options map[string]any `mapstructure:",remain"`
}

// LayoutConfig positions the user and kernel spans on the medium.
//
// The user span holds the header-chain directory and app regions; the
// kernel span is raw storage reserved for the kernel client. Spans must
// not overlap and must fit inside the medium.
type LayoutConfig struct {
	// UserStart is the byte offset of the user span
	UserStart uint64 `mapstructure:"user_start"`

	// UserSize is the user span length in bytes
	UserSize uint64 `mapstructure:"user_size" validate:"required,gt=0"`

	// KernelStart is the byte offset of the kernel span
	KernelStart uint64 `mapstructure:"kernel_start"`

	// KernelSize is the kernel span length in bytes. Zero disables the
	// kernel span.
	KernelSize uint64 `mapstructure:"kernel_size"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NVMUX_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use NVMUX_ prefix and underscores
	// Example: NVMUX_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NVMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/nvmux/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults. Viper
		// reports this differently for searched vs explicit paths.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		// Other errors are problems
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nvmux")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "nvmux")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
