package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InitConfig creates a default configuration file at the default location.
//
// The generated file contains all default values with explanatory
// comments, ready to be edited.
//
// Parameters:
//   - force: Overwrite an existing config file
//
// Returns:
//   - string: Path of the created config file
//   - error: If the file exists (without force) or cannot be written
func InitConfig(force bool) (string, error) {
	configPath := GetDefaultConfigPath()
	if err := InitConfigToPath(configPath, force); err != nil {
		return "", err
	}
	return configPath, nil
}

// InitConfigToPath creates a default configuration file at the given path.
//
// Parent directories are created as needed.
func InitConfigToPath(configPath string, force bool) error {
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file already exists at %s (use force to overwrite)", configPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders a configuration as commented YAML.
//
// The output is hand-assembled rather than marshaled so each section
// can carry usage comments; the result must stay loadable by Load.
func generateYAMLWithComments(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is nil")
	}

	var b strings.Builder

	b.WriteString("# nvmux Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Values can be overridden with NVMUX_* environment variables,\n")
	b.WriteString("# e.g. NVMUX_LOGGING_LEVEL=DEBUG.\n\n")

	// Logging
	b.WriteString("# Logging configuration\n")
	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  # Minimum level to output: DEBUG, INFO, WARN, ERROR\n")
	fmt.Fprintf(&b, "  level: %s\n\n", cfg.Logging.Level)

	// Metrics
	b.WriteString("# Prometheus metrics endpoint\n")
	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %v\n", cfg.Metrics.Enabled)
	fmt.Fprintf(&b, "  listen: %q\n\n", cfg.Metrics.Listen)

	// Server
	b.WriteString("# Protocol servers\n")
	b.WriteString("server:\n")
	b.WriteString("  wire:\n")
	fmt.Fprintf(&b, "    enabled: %v\n", cfg.Server.Wire.Enabled)
	fmt.Fprintf(&b, "    listen: %q\n", cfg.Server.Wire.Listen)
	fmt.Fprintf(&b, "    # Maximum concurrent client connections (0 = unlimited)\n")
	fmt.Fprintf(&b, "    max_connections: %d\n", cfg.Server.Wire.MaxConnections)
	fmt.Fprintf(&b, "    shutdown_timeout: %s\n", cfg.Server.Wire.ShutdownTimeout)
	fmt.Fprintf(&b, "    # Token required to attach with kernel privileges.\n")
	fmt.Fprintf(&b, "    # Empty disables kernel procedures entirely.\n")
	fmt.Fprintf(&b, "    admin_token: %q\n", cfg.Server.Wire.AdminToken)
	fmt.Fprintf(&b, "    # Per-connection request throttle (0 = disabled)\n")
	fmt.Fprintf(&b, "    rate_limit:\n")
	fmt.Fprintf(&b, "      rps: %d\n", cfg.Server.Wire.RateLimit.RPS)
	fmt.Fprintf(&b, "      burst: %d\n\n", cfg.Server.Wire.RateLimit.Burst)

	// Identity
	b.WriteString("# App identity classification\n")
	b.WriteString("identity:\n")
	fmt.Fprintf(&b, "  # open: every nonzero app id keeps its region across reboots\n")
	fmt.Fprintf(&b, "  # registry: only the apps listed below do; others are ephemeral\n")
	fmt.Fprintf(&b, "  mode: %s\n", cfg.Identity.Mode)
	if len(cfg.Identity.Apps) == 0 {
		b.WriteString("  apps: []\n")
		b.WriteString("  # apps:\n")
		b.WriteString("  #   - id: 1\n")
		b.WriteString("  #     name: sensor-log\n\n")
	} else {
		b.WriteString("  apps:\n")
		for _, app := range cfg.Identity.Apps {
			fmt.Fprintf(&b, "    - id: %d\n", app.ID)
			if app.Name != "" {
				fmt.Fprintf(&b, "      name: %s\n", app.Name)
			}
		}
		b.WriteString("\n")
	}

	// Volumes
	b.WriteString("# Volumes served by this daemon\n")
	b.WriteString("volumes:\n")
	for i := range cfg.Volumes {
		vol := &cfg.Volumes[i]
		fmt.Fprintf(&b, "  - name: %s\n", vol.Name)
		fmt.Fprintf(&b, "    # Backing medium: memory, file, mmap, badger, or s3\n")
		fmt.Fprintf(&b, "    medium:\n")
		fmt.Fprintf(&b, "      type: %s\n", vol.Medium.Type)
		for _, key := range sortedOptionKeys(vol.Medium.Options) {
			fmt.Fprintf(&b, "      %s: %s\n", key, yamlScalar(vol.Medium.Options[key]))
		}
		fmt.Fprintf(&b, "    # Span layout on the medium (bytes)\n")
		fmt.Fprintf(&b, "    layout:\n")
		fmt.Fprintf(&b, "      user_start: %d\n", vol.Layout.UserStart)
		fmt.Fprintf(&b, "      user_size: %d\n", vol.Layout.UserSize)
		fmt.Fprintf(&b, "      kernel_start: %d\n", vol.Layout.KernelStart)
		fmt.Fprintf(&b, "      kernel_size: %d\n", vol.Layout.KernelSize)
		fmt.Fprintf(&b, "    # Fixed size of each allocated app region\n")
		fmt.Fprintf(&b, "    app_region_size: %d\n", vol.AppRegionSize)
		fmt.Fprintf(&b, "    # Per-operation transfer cap in bytes\n")
		fmt.Fprintf(&b, "    transfer_buffer_size: %d\n", vol.TransferBufferSize)
	}

	return b.String(), nil
}

// sortedOptionKeys returns medium option keys in stable order so the
// generated file is deterministic.
func sortedOptionKeys(options map[string]any) []string {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// yamlScalar renders a medium option value as a YAML scalar.
func yamlScalar(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
