package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_EmptyConfig(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Metrics.Listen != ":9090" {
		t.Errorf("Expected default metrics listen ':9090', got %q", cfg.Metrics.Listen)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if !cfg.Server.Wire.Enabled {
		t.Error("Expected wire adapter enabled by default")
	}
	if cfg.Server.Wire.Listen != ":5640" {
		t.Errorf("Expected default wire listen ':5640', got %q", cfg.Server.Wire.Listen)
	}
	if cfg.Server.Wire.MaxConnections != 64 {
		t.Errorf("Expected default max_connections 64, got %d", cfg.Server.Wire.MaxConnections)
	}
	if cfg.Server.Wire.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.Wire.ShutdownTimeout)
	}
	if cfg.Identity.Mode != "open" {
		t.Errorf("Expected default identity mode 'open', got %q", cfg.Identity.Mode)
	}
}

func TestApplyDefaults_LogLevelNormalized(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected normalized 'WARN', got %q", cfg.Logging.Level)
	}
}

func TestApplyDefaults_ExplicitValuesPreserved(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Wire.Listen = "127.0.0.1:7000"
	cfg.Server.Wire.MaxConnections = 8
	cfg.Metrics.Enabled = true
	ApplyDefaults(cfg)

	if cfg.Server.Wire.Listen != "127.0.0.1:7000" {
		t.Errorf("Explicit listen was overwritten: %q", cfg.Server.Wire.Listen)
	}
	if cfg.Server.Wire.MaxConnections != 8 {
		t.Errorf("Explicit max_connections was overwritten: %d", cfg.Server.Wire.MaxConnections)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Explicit metrics.enabled was overwritten")
	}
}

func TestApplyDefaults_DefaultVolume(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if len(cfg.Volumes) != 1 {
		t.Fatalf("Expected 1 default volume, got %d", len(cfg.Volumes))
	}

	vol := cfg.Volumes[0]
	if vol.Name != "main" {
		t.Errorf("Expected default volume name 'main', got %q", vol.Name)
	}
	if vol.Medium.Type != "file" {
		t.Errorf("Expected default medium type 'file', got %q", vol.Medium.Type)
	}
	if vol.Layout.UserSize == 0 || vol.Layout.KernelSize == 0 {
		t.Errorf("Expected nonzero default spans, got %+v", vol.Layout)
	}
	if vol.Layout.UserSize+vol.Layout.KernelSize != defaultMediumSize {
		t.Errorf("Expected spans to cover the medium, got %+v", vol.Layout)
	}
	if vol.AppRegionSize != defaultRegionSize {
		t.Errorf("Expected default region size %d, got %d", defaultRegionSize, vol.AppRegionSize)
	}
}

func TestApplyDefaults_LayoutDerivedFromMediumSize(t *testing.T) {
	cfg := &Config{
		Volumes: []VolumeConfig{
			{
				Name: "derived",
				Medium: MediumConfig{
					Type:    "memory",
					Options: map[string]any{"size": uint64(16384)},
				},
				AppRegionSize: 128,
			},
		},
	}
	ApplyDefaults(cfg)

	layout := cfg.Volumes[0].Layout
	if layout.UserSize != 8192 || layout.KernelStart != 8192 || layout.KernelSize != 8192 {
		t.Errorf("Expected even split of the medium, got %+v", layout)
	}
}

func TestApplyDefaults_ExplicitLayoutPreserved(t *testing.T) {
	cfg := &Config{
		Volumes: []VolumeConfig{
			{
				Name: "explicit",
				Medium: MediumConfig{
					Type:    "memory",
					Options: map[string]any{"size": uint64(16384)},
				},
				Layout: LayoutConfig{
					UserStart: 0,
					UserSize:  16384,
				},
				AppRegionSize: 128,
			},
		},
	}
	ApplyDefaults(cfg)

	layout := cfg.Volumes[0].Layout
	if layout.UserSize != 16384 || layout.KernelSize != 0 {
		t.Errorf("Explicit layout was overwritten: %+v", layout)
	}
}

func TestGetDefaultConfig_Validates(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
}
