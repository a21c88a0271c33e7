package config

import (
	"context"
	"strings"
	"testing"

	"github.com/nvmux/nvmux/pkg/adapter/wire"
)

func memoryVolume(name string) VolumeConfig {
	return VolumeConfig{
		Name: name,
		Medium: MediumConfig{
			Type:    "memory",
			Options: map[string]any{"size": uint64(8192)},
		},
		Layout: LayoutConfig{
			UserStart:   0,
			UserSize:    4096,
			KernelStart: 4096,
			KernelSize:  4096,
		},
		AppRegionSize: 256,
	}
}

func TestBuildRegistry_Success(t *testing.T) {
	ctx := context.Background()

	cfg := &Config{Volumes: []VolumeConfig{memoryVolume("main"), memoryVolume("scratch")}}
	ApplyDefaults(cfg)

	reg, err := BuildRegistry(ctx, cfg)
	if err != nil {
		t.Fatalf("BuildRegistry failed: %v", err)
	}
	defer func() { _ = reg.Close(ctx) }()

	if reg.CountVolumes() != 2 {
		t.Errorf("Expected 2 volumes, got %d", reg.CountVolumes())
	}

	vol, err := reg.GetVolume("main")
	if err != nil {
		t.Fatalf("GetVolume failed: %v", err)
	}
	if vol.Driver == nil {
		t.Error("Volume has no driver")
	}
}

func TestBuildRegistry_NoVolumes(t *testing.T) {
	_, err := BuildRegistry(context.Background(), &Config{})
	if err == nil || !strings.Contains(err.Error(), "at least one volume") {
		t.Fatalf("Expected missing volumes error, got: %v", err)
	}
}

func TestBuildRegistry_BadMedium(t *testing.T) {
	cfg := &Config{Volumes: []VolumeConfig{memoryVolume("main")}}
	ApplyDefaults(cfg)
	cfg.Volumes[0].Medium.Options = map[string]any{} // size missing

	_, err := BuildRegistry(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "failed to create medium") {
		t.Fatalf("Expected medium creation error, got: %v", err)
	}
}

func TestBuildRegistry_BadGeometry(t *testing.T) {
	cfg := &Config{Volumes: []VolumeConfig{memoryVolume("main")}}
	ApplyDefaults(cfg)
	// Spans past the end of the medium surface from the driver
	cfg.Volumes[0].Layout.KernelSize = 1 << 30

	_, err := BuildRegistry(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "failed to register volume") {
		t.Fatalf("Expected registration error, got: %v", err)
	}
}

func TestCreateAdapters_WireAndMetrics(t *testing.T) {
	cfg := &Config{Volumes: []VolumeConfig{memoryVolume("main")}}
	ApplyDefaults(cfg)
	cfg.Metrics.Enabled = true
	cfg.Identity.Mode = "registry"
	cfg.Identity.Apps = []AppConfig{{ID: 1, Name: "sensor-log"}}

	adapters, err := CreateAdapters(cfg, nil)
	if err != nil {
		t.Fatalf("CreateAdapters failed: %v", err)
	}

	if len(adapters) != 2 {
		t.Fatalf("Expected 2 adapters, got %d", len(adapters))
	}

	wireAdapter, ok := adapters[0].(*wire.WireAdapter)
	if !ok {
		t.Fatalf("Expected first adapter to be the wire adapter, got %T", adapters[0])
	}
	if wireAdapter.Protocol() != "wire" {
		t.Errorf("Expected protocol 'wire', got %q", wireAdapter.Protocol())
	}

	if adapters[1].Protocol() != "metrics" {
		t.Errorf("Expected protocol 'metrics', got %q", adapters[1].Protocol())
	}
}

func TestCreateAdapters_NoneEnabled(t *testing.T) {
	cfg := &Config{Volumes: []VolumeConfig{memoryVolume("main")}}
	ApplyDefaults(cfg)
	cfg.Server.Wire.Enabled = false
	cfg.Metrics.Enabled = false

	_, err := CreateAdapters(cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "no adapters enabled") {
		t.Fatalf("Expected no adapters error, got: %v", err)
	}
}
