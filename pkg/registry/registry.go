package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/medium"
	"github.com/nvmux/nvmux/pkg/metrics"
	"github.com/nvmux/nvmux/pkg/storage"
)

// Registry manages all named volumes. It provides thread-safe
// registration and lookup; the wire adapter resolves volumes by name
// at attach time.
//
// Example usage:
//
//	reg := registry.NewRegistry()
//	reg.AddVolume(ctx, &registry.VolumeConfig{
//		Name:          "main",
//		Medium:        med,
//		UserLength:    4 << 20,
//		KernelStart:   4 << 20,
//		KernelLength:  4 << 20,
//		AppRegionSize: 2048,
//	})
//
//	vol, _ := reg.GetVolume("main")
//	vol.Driver.Read(ident, buf, 0, 512)
type Registry struct {
	mu      sync.RWMutex
	volumes map[string]*Volume
}

// Volume is one registered volume: a medium, the driver multiplexing
// it, and the hub fanning completions out to attached sessions.
type Volume struct {
	Name   string
	Medium medium.Medium
	Driver *storage.Driver
	Hub    *Hub
}

// VolumeConfig describes a volume to register.
type VolumeConfig struct {
	Name   string
	Medium medium.Medium

	// Span geometry; see storage.Config.
	UserStart    uint64
	UserLength   uint64
	KernelStart  uint64
	KernelLength uint64

	AppRegionSize      uint64
	TransferBufferSize int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{volumes: make(map[string]*Volume)}
}

// AddVolume constructs a driver over the configured medium, opens the
// volume (running the magic-check protocol), and registers it.
// Returns an error if a volume with the same name already exists or
// the volume fails to open.
func (r *Registry) AddVolume(ctx context.Context, config *VolumeConfig) error {
	if config.Name == "" {
		return fmt.Errorf("cannot add volume with empty name")
	}
	if config.Medium == nil {
		return fmt.Errorf("cannot add volume %q with nil medium", config.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.volumes[config.Name]; exists {
		return fmt.Errorf("volume %q already exists", config.Name)
	}

	hub := NewHub()
	driver, err := storage.New(storage.Config{
		Volume:             config.Name,
		Medium:             config.Medium,
		UserStart:          config.UserStart,
		UserLength:         config.UserLength,
		KernelStart:        config.KernelStart,
		KernelLength:       config.KernelLength,
		AppRegionSize:      config.AppRegionSize,
		TransferBufferSize: config.TransferBufferSize,
		Notifier:           hub,
		Kernel:             hub.Kernel(),
		Metrics:            metrics.NewStorageMetrics(config.Name),
	})
	if err != nil {
		return fmt.Errorf("volume %q: %w", config.Name, err)
	}
	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("volume %q: open: %w", config.Name, err)
	}

	r.volumes[config.Name] = &Volume{
		Name:   config.Name,
		Medium: config.Medium,
		Driver: driver,
		Hub:    hub,
	}
	return nil
}

// GetVolume retrieves a volume by name.
func (r *Registry) GetVolume(name string) (*Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vol, exists := r.volumes[name]
	if !exists {
		return nil, fmt.Errorf("volume %q not found", name)
	}
	return vol, nil
}

// VolumeExists checks if a volume with the given name is registered.
func (r *Registry) VolumeExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.volumes[name]
	return exists
}

// ListVolumes returns all registered volume names.
// The returned slice is a copy and safe to modify.
func (r *Registry) ListVolumes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.volumes))
	for name := range r.volumes {
		names = append(names, name)
	}
	return names
}

// CountVolumes returns the number of registered volumes.
func (r *Registry) CountVolumes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.volumes)
}

// Close syncs and closes every volume's medium and empties the
// registry. The first error is returned, but all volumes are closed
// regardless.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, vol := range r.volumes {
		if err := vol.Medium.Sync(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("volume %q: sync: %w", name, err)
		}
		if err := vol.Medium.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("volume %q: close: %w", name, err)
		}
		logger.Debug("closed volume %q", name)
		delete(r.volumes, name)
	}
	return firstErr
}
