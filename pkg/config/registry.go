package config

import (
	"context"
	"fmt"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/registry"
)

// BuildRegistry creates a fully configured Registry from the provided
// configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates the backing medium for each configured volume
//  2. Constructs the storage driver over it and runs the open protocol
//     (magic check, chain discovery) by registering the volume
//
// The resulting Registry contains all volumes ready for use by the
// adapters. On failure, volumes registered so far are closed.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Complete configuration loaded from config file
//
// Returns:
//   - *registry.Registry: Fully initialized registry
//   - error: If medium creation or volume registration fails
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.BuildRegistry(ctx, cfg)
//	if err != nil {
//	    log.Fatalf("Failed to build registry: %v", err)
//	}
func BuildRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	logger.Debug("Building registry from configuration")

	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if len(cfg.Volumes) == 0 {
		return nil, fmt.Errorf("no volumes configured: at least one volume is required")
	}

	reg := registry.NewRegistry()

	for i := range cfg.Volumes {
		volCfg := &cfg.Volumes[i]
		logger.Debug("Creating volume %q (medium: %s)", volCfg.Name, volCfg.Medium.Type)

		med, err := CreateMedium(ctx, &volCfg.Medium)
		if err != nil {
			closeRegistry(ctx, reg)
			return nil, fmt.Errorf("failed to create medium for volume %q: %w", volCfg.Name, err)
		}

		err = reg.AddVolume(ctx, &registry.VolumeConfig{
			Name:               volCfg.Name,
			Medium:             med,
			UserStart:          volCfg.Layout.UserStart,
			UserLength:         volCfg.Layout.UserSize,
			KernelStart:        volCfg.Layout.KernelStart,
			KernelLength:       volCfg.Layout.KernelSize,
			AppRegionSize:      volCfg.AppRegionSize,
			TransferBufferSize: volCfg.TransferBufferSize,
		})
		if err != nil {
			// The medium just created never made it into the registry
			_ = med.Close(ctx)
			closeRegistry(ctx, reg)
			return nil, fmt.Errorf("failed to register volume %q: %w", volCfg.Name, err)
		}

		logger.Debug("Volume %q registered successfully", volCfg.Name)
	}

	logger.Debug("Registered %d volume(s)", reg.CountVolumes())
	return reg, nil
}

// closeRegistry closes volumes registered so far, best effort.
func closeRegistry(ctx context.Context, reg *registry.Registry) {
	if err := reg.Close(ctx); err != nil {
		logger.Warn("Failed to close registry during rollback: %v", err)
	}
}
