package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for cross-field
// rules that cannot be expressed in tags (span geometry, uniqueness).
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Validate at least one volume exists
	if len(cfg.Volumes) == 0 {
		return fmt.Errorf("volumes: at least one volume must be configured")
	}

	// Validate volume names are unique
	names := make(map[string]bool)
	for i := range cfg.Volumes {
		vol := &cfg.Volumes[i]
		if names[vol.Name] {
			return fmt.Errorf("volumes[%d]: duplicate volume name %q", i, vol.Name)
		}
		names[vol.Name] = true

		if err := validateVolumeLayout(vol); err != nil {
			return fmt.Errorf("volumes[%d] (%s): %w", i, vol.Name, err)
		}
	}

	// Validate the wire adapter is enabled (a daemon without it serves nothing)
	if !cfg.Server.Wire.Enabled {
		return fmt.Errorf("server.wire: the wire adapter must be enabled")
	}

	// Validate registered app ids are unique (nonzero is tag-enforced)
	ids := make(map[uint32]bool)
	for i, app := range cfg.Identity.Apps {
		if ids[app.ID] {
			return fmt.Errorf("identity.apps[%d]: duplicate app id %d", i, app.ID)
		}
		ids[app.ID] = true
	}

	return nil
}

// validateVolumeLayout checks span geometry for one volume.
//
// The user and kernel spans must not overlap, and when the medium
// declares its size in the options, both spans must fit inside it.
func validateVolumeLayout(vol *VolumeConfig) error {
	layout := &vol.Layout

	// Guard against offset+size overflow before any range math
	if layout.UserSize > ^uint64(0)-layout.UserStart {
		return fmt.Errorf("layout: user span overflows")
	}
	if layout.KernelSize > ^uint64(0)-layout.KernelStart {
		return fmt.Errorf("layout: kernel span overflows")
	}

	userEnd := layout.UserStart + layout.UserSize
	kernelEnd := layout.KernelStart + layout.KernelSize

	// Spans must not overlap (a zero-length kernel span never overlaps)
	if layout.KernelSize > 0 {
		if layout.UserStart < kernelEnd && layout.KernelStart < userEnd {
			return fmt.Errorf("layout: user span [%d,%d) overlaps kernel span [%d,%d)",
				layout.UserStart, userEnd, layout.KernelStart, kernelEnd)
		}
	}

	// The region allocator needs room for the magic word, one header,
	// and at least one region inside the user span.
	if minimum := uint64(4+12) + vol.AppRegionSize; layout.UserSize < minimum {
		return fmt.Errorf("layout: user span of %d bytes cannot hold a %d-byte region (minimum %d)",
			layout.UserSize, vol.AppRegionSize, minimum)
	}

	// Check spans against the medium size when the options declare one
	if size := mediumDeclaredSize(&vol.Medium); size > 0 {
		if userEnd > size {
			return fmt.Errorf("layout: user span ends at %d, past medium size %d", userEnd, size)
		}
		if kernelEnd > size {
			return fmt.Errorf("layout: kernel span ends at %d, past medium size %d", kernelEnd, size)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
