package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/medium"
	mediumBadger "github.com/nvmux/nvmux/pkg/medium/badger"
	mediumFile "github.com/nvmux/nvmux/pkg/medium/file"
	mediumMemory "github.com/nvmux/nvmux/pkg/medium/memory"
	mediumMmap "github.com/nvmux/nvmux/pkg/medium/mmap"
	mediumS3 "github.com/nvmux/nvmux/pkg/medium/s3"
)

// CreateMedium creates a medium based on configuration.
//
// This factory function uses the Type field to determine which backend
// to create, then decodes the backend-specific options from the
// remaining medium keys and passes them to the backend's constructor.
//
// Supported types:
//   - "memory": Uses pkg/medium/memory (volatile, tests and scratch volumes)
//   - "file": Uses pkg/medium/file (flat image file)
//   - "mmap": Uses pkg/medium/mmap (memory-mapped image file)
//   - "badger": Uses pkg/medium/badger (sectors in a BadgerDB key-value store)
//   - "s3": Uses pkg/medium/s3 (volume image object on S3-compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Medium configuration
//
// Returns:
//   - medium.Medium: Initialized medium
//   - error: Configuration or initialization error
func CreateMedium(ctx context.Context, cfg *MediumConfig) (medium.Medium, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryMedium(cfg.Options)
	case "file":
		return createFileMedium(cfg.Options)
	case "mmap":
		return createMmapMedium(cfg.Options)
	case "badger":
		return createBadgerMedium(cfg.Options)
	case "s3":
		return createS3Medium(ctx, cfg.Options)
	default:
		return nil, fmt.Errorf("unknown medium type: %q", cfg.Type)
	}
}

// mediumDeclaredSize extracts the size option shared by every backend,
// for layout validation and defaulting. Returns 0 when the options do
// not declare one (or it is malformed; the factory reports that).
func mediumDeclaredSize(cfg *MediumConfig) uint64 {
	var sized struct {
		Size uint64 `mapstructure:"size"`
	}
	if err := mapstructure.WeakDecode(cfg.Options, &sized); err != nil {
		return 0
	}
	return sized.Size
}

// createMemoryMedium creates a volatile in-memory medium.
func createMemoryMedium(options map[string]any) (medium.Medium, error) {
	type MemoryMediumConfig struct {
		Size uint64 `mapstructure:"size"`
	}

	var cfg MemoryMediumConfig
	if err := mapstructure.WeakDecode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory medium config: %w", err)
	}

	if cfg.Size == 0 {
		return nil, fmt.Errorf("memory medium: size is required")
	}

	return mediumMemory.New(cfg.Size), nil
}

// createFileMedium creates a flat image-file medium.
func createFileMedium(options map[string]any) (medium.Medium, error) {
	type FileMediumConfig struct {
		Path string `mapstructure:"path"`
		Size uint64 `mapstructure:"size"`
	}

	var cfg FileMediumConfig
	if err := mapstructure.WeakDecode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode file medium config: %w", err)
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("file medium: path is required")
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("file medium: size is required")
	}

	m, err := mediumFile.Open(cfg.Path, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to open file medium: %w", err)
	}

	return m, nil
}

// createMmapMedium creates a memory-mapped image-file medium.
func createMmapMedium(options map[string]any) (medium.Medium, error) {
	type MmapMediumConfig struct {
		Path string `mapstructure:"path"`
		Size uint64 `mapstructure:"size"`
	}

	var cfg MmapMediumConfig
	if err := mapstructure.WeakDecode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode mmap medium config: %w", err)
	}

	if cfg.Path == "" {
		return nil, fmt.Errorf("mmap medium: path is required")
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("mmap medium: size is required")
	}

	m, err := mediumMmap.Open(cfg.Path, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap medium: %w", err)
	}

	return m, nil
}

// createBadgerMedium creates a BadgerDB-backed medium.
func createBadgerMedium(options map[string]any) (medium.Medium, error) {
	type BadgerMediumConfig struct {
		Dir        string `mapstructure:"dir"`
		Size       uint64 `mapstructure:"size"`
		SectorSize int    `mapstructure:"sector_size"`
		InMemory   bool   `mapstructure:"in_memory"`
	}

	var cfg BadgerMediumConfig
	if err := mapstructure.WeakDecode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger medium config: %w", err)
	}

	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger medium: dir is required")
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("badger medium: size is required")
	}

	m, err := mediumBadger.Open(mediumBadger.Options{
		Dir:        cfg.Dir,
		Size:       cfg.Size,
		SectorSize: cfg.SectorSize,
		InMemory:   cfg.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open badger medium: %w", err)
	}

	return m, nil
}

// createS3Medium creates an S3-backed medium.
func createS3Medium(ctx context.Context, options map[string]any) (medium.Medium, error) {
	type S3MediumConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		Key             string `mapstructure:"key"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		Size            uint64 `mapstructure:"size"`
		CachePath       string `mapstructure:"cache_path"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var cfg S3MediumConfig
	if err := mapstructure.WeakDecode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 medium config: %w", err)
	}

	// Validate required fields
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 medium: bucket is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("s3 medium: key is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 medium: region is required")
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("s3 medium: size is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	// Set region
	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	// Set custom endpoint if provided (for MinIO, Localstack, etc.)
	if cfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Set credentials if provided, otherwise use default credential chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Configure retries for better resilience against temporary S3 failures
	// Default to 10 retries if not specified (increased from AWS default of 3)
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries // Retry for transient errors (502, 503, timeouts, etc.)
		})
	}))

	// Load AWS config
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Force path-style addressing for compatibility with MinIO/Localstack
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Stage the volume image
	// ========================================================================

	m, err := mediumS3.Open(ctx, mediumS3.Options{
		Client:    client,
		Bucket:    cfg.Bucket,
		Key:       cfg.Key,
		Size:      cfg.Size,
		CachePath: cfg.CachePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open S3 medium: %w", err)
	}

	logger.Info("S3 medium staged: bucket=%s, key=%s, region=%s",
		cfg.Bucket, cfg.Key, cfg.Region)

	return m, nil
}
