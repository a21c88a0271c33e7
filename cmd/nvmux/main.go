package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/config"
	"github.com/nvmux/nvmux/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	initConfig := flag.Bool("init-config", false, "Write a default config file and exit")
	forceInit := flag.Bool("force", false, "Overwrite an existing config file with -init-config")
	flag.Parse()

	// Generate a starter config file and exit
	if *initConfig {
		path := *configPath
		var err error
		if path == "" {
			path, err = config.InitConfig(*forceInit)
		} else {
			err = config.InitConfigToPath(path, *forceInit)
		}
		if err != nil {
			log.Fatalf("Failed to initialize config: %v", err)
		}
		fmt.Printf("Config file written to %s\n", path)
		return
	}

	// Load configuration (file, environment, defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flag overrides config file
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(level)

	fmt.Println("nvmux - persistent storage multiplexer")
	logger.Info("Log level set to: %s", level)

	// Create cancellable context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics must come up before the registry so per-volume storage
	// metrics attach to the initialized Prometheus registry
	wireMetrics := config.InitializeMetrics(cfg)
	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled on %s", cfg.Metrics.Listen)
	}

	// Build the volume registry: opens every medium and runs the
	// on-media discovery protocol
	reg, err := config.BuildRegistry(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Error("Failed to close registry: %v", err)
		}
	}()

	for _, name := range reg.ListVolumes() {
		vol, _ := reg.GetVolume(name)
		stats := vol.Driver.Stats()
		logger.Info("Volume %q ready: %d region(s) discovered", name, stats.Regions)
	}

	// Create adapters and the server hosting them
	adapters, err := config.CreateAdapters(cfg, wireMetrics)
	if err != nil {
		log.Fatalf("Failed to create adapters: %v", err)
	}

	srv := server.New(reg)
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			log.Fatalf("Failed to add %s adapter: %v", a.Protocol(), err)
		}
	}

	logger.Info("Server configuration:")
	logger.Info("  Wire listen: %s", cfg.Server.Wire.Listen)
	if cfg.Server.Wire.MaxConnections > 0 {
		logger.Info("  Max connections: %d", cfg.Server.Wire.MaxConnections)
	} else {
		logger.Info("  Max connections: unlimited")
	}
	logger.Info("  Identity mode: %s (%d registered app(s))", cfg.Identity.Mode, len(cfg.Identity.Apps))
	if cfg.Server.Wire.AdminToken == "" {
		logger.Info("  Kernel procedures: disabled (no admin token)")
	} else {
		logger.Info("  Kernel procedures: enabled")
	}

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil && err != context.Canceled {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}
