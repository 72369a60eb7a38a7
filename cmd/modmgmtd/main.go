// Package main is the entry point for the module management daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/hardware/sim"
	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println("Module Management Daemon")
		fmt.Println("Version:", version)
		fmt.Println("Commit:", commit)
		fmt.Println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting module management daemon",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("side", cfg.Platform.Side),
		zap.String("storage", cfg.Storage.Backend),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Daemon error", zap.Error(err))
	}
	logger.Info("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	side, err := domain.ParseSide(cfg.Platform.Side)
	if err != nil {
		return fmt.Errorf("failed to parse platform side: %w", err)
	}

	b, err := openBackends(ctx, cfg, side, logger)
	if err != nil {
		return err
	}

	file := sim.DefaultFile()
	if cfg.Hardware.SimulationFile != "" {
		if file, err = sim.LoadFile(cfg.Hardware.SimulationFile); err != nil {
			b.close(logger)
			return err
		}
	}
	enc, err := sim.New(file, side, b.bus, logger)
	if err != nil {
		b.close(logger)
		return fmt.Errorf("failed to build simulated enclosure: %w", err)
	}

	deps := modmgmt.Deps{
		Board:     enc,
		Transport: enc,
		Rebooter:  enc,
		Firmware:  enc,
		Store:     b.store,
		Registry:  b.registry,
		Bus:       b.bus,
	}
	if b.peer != nil {
		deps.Channel = b.peer
	}

	mgr, err := modmgmt.New(cfg, deps, logger)
	if err != nil {
		b.close(logger)
		return fmt.Errorf("failed to create module manager: %w", err)
	}

	srv, err := server.New(cfg, mgr, logger, b.serverOptions(cfg)...)
	if err != nil {
		b.close(logger)
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}
