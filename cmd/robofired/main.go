package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EndrewSK/TCC/internal/capture"
	"github.com/EndrewSK/TCC/internal/config"
	"github.com/EndrewSK/TCC/internal/core"
)

const defaultConfigPath = "config/robofire.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional KEY=VALUE file loaded before the configuration")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug || cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting robofire service",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"source", cfg.Source.URI,
		"debug", logLevel == slog.LevelDebug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	robofire, err := core.New(cfg, logger)
	if err != nil {
		slog.Error("failed to create robofire service", "error", err)
		os.Exit(1)
	}

	if err := robofire.StartHealthServer(cfg.HealthAddr); err != nil {
		slog.Error("failed to start health check server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- robofire.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errChan:
		switch {
		case errors.Is(err, capture.ErrSourceOpen):
			slog.Error("startup failed: video source could not be opened", "error", err)
			exitCode = 1
		case err != nil:
			slog.Error("service error", "error", err)
			exitCode = 1
		default:
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := robofire.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := robofire.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	slog.Info("robofire service stopped successfully")
}
