// Package main implements the entry point for the FieldLink platform.
// FieldLink integrates industrial equipment over OPC UA, MQTT, and REST,
// normalizes their readings, detects anomalies, and serves the result
// through a REST API and a websocket push channel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/adapter/mqttadp"
	"github.com/c360/fieldlink/adapter/opcuaadp"
	"github.com/c360/fieldlink/adapter/restadp"
	"github.com/c360/fieldlink/anomaly"
	"github.com/c360/fieldlink/api"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/connmgr"
	"github.com/c360/fieldlink/export"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/ingest"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/store/rediscache"
	"github.com/c360/fieldlink/store/sqlite"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "fieldlink"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	api.Version = Version

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting fieldlink",
		"config_dir", cliCfg.ConfigPath,
		"db_dsn", cfg.Database.DSN,
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	ctx := context.Background()
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	// Persistence.
	st, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	monitor.UpdateHealthy("store", "sqlite ready")

	// Event bus: NATS when configured, in-process loopback otherwise.
	var eventBus bus.Bus
	if cfg.NATS.Enabled {
		nb, err := bus.ConnectNATS(bus.NATSOptions{
			URL:           cfg.NATS.URL,
			ReconnectWait: cfg.NATS.ReconnectWait,
			ClientName:    appName,
		}, logger, registry.Core)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		eventBus = nb
	} else {
		eventBus = bus.NewLoopback()
	}
	defer eventBus.Close(ctx)

	// Optional latest-reading cache.
	var cache *rediscache.Cache
	if cfg.Redis.Enabled {
		cache, err = rediscache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
		if err != nil {
			// The cache is best-effort; a missing Redis degrades reads,
			// it does not block startup.
			logger.Warn("redis unavailable, running without latest cache", "error", err)
			monitor.UpdateDegraded("cache", err.Error())
			cache = nil
		} else {
			defer cache.Close()
			monitor.UpdateHealthy("cache", "redis connected")
		}
	}

	adapters := adapter.NewRegistry(
		opcuaadp.New(logger),
		mqttadp.New(logger),
		restadp.New(nil, logger),
	)

	detector := anomaly.New(st, eventBus, cfg.Anomaly, registry, logger)

	pipeline := ingest.New(st, cache, detector, eventBus, cfg.Ingest, registry, monitor, logger)
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start ingest pipeline: %w", err)
	}
	defer pipeline.Stop(cfg.Server.ShutdownTimeout)

	manager := connmgr.New(st, adapters, eventBus, pipeline, cfg.Connection,
		registry.Core, monitor, logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	exports := export.New(st, cfg.Export, registry, logger,
		export.NewCSVSink(cfg.Export.Dir), export.NewJSONSink(cfg.Export.Dir))
	if err := exports.Start(ctx); err != nil {
		return fmt.Errorf("start export service: %w", err)
	}
	defer exports.Stop(cfg.Server.ShutdownTimeout)

	deps := api.Dependencies{
		Store:    st,
		Manager:  manager,
		Pipeline: pipeline,
		Detector: detector,
		Exports:  exports,
		Adapters: adapters,
		Bus:      eventBus,
		Registry: registry,
		Monitor:  monitor,
		Logger:   logger,
	}
	if cache != nil {
		deps.Cache = cache
	}
	server := api.NewServer(deps, cfg.Server, cfg.RateLimit)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	return waitForShutdown(ctx, logger, cfg.Server.ShutdownTimeout, server, manager)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in dependency
// order: API first so no new work arrives, then the supervision units.
func waitForShutdown(ctx context.Context, logger *slog.Logger,
	timeout time.Duration, server *api.Server, manager *connmgr.Manager) error {

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("connection manager shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
