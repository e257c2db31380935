// Package main implements the entry point for the Envy reconciliation
// service. Envy ingests game-state snapshots, reconciles per-game live
// status messages across tiered channels, and sweeps stale and orphaned
// state in the background.
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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/nexusus/envy/config"
	"github.com/nexusus/envy/format"
	"github.com/nexusus/envy/gateway"
	"github.com/nexusus/envy/input"
	"github.com/nexusus/envy/metric"
	"github.com/nexusus/envy/reconcile"
	"github.com/nexusus/envy/store"
	"github.com/nexusus/envy/sweeper"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "envy"
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
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Envy (game-state reconciliation)",
		"version", Version,
		"build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	nc, js, err := connectNATS(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	registry := metric.NewRegistry()

	sw, consumer, err := buildComponents(cfg, rdb, nc, js, registry, logger)
	if err != nil {
		return err
	}

	metricsServer := metric.NewServer(cfg.MetricsPort, registry, map[string]metric.ReadinessCheck{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"nats": func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		},
	}, logger)

	return runWithSignalHandling(ctx, metricsServer, sw, consumer, cliCfg.ShutdownTimeout)
}

// connectRedis opens the shared-store connection and verifies it
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("Connected to redis")
	return rdb, nil
}

// connectNATS establishes the event-transport connection
func connectNATS(cfg *config.Config) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	slog.Info("Connected to NATS", "url", cfg.NATSURL)
	return nc, js, nil
}

// buildComponents wires the store, gateway, engine, sweeper and consumer
func buildComponents(
	cfg *config.Config,
	rdb *redis.Client,
	nc *nats.Conn,
	js jetstream.JetStream,
	registry *metric.Registry,
	logger *slog.Logger,
) (*sweeper.Sweeper, *input.Consumer, error) {
	st := store.New(rdb, logger)
	lock := store.NewLock(rdb, cfg.LockTTL)
	limiter := store.NewLimiter(rdb,
		store.Ceiling{Kind: input.KindRequest, Limit: cfg.RequestLimit, Window: cfg.RequestWindow},
		store.Ceiling{Kind: input.KindAuth, Limit: cfg.AuthAttemptLimit, Window: cfg.AuthAttemptWindow},
	)

	gwOpts := gateway.DefaultOptions()
	gwOpts.BaseURL = cfg.APIBaseURL
	gwOpts.BotToken = cfg.BotToken
	gw, err := gateway.New(gwOpts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create gateway client: %w", err)
	}

	engine, err := reconcile.New(st, lock, gw, format.New(appName), reconcile.Options{
		Buckets:             cfg.Buckets,
		ModerationChannelID: cfg.ModerationChannelID,
		ModerationThreshold: cfg.ModerationThreshold,
		ExclusionMarkers:    cfg.ExclusionMarkers,
	}, registry.Metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	sweepDests := append(cfg.Buckets.Destinations(), cfg.ModerationChannelID)
	sw, err := sweeper.New(st, gw, lock, sweeper.Options{
		Interval:     cfg.SweepInterval,
		StaleWindow:  cfg.StaleWindow,
		Destinations: sweepDests,
		BotUserID:    cfg.BotUserID,
		OrphanGrace:  cfg.OrphanGrace,
		ScanLimit:    cfg.OrphanScanLimit,
	}, registry.Metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create sweeper: %w", err)
	}

	consumer, err := input.New(nc, js, engine, limiter, st, input.Options{
		StreamName:      cfg.StreamName,
		SnapshotSubject: cfg.SnapshotSubject,
		ActionSubject:   cfg.ActionSubject,
		StatsSubject:    cfg.StatsSubject,
	}, registry.Metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create consumer: %w", err)
	}

	return sw, consumer, nil
}

// runWithSignalHandling starts all components and stops them in reverse
// order on SIGINT or SIGTERM
func runWithSignalHandling(
	ctx context.Context,
	metricsServer *metric.Server,
	sw *sweeper.Sweeper,
	consumer *input.Consumer,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	if err := sw.Initialize(); err != nil {
		return fmt.Errorf("initialize sweeper: %w", err)
	}
	if err := sw.Start(signalCtx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(signalCtx, 30*time.Second)
	defer initCancel()
	if err := consumer.Initialize(initCtx); err != nil {
		return fmt.Errorf("initialize consumer: %w", err)
	}
	if err := consumer.Start(signalCtx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	slog.Info("Envy started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Stop intake first so no new reconciliations begin, then the sweeper,
	// then observability
	var firstErr error
	if err := consumer.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping consumer", "error", err)
		firstErr = err
	}
	if err := sw.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping sweeper", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := metricsServer.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping metrics server", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	slog.Info("Envy shutdown complete")
	return firstErr
}
