package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/audio-dispatch-service/internal/config"
	"github.com/skypro1111/audio-dispatch-service/internal/dispatch"
	"github.com/skypro1111/audio-dispatch-service/internal/lease"
	"github.com/skypro1111/audio-dispatch-service/internal/ledger"
	"github.com/skypro1111/audio-dispatch-service/internal/metrics"
	"github.com/skypro1111/audio-dispatch-service/internal/notify"
	"github.com/skypro1111/audio-dispatch-service/internal/scanner"
	"github.com/skypro1111/audio-dispatch-service/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-dispatch-server"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("listen_address", cfg.Server.ListenAddress),
		slog.String("audio_dir", cfg.Server.AudioDir),
		slog.String("ledger_path", cfg.Server.LedgerPath),
		slog.Duration("lease_ttl", cfg.Server.GetLeaseTTL()),
		slog.Duration("rescan_interval", cfg.Server.GetRescanInterval()),
		slog.Bool("retry_failed", cfg.Server.RetryFailed),
		slog.Bool("notify_enabled", cfg.Notify.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	led, err := ledger.Open(cfg.Server.LedgerPath, logger)
	if err != nil {
		logger.Error("Failed to open ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Ledger opened",
		slog.String("path", cfg.Server.LedgerPath),
		slog.Int("records", led.Len()),
		slog.Int("skipped_rows", led.SkippedRows()),
	)

	leases, err := lease.NewStore(cfg.Server.LeaseSnapshotPath, logger)
	if err != nil {
		logger.Error("Failed to open lease store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Lease store opened",
		slog.String("path", cfg.Server.LeaseSnapshotPath),
		slog.Int("active_leases", leases.ActiveCount()),
	)

	scan := scanner.New(cfg.Server.AudioDir, cfg.Server.GetRescanInterval(), logger)
	if err := scan.Refresh(); err != nil {
		logger.Error("Initial corpus scan failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Corpus scanned", slog.Int("files", scan.Size()))

	var publisher dispatch.OutcomePublisher
	var redisPublisher *notify.Publisher
	if cfg.Notify.Enabled {
		redisPublisher = notify.NewPublisher(cfg.Notify.RedisAddress, cfg.Notify.Channel, logger)
		publisher = redisPublisher
		logger.Info("Outcome notifications enabled",
			slog.String("redis_address", cfg.Notify.RedisAddress),
			slog.String("channel", cfg.Notify.Channel),
		)
	}

	coord, err := dispatch.NewCoordinator(scan, leases, led, dispatch.Config{
		LeaseTTL:         cfg.Server.GetLeaseTTL(),
		RetryFailed:      cfg.Server.RetryFailed,
		RetryFailedAfter: cfg.Server.GetRetryFailedAfter(),
	}, logger, appMetrics, publisher)
	if err != nil {
		logger.Error("Failed to create coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	coord.StartReclaim(cfg.Server.GetReclaimInterval())
	logger.Info("Coordinator initialized")

	httpServer := server.NewHTTPServer(cfg.Server.ListenAddress, logger, coord, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("listen_address", cfg.Server.ListenAddress),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	coord.Stop()

	if redisPublisher != nil {
		if err := redisPublisher.Close(); err != nil {
			logger.Error("Error closing notifier", slog.String("error", err.Error()))
		}
	}

	if err := led.Close(); err != nil {
		logger.Error("Error closing ledger", slog.String("error", err.Error()))
	}

	stats := coord.GetStats()
	logger.Info("Final coordinator statistics",
		slog.Int("corpus_size", stats.CorpusSize),
		slog.Int("active_leases", stats.ActiveLeases),
		slog.Int("ledger_records", stats.LedgerRecords),
		slog.Int("candidates", stats.Candidates),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
