package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/skypro1111/audio-dispatch-service/internal/config"
	"github.com/skypro1111/audio-dispatch-service/internal/pipeline"
	"github.com/skypro1111/audio-dispatch-service/internal/schedule"
	"github.com/skypro1111/audio-dispatch-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-dispatch-client"
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

	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Client.WorkerID == "" {
		cfg.Client.WorkerID = uuid.NewString()
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("server_url", cfg.Client.ServerURL),
		slog.String("worker_id", cfg.Client.WorkerID),
		slog.String("work_dir", cfg.Client.WorkDir),
		slog.Duration("poll_interval", cfg.Client.GetPollInterval()),
		slog.String("schedule", cfg.Client.Schedule),
		slog.String("engine", cfg.Pipeline.Engine),
		slog.Bool("vad_enabled", cfg.Pipeline.VAD.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	stages, err := worker.NewStageStore(cfg.Client.WorkDir)
	if err != nil {
		logger.Error("Failed to create work directories", slog.String("error", err.Error()))
		os.Exit(1)
	}

	proc, err := pipeline.New(cfg.Pipeline, logger)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	window, err := schedule.New(cfg.Client.Schedule, cfg.Client.GetMaxRunDuration())
	if err != nil {
		logger.Error("Failed to parse schedule", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if window.AlwaysOpen() {
		logger.Info("No schedule configured, running continuously")
	}

	api := worker.NewClient(cfg.Client.ServerURL, cfg.Client.WorkerID,
		cfg.Client.AuthUsername, cfg.Client.AuthPassword)
	uploader := worker.NewUploader(api, stages, logger,
		cfg.Client.UploadQueueSize, cfg.Client.UploadMaxAttempts)

	w := worker.New(cfg.Client, api, stages, uploader, proc, window, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Worker started", slog.String("worker_id", cfg.Client.WorkerID))

	if err := w.Run(ctx); err != nil {
		logger.Error("Worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

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
