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

	"github.com/dealinspect/deal-recorder/internal/config"
	"github.com/dealinspect/deal-recorder/internal/deals"
	"github.com/dealinspect/deal-recorder/internal/encode"
	"github.com/dealinspect/deal-recorder/internal/finalize"
	"github.com/dealinspect/deal-recorder/internal/metrics"
	"github.com/dealinspect/deal-recorder/internal/server"
	"github.com/dealinspect/deal-recorder/internal/session"
	"github.com/dealinspect/deal-recorder/internal/store"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "deal-recorder"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.HTTP.Address),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("storage_root", cfg.Storage.Root),
		slog.Int64("max_chunk_bytes", cfg.Storage.MaxChunkBytes),
		slog.String("ffmpeg_path", cfg.Encode.FFmpegPath),
		slog.Int("segment_workers", cfg.Encode.SegmentWorkers),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("extraction_endpoint", cfg.Extraction.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize chunk storage
	chunkStore, err := store.New(cfg.Storage.Root, cfg.Storage.MaxChunkBytes)
	if err != nil {
		logger.Error("Failed to create chunk store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Chunk store initialized", slog.String("root", cfg.Storage.Root))

	// Initialize the session registry
	registry, err := session.Open(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("Failed to open session registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer registry.Close()
	logger.Info("Session registry opened", slog.String("path", cfg.Storage.DatabasePath))

	// Initialize the encode engine and finalizer
	engine := encode.NewEngine(encode.Config{
		FFmpegPath:     cfg.Encode.FFmpegPath,
		FFprobePath:    cfg.Encode.FFprobePath,
		Timeout:        cfg.Encode.GetTimeoutDuration(),
		MaxRetries:     cfg.Encode.MaxRetries,
		SegmentWorkers: cfg.Encode.SegmentWorkers,
	}, logger, appMetrics)
	finalizer := finalize.New(chunkStore, registry, engine, logger, appMetrics)

	// Initialize optional AI collaborators
	transcription := deals.NewTranscriptionClient(cfg.Transcription, logger, appMetrics)
	if transcription != nil {
		logger.Info("Transcription enabled", slog.String("endpoint", cfg.Transcription.Endpoint))
	}
	extraction := deals.NewExtractionClient(cfg.Extraction, logger, appMetrics)
	if extraction != nil {
		logger.Info("Deal extraction enabled", slog.String("endpoint", cfg.Extraction.Endpoint))
	}

	// Initialize and start the HTTP API server
	httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg,
		chunkStore, registry, finalizer, transcription, extraction, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new requests and drain in-flight ones
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Final session statistics
	if finalized, err := registry.CountByStatus(session.StatusFinalized); err == nil {
		recording, _ := registry.CountByStatus(session.StatusRecording)
		failed, _ := registry.CountByStatus(session.StatusFailed)
		logger.Info("Final session statistics",
			slog.Int("finalized", finalized),
			slog.Int("recording", recording),
			slog.Int("failed", failed),
		)
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
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
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
