package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/htmltopdf/backend/internal/infrastructure/config"
	"github.com/htmltopdf/backend/internal/infrastructure/logger"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func telemetrySettings(tc config.TelemetryConfig) telemetry.Settings {
	return telemetry.Settings{
		ServiceName:     tc.ServiceName,
		Endpoint:        tc.CollectorEndpoint,
		Insecure:        tc.Insecure,
		Traces:          tc.Enabled,
		SamplingRatio:   tc.SamplingRatio,
		Metrics:         tc.MetricsEnabled,
		MetricsInterval: tc.MetricsInterval,
		Logs:            tc.LogsEnabled,
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry comes first so the OTLP log core can be teed into the logger
	providers, err := telemetry.Setup(ctx, telemetrySettings(cfg.Telemetry))
	if err != nil {
		panic("Failed to initialize telemetry: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}, providers.LogCore(logger.ParseLevel(cfg.Log.Level)))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting HTML to PDF service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Strings("telemetry", providers.Signals()),
	)

	app, err := newApplication(cfg, log, providers.Meter())
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		app.shutdown(shutdownCtx)
		cancel()
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Graceful shutdown
	<-ctx.Done()
	log.Info("Shutting down service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.shutdown(shutdownCtx)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to flush telemetry", zap.Error(err))
	}

	log.Info("Service exited gracefully")
}
