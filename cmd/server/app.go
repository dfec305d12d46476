package main

import (
	"context"
	"fmt"

	appconv "github.com/htmltopdf/backend/internal/application/conversion"
	domain "github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/browser"
	"github.com/htmltopdf/backend/internal/infrastructure/config"
	"github.com/htmltopdf/backend/internal/infrastructure/printing"
	"github.com/htmltopdf/backend/internal/infrastructure/queue"
	"github.com/htmltopdf/backend/internal/infrastructure/storage"
	"github.com/htmltopdf/backend/internal/infrastructure/telemetry"
	"github.com/htmltopdf/backend/internal/infrastructure/webhook"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// application owns every long-lived component of the daemon
type application struct {
	cfg *config.Config
	log *zap.Logger

	pool       *browser.Pool
	store      *storage.Service
	queue      queue.Queue
	conversion *appconv.Service
	worker     *appconv.Worker
}

func newApplication(cfg *config.Config, log *zap.Logger, meter metric.Meter) (*application, error) {
	app := &application{cfg: cfg, log: log}

	metrics, err := telemetry.NewConversionMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("conversion metrics: %w", err)
	}

	// Renderer
	factory := browser.NewChromeFactory(browser.ChromeConfig{
		RemoteURL:      cfg.Browser.RemoteURL,
		NoSandbox:      cfg.Browser.NoSandbox,
		ViewportWidth:  cfg.Render.ViewportWidth,
		ViewportHeight: cfg.Render.ViewportHeight,
		UserAgent:      cfg.Render.UserAgent,
		Logger:         log.Named("chrome"),
	})
	pool, err := browser.NewPool(factory, browser.PoolConfig{
		Min:            cfg.Browser.PoolMin,
		Max:            cfg.Browser.PoolMax,
		MaxUses:        cfg.Browser.MaxUses,
		AcquireTimeout: cfg.Browser.AcquireTimeout,
		Logger:         log.Named("pool"),
		Metrics:        metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("browser pool: %w", err)
	}
	app.pool = pool

	engine, err := printing.NewEngine(pool, engineConfig(cfg.Render, log, metrics))
	if err != nil {
		return nil, fmt.Errorf("render engine: %w", err)
	}

	// Storage
	store, err := storage.NewServiceFromConfig(cfg.Storage, storage.ServiceConfig{
		Logger:  log.Named("storage"),
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	app.store = store

	// Queue
	q, err := newQueue(cfg, log.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	app.queue = q

	notifier := webhook.NewHTTPNotifier(webhook.Config{
		ProbeTimeout:     cfg.Callback.ProbeTimeout,
		FileTimeout:      cfg.Callback.FileTimeout,
		JSONTimeout:      cfg.Callback.JSONTimeout,
		DeliveryAttempts: cfg.Callback.DeliveryAttempts,
		DeliveryBackoff:  cfg.Callback.DeliveryBackoff,
		UserAgent:        cfg.Callback.UserAgent,
		Logger:           log.Named("webhook"),
		Metrics:          metrics,
	})

	defaultPolicy, urlPolicy := retryPolicies(cfg.Queue)
	svc, err := appconv.NewService(engine, q, store, notifier, appconv.ServiceConfig{
		MaxHTMLBytes:      cfg.Sync.MaxHTMLBytes,
		DefaultPolicy:     defaultPolicy,
		URLCallbackPolicy: urlPolicy,
		PresignTTL:        cfg.Storage.S3.PresignExpiration,
		Logger:            log.Named("conversion"),
		Metrics:           metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("conversion service: %w", err)
	}
	app.conversion = svc

	app.worker = appconv.NewWorker(q, engine, store, notifier, appconv.WorkerConfig{
		Concurrency: cfg.Queue.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout,
		Logger:      log.Named("worker"),
		Metrics:     metrics,
	})

	return app, nil
}

// start warms the renderer, starts the storage sweeper and launches the worker
func (a *application) start(ctx context.Context) error {
	if a.cfg.Browser.WarmUp {
		if err := a.pool.WarmUp(ctx, a.cfg.Browser.PoolMin); err != nil {
			return fmt.Errorf("warm up browser pool: %w", err)
		}
		a.log.Info("Browser pool warmed", zap.Int("instances", a.pool.Stats().Live))
	}

	if err := a.store.Start(ctx); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}
	info := a.conversion.DriverInfo()
	a.log.Info("Artifact storage ready",
		zap.String("driver", string(info.Type)),
		zap.Bool("presigned_urls", info.SupportsPresignedURLs),
		zap.Int("artifacts", a.conversion.StorageStats().Total),
	)

	return a.worker.Start(ctx)
}

// shutdown stops components in reverse dependency order. Every step runs even
// when an earlier one fails.
func (a *application) shutdown(ctx context.Context) {
	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			a.log.Warn("Worker did not stop cleanly", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("Failed to close queue", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Shutdown(ctx); err != nil {
			a.log.Warn("Failed to stop storage sweeper", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn("Failed to close browser pool", zap.Error(err))
		}
	}
}

func newQueue(cfg *config.Config, log *zap.Logger) (queue.Queue, error) {
	qc := queue.Config{
		Capacity:           cfg.Queue.Capacity,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		PollInterval:       cfg.Queue.PollInterval,
		KeyPrefix:          cfg.Queue.KeyPrefix,
		ClaimTimeout:       cfg.Queue.ClaimTimeout,
	}
	switch cfg.Queue.Driver {
	case "memory", "":
		return queue.NewMemoryQueue(qc, queue.WithMemoryLogger(log)), nil
	case "redis":
		return queue.NewRedisQueueFromConfig(cfg.Redis, qc, queue.WithRedisLogger(log))
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func engineConfig(rc config.RenderConfig, log *zap.Logger, metrics *telemetry.ConversionMetrics) printing.EngineConfig {
	return printing.EngineConfig{
		HTMLLoadTimeout:    rc.HTMLLoadTimeout,
		HTMLSettleDelay:    rc.HTMLSettleDelay,
		NetworkIdleTimeout: rc.NetworkIdleTimeout,
		DOMContentTimeout:  rc.DOMContentTimeout,
		DOMContentSettle:   rc.DOMContentSettle,
		LoadTimeout:        rc.LoadTimeout,
		LoadSettle:         rc.LoadSettle,
		DynamicSettle:      rc.DynamicSettle,
		PrintTimeout:       rc.PrintTimeout,
		MarginMM:           rc.MarginMM,
		MaxOutputBytes:     rc.MaxOutputBytes,
		Logger:             log.Named("engine"),
		Metrics:            metrics,
	}
}

// retryPolicies maps queue settings onto the two job policies. Zero values
// keep the built-in defaults.
func retryPolicies(qc config.QueueConfig) (domain.RetryPolicy, domain.RetryPolicy) {
	def := domain.DefaultRetryPolicy()
	url := domain.URLCallbackRetryPolicy()
	if qc.MaxAttempts > 0 {
		def.MaxAttempts = qc.MaxAttempts
	}
	if qc.URLMaxAttempts > 0 {
		url.MaxAttempts = qc.URLMaxAttempts
	}
	if qc.BackoffBase > 0 {
		def.BackoffBase = qc.BackoffBase
		url.BackoffBase = qc.BackoffBase
	}
	return def, url
}
