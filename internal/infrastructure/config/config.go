package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Browser   BrowserConfig
	Render    RenderConfig
	Queue     QueueConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Callback  CallbackConfig
	Sync      SyncConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// BrowserConfig holds renderer pool settings
type BrowserConfig struct {
	PoolMin        int
	PoolMax        int
	MaxUses        int           // pages rendered before an instance is retired
	AcquireTimeout time.Duration // how long Acquire blocks before PoolExhausted
	RemoteURL      string        // connect to an existing Chromium instead of launching one
	NoSandbox      bool          // required when running as root in containers
	WarmUp         bool
}

// RenderConfig holds render engine timings and limits
type RenderConfig struct {
	HTMLLoadTimeout    time.Duration
	HTMLSettleDelay    time.Duration
	NetworkIdleTimeout time.Duration
	DOMContentTimeout  time.Duration
	DOMContentSettle   time.Duration
	LoadTimeout        time.Duration
	LoadSettle         time.Duration
	DynamicSettle      time.Duration
	PrintTimeout       time.Duration
	MarginMM           float64
	MaxOutputBytes     int64
	ViewportWidth      int64
	ViewportHeight     int64
	UserAgent          string
}

// QueueConfig holds job queue and worker settings
type QueueConfig struct {
	Driver             string // memory, redis
	Concurrency        int
	JobTimeout         time.Duration
	Capacity           int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	PollInterval       time.Duration
	KeyPrefix          string
	MaxAttempts        int
	BackoffBase        time.Duration
	URLMaxAttempts     int
	// ClaimTimeout is how long a claimed job may go unfinished before
	// another consumer takes it over. Must exceed JobTimeout.
	ClaimTimeout time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig holds artifact storage settings
type StorageConfig struct {
	Driver        string // local, s3
	Retention     time.Duration
	SweepInterval time.Duration
	Local         LocalStorageConfig
	S3            S3StorageConfig
}

// LocalStorageConfig holds filesystem driver settings
type LocalStorageConfig struct {
	Dir string
}

// S3StorageConfig holds object-store driver settings.
// Any S3-compatible backend works (AWS S3, MinIO, RustFS).
type S3StorageConfig struct {
	Bucket            string
	Prefix            string
	Region            string
	Endpoint          string
	AccessKey         string
	SecretKey         string
	UseSSL            bool
	UsePathStyle      bool
	PresignExpiration time.Duration
}

// CallbackConfig holds notifier timings
type CallbackConfig struct {
	ProbeTimeout     time.Duration
	FileTimeout      time.Duration
	JSONTimeout      time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
	UserAgent        string
}

// SyncConfig holds limits for the blocking conversion path
type SyncConfig struct {
	MaxHTMLBytes int
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool
	MetricsInterval   time.Duration
	LogsEnabled       bool // Export zap logs through the OTLP logs bridge
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with PDF_ prefix (e.g., PDF_STORAGE_DRIVER)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("PDF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Browser: BrowserConfig{
			PoolMin:        v.GetInt("browser.pool_min"),
			PoolMax:        v.GetInt("browser.pool_max"),
			MaxUses:        v.GetInt("browser.max_uses"),
			AcquireTimeout: v.GetDuration("browser.acquire_timeout"),
			RemoteURL:      v.GetString("browser.remote_url"),
			NoSandbox:      v.GetBool("browser.no_sandbox"),
			WarmUp:         v.GetBool("browser.warm_up"),
		},
		Render: RenderConfig{
			HTMLLoadTimeout:    v.GetDuration("render.html_load_timeout"),
			HTMLSettleDelay:    v.GetDuration("render.html_settle_delay"),
			NetworkIdleTimeout: v.GetDuration("render.network_idle_timeout"),
			DOMContentTimeout:  v.GetDuration("render.dom_content_timeout"),
			DOMContentSettle:   v.GetDuration("render.dom_content_settle"),
			LoadTimeout:        v.GetDuration("render.load_timeout"),
			LoadSettle:         v.GetDuration("render.load_settle"),
			DynamicSettle:      v.GetDuration("render.dynamic_settle"),
			PrintTimeout:       v.GetDuration("render.print_timeout"),
			MarginMM:           v.GetFloat64("render.margin_mm"),
			MaxOutputBytes:     v.GetInt64("render.max_output_bytes"),
			ViewportWidth:      v.GetInt64("render.viewport_width"),
			ViewportHeight:     v.GetInt64("render.viewport_height"),
			UserAgent:          v.GetString("render.user_agent"),
		},
		Queue: QueueConfig{
			Driver:             v.GetString("queue.driver"),
			Concurrency:        v.GetInt("queue.concurrency"),
			JobTimeout:         v.GetDuration("queue.job_timeout"),
			Capacity:           v.GetInt("queue.capacity"),
			CompletedRetention: v.GetDuration("queue.completed_retention"),
			FailedRetention:    v.GetDuration("queue.failed_retention"),
			PollInterval:       v.GetDuration("queue.poll_interval"),
			KeyPrefix:          v.GetString("queue.key_prefix"),
			MaxAttempts:        v.GetInt("queue.max_attempts"),
			BackoffBase:        v.GetDuration("queue.backoff_base"),
			URLMaxAttempts:     v.GetInt("queue.url_max_attempts"),
			ClaimTimeout:       v.GetDuration("queue.claim_timeout"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Driver:        v.GetString("storage.driver"),
			Retention:     v.GetDuration("storage.retention"),
			SweepInterval: v.GetDuration("storage.sweep_interval"),
			Local: LocalStorageConfig{
				Dir: v.GetString("storage.local.dir"),
			},
			S3: S3StorageConfig{
				Bucket:            v.GetString("storage.s3.bucket"),
				Prefix:            v.GetString("storage.s3.prefix"),
				Region:            v.GetString("storage.s3.region"),
				Endpoint:          v.GetString("storage.s3.endpoint"),
				AccessKey:         v.GetString("storage.s3.access_key"),
				SecretKey:         v.GetString("storage.s3.secret_key"),
				UseSSL:            v.GetBool("storage.s3.use_ssl"),
				UsePathStyle:      v.GetBool("storage.s3.use_path_style"),
				PresignExpiration: v.GetDuration("storage.s3.presign_expiration"),
			},
		},
		Callback: CallbackConfig{
			ProbeTimeout:     v.GetDuration("callback.probe_timeout"),
			FileTimeout:      v.GetDuration("callback.file_timeout"),
			JSONTimeout:      v.GetDuration("callback.json_timeout"),
			DeliveryAttempts: v.GetInt("callback.delivery_attempts"),
			DeliveryBackoff:  v.GetDuration("callback.delivery_backoff"),
			UserAgent:        v.GetString("callback.user_agent"),
		},
		Sync: SyncConfig{
			MaxHTMLBytes: v.GetInt("sync.max_html_bytes"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "htmltopdf"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	// Browser pool
	if cfg.Browser.PoolMin == 0 {
		cfg.Browser.PoolMin = 2
	}
	if cfg.Browser.PoolMax == 0 {
		cfg.Browser.PoolMax = 5
	}
	if cfg.Browser.MaxUses == 0 {
		cfg.Browser.MaxUses = 100
	}
	if cfg.Browser.AcquireTimeout == 0 {
		cfg.Browser.AcquireTimeout = 30 * time.Second
	}

	// Render ladder
	if cfg.Render.HTMLLoadTimeout == 0 {
		cfg.Render.HTMLLoadTimeout = 15 * time.Second
	}
	if cfg.Render.HTMLSettleDelay == 0 {
		cfg.Render.HTMLSettleDelay = 2 * time.Second
	}
	if cfg.Render.NetworkIdleTimeout == 0 {
		cfg.Render.NetworkIdleTimeout = 30 * time.Second
	}
	if cfg.Render.DOMContentTimeout == 0 {
		cfg.Render.DOMContentTimeout = 45 * time.Second
	}
	if cfg.Render.DOMContentSettle == 0 {
		cfg.Render.DOMContentSettle = 5 * time.Second
	}
	if cfg.Render.LoadTimeout == 0 {
		cfg.Render.LoadTimeout = 60 * time.Second
	}
	if cfg.Render.LoadSettle == 0 {
		cfg.Render.LoadSettle = 10 * time.Second
	}
	if cfg.Render.DynamicSettle == 0 {
		cfg.Render.DynamicSettle = 3 * time.Second
	}
	if cfg.Render.PrintTimeout == 0 {
		cfg.Render.PrintTimeout = 60 * time.Second
	}
	if cfg.Render.MarginMM == 0 {
		cfg.Render.MarginMM = 10
	}
	if cfg.Render.MaxOutputBytes == 0 {
		cfg.Render.MaxOutputBytes = 10 << 20 // 10MB
	}
	if cfg.Render.ViewportWidth == 0 {
		cfg.Render.ViewportWidth = 1200
	}
	if cfg.Render.ViewportHeight == 0 {
		cfg.Render.ViewportHeight = 800
	}

	// Queue
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.JobTimeout == 0 {
		cfg.Queue.JobTimeout = 3 * time.Minute
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = 1000
	}
	if cfg.Queue.CompletedRetention == 0 {
		cfg.Queue.CompletedRetention = time.Hour
	}
	if cfg.Queue.FailedRetention == 0 {
		cfg.Queue.FailedRetention = 24 * time.Hour
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = "pdfgen:"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = 2 * time.Second
	}
	if cfg.Queue.URLMaxAttempts == 0 {
		cfg.Queue.URLMaxAttempts = 2
	}
	if cfg.Queue.ClaimTimeout == 0 {
		cfg.Queue.ClaimTimeout = 10 * time.Minute
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Storage
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "storage", "local":
		cfg.Storage.Driver = "local"
	case "aws", "s3":
		cfg.Storage.Driver = "s3"
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = 24 * time.Hour
	}
	if cfg.Storage.SweepInterval == 0 {
		cfg.Storage.SweepInterval = 30 * time.Second
	}
	if cfg.Storage.Local.Dir == "" {
		cfg.Storage.Local.Dir = "./pdfs"
	}
	if cfg.Storage.S3.Bucket == "" {
		cfg.Storage.S3.Bucket = "htmltopdf-storage"
	}
	if cfg.Storage.S3.Prefix == "" {
		cfg.Storage.S3.Prefix = "pdfs/"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.PresignExpiration == 0 {
		cfg.Storage.S3.PresignExpiration = time.Hour
	}
	// A custom endpoint means an S3-compatible store, which expects path-style addressing
	if cfg.Storage.S3.Endpoint != "" {
		cfg.Storage.S3.UsePathStyle = true
	}

	// Callbacks
	if cfg.Callback.ProbeTimeout == 0 {
		cfg.Callback.ProbeTimeout = 2 * time.Second
	}
	if cfg.Callback.FileTimeout == 0 {
		cfg.Callback.FileTimeout = 30 * time.Second
	}
	if cfg.Callback.JSONTimeout == 0 {
		cfg.Callback.JSONTimeout = 10 * time.Second
	}
	if cfg.Callback.DeliveryAttempts == 0 {
		cfg.Callback.DeliveryAttempts = 3
	}
	if cfg.Callback.DeliveryBackoff == 0 {
		cfg.Callback.DeliveryBackoff = time.Second
	}
	if cfg.Callback.UserAgent == "" {
		cfg.Callback.UserAgent = "HTMLtoPDF-Service/1.0"
	}

	if cfg.Sync.MaxHTMLBytes == 0 {
		cfg.Sync.MaxHTMLBytes = 50 * 1024
	}

	// Telemetry
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Browser.PoolMin < 0 {
		return fmt.Errorf("browser.pool_min cannot be negative")
	}
	if c.Browser.PoolMax <= 0 {
		return fmt.Errorf("browser.pool_max must be positive")
	}
	if c.Browser.PoolMin > c.Browser.PoolMax {
		return fmt.Errorf("browser.pool_min (%d) cannot exceed browser.pool_max (%d)",
			c.Browser.PoolMin, c.Browser.PoolMax)
	}
	if c.Browser.MaxUses <= 0 {
		return fmt.Errorf("browser.max_uses must be positive")
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.driver must be memory or redis, got %q", c.Queue.Driver)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if c.Queue.ClaimTimeout <= c.Queue.JobTimeout {
		return fmt.Errorf("queue.claim_timeout (%s) must exceed queue.job_timeout (%s)",
			c.Queue.ClaimTimeout, c.Queue.JobTimeout)
	}

	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key are required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.driver must be local or s3, got %q", c.Storage.Driver)
	}
	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("storage.sweep_interval must be positive")
	}

	if c.Sync.MaxHTMLBytes <= 0 {
		return fmt.Errorf("sync.max_html_bytes must be positive")
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}
