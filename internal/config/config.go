// Package config loads application settings from config.yaml, the
// environment, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g.
// FEEDBACK_STORE_DATABASE_URL.
const EnvPrefix = "FEEDBACK"

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Generator  GeneratorConfig  `yaml:"generator" mapstructure:"generator"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// GeneratorConfig selects the text generation provider.
type GeneratorConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"` // anthropic or openai
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds settings for OpenAI or a compatible endpoint.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ClassifierConfig holds sentiment classifier settings.
type ClassifierConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures step limits, concurrency, locking, and the
// retry/breaker policy applied to external calls.
type PipelineConfig struct {
	MaxClassifyChars     int  `yaml:"max_classify_chars" mapstructure:"max_classify_chars"`
	SummaryMaxTokens     int  `yaml:"summary_max_tokens" mapstructure:"summary_max_tokens"`
	AggregateMaxTokens   int  `yaml:"aggregate_max_tokens" mapstructure:"aggregate_max_tokens"`
	ClassifyConcurrency  int  `yaml:"classify_concurrency" mapstructure:"classify_concurrency"`
	SummarizeConcurrency int  `yaml:"summarize_concurrency" mapstructure:"summarize_concurrency"`
	RunLock              bool `yaml:"run_lock" mapstructure:"run_lock"`
	LockTTLSecs          int  `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	RetryAttempts        int  `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs       int  `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs    int  `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerThreshold     int  `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs     int  `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// TemporalConfig configures the durable workflow runner.
type TemporalConfig struct {
	HostPort                string `yaml:"host_port" mapstructure:"host_port"`
	Namespace               string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue               string `yaml:"task_queue" mapstructure:"task_queue"`
	MaxConcurrentActivities int    `yaml:"max_concurrent_activities" mapstructure:"max_concurrent_activities"`
	UnitAttempts            int32  `yaml:"unit_attempts" mapstructure:"unit_attempts"`
}

// ArchiveConfig configures run archival to S3-compatible storage. Archival
// is off when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// NotifyConfig configures the Slack digest. Off when the webhook is empty.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	UrgentOnly      bool   `yaml:"urgent_only" mapstructure:"urgent_only"`
}

// ScheduleConfig configures periodic runs.
type ScheduleConfig struct {
	Cron         string `yaml:"cron" mapstructure:"cron"`
	SourceFilter string `yaml:"source_filter" mapstructure:"source_filter"`
}

// IngestConfig configures feed polling.
type IngestConfig struct {
	FeedsFile string `yaml:"feeds_file" mapstructure:"feeds_file"`
}

// MonitoringConfig configures health checks and alert thresholds. Alerts go
// to WebhookURL, or to notify.slack_webhook_url when it is empty.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	UnitFailureRateThreshold float64 `yaml:"unit_failure_rate_threshold" mapstructure:"unit_failure_rate_threshold"`
	NegativeShareThreshold   float64 `yaml:"negative_share_threshold" mapstructure:"negative_share_threshold"`
	StaleRunMinutes          int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// AlertWebhook returns the webhook monitoring alerts are posted to.
func (c *Config) AlertWebhook() string {
	if c.Monitoring.WebhookURL != "" {
		return c.Monitoring.WebhookURL
	}
	return c.Notify.SlackWebhookURL
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "feedback.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("generator.provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("classifier.model", "distilbert/distilbert-base-uncased-finetuned-sst-2-english")
	v.SetDefault("classifier.base_url", "https://api-inference.huggingface.co")
	v.SetDefault("classifier.rate_per_sec", 5)
	v.SetDefault("classifier.timeout_secs", 30)
	v.SetDefault("pipeline.max_classify_chars", 512)
	v.SetDefault("pipeline.summary_max_tokens", 1024)
	v.SetDefault("pipeline.aggregate_max_tokens", 1500)
	v.SetDefault("pipeline.classify_concurrency", 1)
	v.SetDefault("pipeline.summarize_concurrency", 1)
	v.SetDefault("pipeline.run_lock", true)
	v.SetDefault("pipeline.lock_ttl_secs", 1800)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_backoff_ms", 500)
	v.SetDefault("pipeline.retry_max_backoff_ms", 10000)
	v.SetDefault("pipeline.breaker_threshold", 5)
	v.SetDefault("pipeline.breaker_reset_secs", 30)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "feedback-pipeline")
	v.SetDefault("temporal.max_concurrent_activities", 4)
	v.SetDefault("temporal.unit_attempts", 3)
	v.SetDefault("archive.bucket", "feedback-runs")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("ingest.feeds_file", "feeds.yaml")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.unit_failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.negative_share_threshold", 0.6)
	v.SetDefault("monitoring.stale_run_minutes", 60)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Keys without a real default are registered so env-only values reach
	// Unmarshal.
	for _, key := range []string{
		"anthropic.key", "anthropic.base_url",
		"openai.key", "openai.base_url",
		"classifier.key",
		"archive.endpoint", "archive.prefix", "archive.access_key", "archive.secret_key",
		"notify.slack_webhook_url",
		"schedule.cron", "schedule.source_filter",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("notify.urgent_only", false)
}

// Validate checks the settings a command mode needs. Modes: run, serve,
// worker, schedule, ingest, store. Every problem is reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	validateStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		}
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	}

	validatePipeline := func() {
		switch c.Generator.Provider {
		case "anthropic":
			require(c.Anthropic.Key != "", "anthropic.key is required")
		case "openai":
			require(c.OpenAI.Key != "", "openai.key is required")
		default:
			errs = append(errs, fmt.Sprintf("generator.provider must be anthropic or openai, got %q", c.Generator.Provider))
		}
		require(c.Pipeline.ClassifyConcurrency >= 1, "pipeline.classify_concurrency must be >= 1")
		require(c.Pipeline.SummarizeConcurrency >= 1, "pipeline.summarize_concurrency must be >= 1")
		require(c.Pipeline.MaxClassifyChars > 0, "pipeline.max_classify_chars must be > 0")
		require(c.Pipeline.RetryAttempts >= 1, "pipeline.retry_attempts must be >= 1")
		if c.Archive.Endpoint != "" {
			require(c.Archive.Bucket != "", "archive.bucket is required when archive.endpoint is set")
		}
	}

	switch mode {
	case "store":
		validateStore()
	case "run":
		validateStore()
		validatePipeline()
	case "serve":
		validateStore()
		validatePipeline()
		require(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535, got %d", c.Server.Port)
	case "worker":
		validateStore()
		validatePipeline()
		require(c.Temporal.HostPort != "", "temporal.host_port is required")
		require(c.Temporal.TaskQueue != "", "temporal.task_queue is required")
	case "schedule":
		validateStore()
		validatePipeline()
		require(c.Schedule.Cron != "", "schedule.cron is required")
	case "ingest":
		validateStore()
		require(c.Ingest.FeedsFile != "", "ingest.feeds_file is required")
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
