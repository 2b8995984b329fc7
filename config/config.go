// Package config loads jobrunner-worker and jobrunner-produce's
// configuration from an optional YAML file, a local .env file, and
// environment variables, in that order of increasing precedence (values
// from .env never override variables already set in the environment) —
// mirroring
// internal/config/config.go's viper/godotenv layering. Nothing under
// producer, consumer, scheduler, reclaim, idempotency, auditsink, or
// dlqarchive imports this package: every component there takes a plain
// Go options struct, and only the cmd/ binaries load config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete configuration for either demonstration binary.
// A given binary only reads the sections it needs.
type Config struct {
	Environment string            `mapstructure:"environment"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Producer    ProducerConfig    `mapstructure:"producer"`
	Consumer    ConsumerConfig    `mapstructure:"consumer"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Audit       AuditConfig       `mapstructure:"audit"`
	DLQArchive  DLQArchiveConfig  `mapstructure:"dlq_archive"`
}

// RedisConfig points at the Valkey/Redis-compatible server streams and
// sorted sets live on.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig selects the jobrunnerlog adapter and its verbosity.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // "slog" or "logrus"
}

// ProducerConfig configures the demo CLI producer.
type ProducerConfig struct {
	Stream            string `mapstructure:"stream"`
	DefaultType       string `mapstructure:"default_type"`
	IdempotencyTTLSec int64  `mapstructure:"idempotency_ttl_sec"` // 0 disables producer-side idempotency
}

// ConsumerConfig configures the demo worker's consumer.Worker instances.
type ConsumerConfig struct {
	Stream       string `mapstructure:"stream"`
	Group        string `mapstructure:"group"`
	ConsumerName string `mapstructure:"consumer_name"`
	Count        int    `mapstructure:"count"` // number of Worker instances sharing Group

	BatchBlockMs int64 `mapstructure:"batch_block_ms"`
	BatchCount   int64 `mapstructure:"batch_count"`

	PELEnabled    bool  `mapstructure:"pel_enabled"`
	PELMinIdleMs  int64 `mapstructure:"pel_min_idle_ms"`
	PELMaxPerTick int64 `mapstructure:"pel_max_per_tick"`
	PELIntervalMs int64 `mapstructure:"pel_interval_ms"`

	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
	RetryStrategy    string `mapstructure:"retry_strategy"` // "constant" or "exponential"
	RetryDelayMs     int64  `mapstructure:"retry_delay_ms"`
	RetryMaxDelayMs  int64  `mapstructure:"retry_max_delay_ms"`

	SchedulingMode string `mapstructure:"scheduling_mode"` // "zset" or "none"
	RetryZSet      string `mapstructure:"retry_zset"`

	PendingTTLSec int64 `mapstructure:"idempotency_pending_ttl_sec"`
	DoneTTLSec    int64 `mapstructure:"idempotency_done_ttl_sec"`
}

// SchedulerConfig configures the demo worker's scheduler.Daemon.
type SchedulerConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	RetryZSet    string  `mapstructure:"retry_zset"`
	TargetStream string  `mapstructure:"target_stream"`
	MaxBatch     int64   `mapstructure:"max_batch"`
	TickMs       int64   `mapstructure:"tick_ms"`
	JitterPct    float64 `mapstructure:"jitter_pct"`
	Strategy     string  `mapstructure:"strategy"` // "auto", "pop_min", "range_remove"
}

// IdempotencyConfig selects and configures the idempotency.Cache backend.
type IdempotencyConfig struct {
	Backend   string        `mapstructure:"backend"` // "redis", "lru", or "none"
	LRUSize   int           `mapstructure:"lru_size"`
	LRUTTL    time.Duration `mapstructure:"lru_ttl"`
}

// AuditConfig selects and configures the auditsink.Sink backend.
type AuditConfig struct {
	Backend       string        `mapstructure:"backend"` // "clickhouse" or "noop"
	ClickHouseDSN string        `mapstructure:"clickhouse_dsn"`
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DLQArchiveConfig configures the optional dlqarchive sweep.
type DLQArchiveConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"` // set for MinIO/LocalStack
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	OlderThan       time.Duration `mapstructure:"older_than"`
}

// Load reads configuration from ./config.yaml (if present), environment
// variables, and a local .env file, applying defaults for anything left
// unset, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/jobrunner")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnv("redis.url", "REDIS_URL")
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")

	bindEnv("producer.stream", "PRODUCER_STREAM")
	bindEnv("producer.default_type", "PRODUCER_DEFAULT_TYPE")
	bindEnv("producer.idempotency_ttl_sec", "PRODUCER_IDEMPOTENCY_TTL_SEC")

	bindEnv("consumer.stream", "CONSUMER_STREAM")
	bindEnv("consumer.group", "CONSUMER_GROUP")
	bindEnv("consumer.consumer_name", "CONSUMER_NAME")
	bindEnv("consumer.count", "CONSUMER_COUNT")
	bindEnv("consumer.retry_zset", "CONSUMER_RETRY_ZSET")

	bindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	bindEnv("scheduler.retry_zset", "SCHEDULER_RETRY_ZSET")
	bindEnv("scheduler.target_stream", "SCHEDULER_TARGET_STREAM")

	bindEnv("idempotency.backend", "IDEMPOTENCY_BACKEND")
	bindEnv("audit.backend", "AUDIT_BACKEND")
	bindEnv("audit.clickhouse_dsn", "AUDIT_CLICKHOUSE_DSN")

	bindEnv("dlq_archive.enabled", "DLQ_ARCHIVE_ENABLED")
	bindEnv("dlq_archive.bucket", "DLQ_ARCHIVE_BUCKET")
	bindEnv("dlq_archive.region", "DLQ_ARCHIVE_REGION")
	bindEnv("dlq_archive.endpoint", "DLQ_ARCHIVE_ENDPOINT")
	bindEnv("dlq_archive.access_key_id", "DLQ_ARCHIVE_ACCESS_KEY_ID")
	bindEnv("dlq_archive.secret_access_key", "DLQ_ARCHIVE_SECRET_ACCESS_KEY")

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

//nolint:errcheck // BindEnv only errors on invalid arguments, safe with string literals
func bindEnv(key, env string) {
	viper.BindEnv(key, env)
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("redis.url", "redis://localhost:6379/0")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "slog")

	viper.SetDefault("producer.default_type", "msg")

	viper.SetDefault("consumer.count", 1)
	viper.SetDefault("consumer.batch_count", 16)
	viper.SetDefault("consumer.batch_block_ms", 2000)
	viper.SetDefault("consumer.pel_enabled", true)
	viper.SetDefault("consumer.pel_min_idle_ms", 30000)
	viper.SetDefault("consumer.pel_max_per_tick", 128)
	viper.SetDefault("consumer.pel_interval_ms", 1000)
	viper.SetDefault("consumer.retry_max_attempts", 5)
	viper.SetDefault("consumer.retry_strategy", "exponential")
	viper.SetDefault("consumer.retry_delay_ms", 1000)
	viper.SetDefault("consumer.retry_max_delay_ms", 60000)
	viper.SetDefault("consumer.scheduling_mode", "zset")
	viper.SetDefault("consumer.idempotency_pending_ttl_sec", 300)
	viper.SetDefault("consumer.idempotency_done_ttl_sec", 86400)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.max_batch", 256)
	viper.SetDefault("scheduler.tick_ms", 250)
	viper.SetDefault("scheduler.jitter_pct", 0.2)
	viper.SetDefault("scheduler.strategy", "auto")

	viper.SetDefault("idempotency.backend", "redis")
	viper.SetDefault("idempotency.lru_size", 100000)
	viper.SetDefault("idempotency.lru_ttl", "10m")

	viper.SetDefault("audit.backend", "noop")
	viper.SetDefault("audit.table", "jobrunner_terminal_events")
	viper.SetDefault("audit.batch_size", 500)
	viper.SetDefault("audit.flush_interval", "5s")

	viper.SetDefault("dlq_archive.enabled", false)
	viper.SetDefault("dlq_archive.key_prefix", "dlq-archive")
	viper.SetDefault("dlq_archive.sweep_interval", "1h")
	viper.SetDefault("dlq_archive.older_than", "168h")
}

// Validate checks the fields every binary needs regardless of which
// optional sections (scheduler, idempotency, audit, dlq archive) are in
// play.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required")
	}
	switch c.Logging.Format {
	case "slog", "logrus":
	default:
		return fmt.Errorf("config: logging.format must be %q or %q, got %q", "slog", "logrus", c.Logging.Format)
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.RetryZSet == "" {
			return fmt.Errorf("config: scheduler.retry_zset is required when scheduler.enabled")
		}
		if c.Scheduler.TargetStream == "" {
			return fmt.Errorf("config: scheduler.target_stream is required when scheduler.enabled")
		}
	}
	if c.DLQArchive.Enabled && c.DLQArchive.Bucket == "" {
		return fmt.Errorf("config: dlq_archive.bucket is required when dlq_archive.enabled")
	}
	switch c.Idempotency.Backend {
	case "redis", "lru", "none":
	default:
		return fmt.Errorf("config: idempotency.backend must be redis, lru, or none, got %q", c.Idempotency.Backend)
	}
	switch c.Audit.Backend {
	case "clickhouse", "noop":
	default:
		return fmt.Errorf("config: audit.backend must be clickhouse or noop, got %q", c.Audit.Backend)
	}
	if c.Audit.Backend == "clickhouse" && c.Audit.ClickHouseDSN == "" {
		return fmt.Errorf("config: audit.clickhouse_dsn is required when audit.backend is clickhouse")
	}
	return nil
}

// IsDevelopment mirrors the teacher's environment-name convention.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}
