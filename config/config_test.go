package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	resetViper(t)
	t.Setenv("REDIS_URL", "redis://localhost:6399/1")
	t.Setenv("CONSUMER_STREAM", "orders")
	t.Setenv("CONSUMER_GROUP", "workers")
	t.Setenv("CONSUMER_NAME", "worker-1")
	t.Setenv("SCHEDULER_RETRY_ZSET", "orders:retry")
	t.Setenv("SCHEDULER_TARGET_STREAM", "orders")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6399/1", cfg.Redis.URL)
	assert.Equal(t, "orders", cfg.Consumer.Stream)
	assert.Equal(t, "workers", cfg.Consumer.Group)
	assert.Equal(t, "worker-1", cfg.Consumer.ConsumerName)
	assert.Equal(t, int64(16), cfg.Consumer.BatchCount)
	assert.Equal(t, "exponential", cfg.Consumer.RetryStrategy)
	assert.Equal(t, "auto", cfg.Scheduler.Strategy)
	assert.Equal(t, "redis", cfg.Idempotency.Backend)
	assert.Equal(t, "noop", cfg.Audit.Backend)
	assert.False(t, cfg.DLQArchive.Enabled)
}

func TestValidate_RequiresRedisURL(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Format: "slog"}, Idempotency: IdempotencyConfig{Backend: "none"}, Audit: AuditConfig{Backend: "noop"}}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownLoggingFormat(t *testing.T) {
	cfg := &Config{
		Redis:       RedisConfig{URL: "redis://localhost:6379"},
		Logging:     LoggingConfig{Format: "json"},
		Idempotency: IdempotencyConfig{Backend: "none"},
		Audit:       AuditConfig{Backend: "noop"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_SchedulerRequiresZSetAndStreamWhenEnabled(t *testing.T) {
	cfg := &Config{
		Redis:       RedisConfig{URL: "redis://localhost:6379"},
		Logging:     LoggingConfig{Format: "slog"},
		Idempotency: IdempotencyConfig{Backend: "none"},
		Audit:       AuditConfig{Backend: "noop"},
		Scheduler:   SchedulerConfig{Enabled: true},
	}
	assert.Error(t, cfg.Validate())

	cfg.Scheduler.RetryZSet = "orders:retry"
	cfg.Scheduler.TargetStream = "orders"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ClickHouseAuditRequiresDSN(t *testing.T) {
	cfg := &Config{
		Redis:       RedisConfig{URL: "redis://localhost:6379"},
		Logging:     LoggingConfig{Format: "slog"},
		Idempotency: IdempotencyConfig{Backend: "none"},
		Audit:       AuditConfig{Backend: "clickhouse"},
	}
	assert.Error(t, cfg.Validate())

	cfg.Audit.ClickHouseDSN = "clickhouse://localhost:9000/default"
	assert.NoError(t, cfg.Validate())
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "development"}).IsDevelopment())
	assert.True(t, (&Config{Environment: "dev"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
}
