package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.RateLimitCount)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitFailureWindow)
	assert.Equal(t, 30*time.Second, cfg.CircuitOpenDuration)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, cfg.QueueRetryBackoff)
	assert.Equal(t, 1<<20, cfg.QueueMaxPayloadBytes)
	assert.Equal(t, 24*time.Hour, cfg.QueueJobTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.QueueDLQRetention)
	assert.True(t, cfg.CircuitShared)
	assert.Equal(t, 5*time.Second, cfg.ResultStoreTimeout)
	assert.Equal(t, 5*time.Second, cfg.KafkaPublishTimeout)
	assert.False(t, cfg.DatabaseEnabled())
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_COUNT", "10")
	t.Setenv("QUEUE_RETRY_BACKOFF", "2s,4s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RateLimitCount)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.QueueRetryBackoff)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokerList())
}

func TestLoad_RequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL is required")
}

func TestValidate_VisibilityTimeout(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "10s")
	t.Setenv("WORKER_PROCESS_TIMEOUT", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_VISIBILITY_TIMEOUT")
}
