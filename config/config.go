package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string `env:"APP_NAME" env-default:"fern"`
	Port                          int    `env:"PORT" env-default:"3000"`
	LogLevel                      string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"30"`
	ReadHeaderTimeoutSeconds      int    `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int    `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	// Request body limit, a little above the payload cap so the 413 comes from the queue check
	MaxBodyBytes       int64 `env:"HTTP_SERVER_MAX_BODY_BYTES" env-default:"2097152"`
	StartupMaxAttempts int   `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// Redis connection string, e.g. redis://:password@localhost:6379/0
	RedisURL string `env:"REDIS_URL" env-default:""`
	// Prefix for every key fern writes
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"fern:"`
	// Budget for a single Redis call on the HTTP path
	RedisOpTimeout time.Duration `env:"REDIS_OP_TIMEOUT" env-default:"250ms"`

	// Per-user admissions allowed in the trailing window
	RateLimitCount int `env:"RATE_LIMIT_COUNT" env-default:"60"`
	// Trailing window for rate limiting
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" env-default:"1h"`

	// Failures within the window that open the circuit
	CircuitFailureThreshold int `env:"CIRCUIT_FAILURE_THRESHOLD" env-default:"5"`
	// Window in which failures are counted
	CircuitFailureWindow time.Duration `env:"CIRCUIT_FAILURE_WINDOW" env-default:"60s"`
	// How long the circuit stays open before a trial call is allowed
	CircuitOpenDuration time.Duration `env:"CIRCUIT_OPEN_DURATION" env-default:"30s"`
	// Mirror the open state in Redis so every process sees it. Split api/worker
	// deployments always mirror.
	CircuitShared bool `env:"CIRCUIT_SHARED" env-default:"true"`

	// Processing attempts before a job is dead-lettered
	QueueMaxAttempts int `env:"QUEUE_MAX_ATTEMPTS" env-default:"3"`
	// Delay before each retry, indexed by attempt (last value repeats)
	QueueRetryBackoff []time.Duration `env:"QUEUE_RETRY_BACKOFF" env-default:"1s,5s,30s"`
	// Largest accepted payload
	QueueMaxPayloadBytes int `env:"QUEUE_MAX_PAYLOAD_BYTES" env-default:"1048576"`
	// Lifetime of job metadata and idempotency keys
	QueueJobTTL time.Duration `env:"QUEUE_JOB_TTL" env-default:"24h"`
	// How long dead-lettered jobs are kept
	QueueDLQRetention time.Duration `env:"QUEUE_DLQ_RETENTION" env-default:"168h"`
	// Lease on a dequeued job before it is considered abandoned
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" env-default:"2m"`

	// Worker settings
	WorkerCount          int           `env:"WORKER_COUNT" env-default:"4"`
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL" env-default:"500ms"`
	WorkerProcessTimeout time.Duration `env:"WORKER_PROCESS_TIMEOUT" env-default:"30s"`
	// Budget for saving a result to the result store
	ResultStoreTimeout time.Duration `env:"RESULT_STORE_TIMEOUT" env-default:"5s"`
	// Budget for publishing one lifecycle event
	KafkaPublishTimeout time.Duration `env:"KAFKA_PUBLISH_TIMEOUT" env-default:"5s"`
	SweeperInterval      time.Duration `env:"SWEEPER_INTERVAL" env-default:"1s"`
	DLQPurgeInterval     time.Duration `env:"DLQ_PURGE_INTERVAL" env-default:"1m"`

	// AI provider. An empty key leaves enqueueing working but fails ai jobs.
	AIBaseURL string `env:"AI_BASE_URL" env-default:"https://api.openai.com/v1"`
	AIAPIKey  string `env:"AI_API_KEY" env-default:""`
	AIModel   string `env:"AI_MODEL" env-default:"gpt-4o-mini"`
	// JMESPath expression selecting the answer from the provider response
	AIResultPath string `env:"AI_RESULT_PATH" env-default:"choices[0].message.content"`
	// Largest document file_processing jobs will download
	FileMaxBytes int64 `env:"FILE_MAX_BYTES" env-default:"5242880"`

	// Result store. Leaving DB_HOST empty disables result persistence.
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Kafka brokers (comma-separated). Empty disables event publishing.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Topic for job lifecycle events
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"fern.job-events"`
	// Topic notification jobs deliver to
	KafkaNotificationsTopic string `env:"KAFKA_NOTIFICATIONS_TOPIC" env-default:"fern.notifications"`

	// Tracing settings
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.RedisURL == "" {
		problems = append(problems, "REDIS_URL is required")
	}
	if c.RateLimitCount <= 0 || c.RateLimitWindow <= 0 {
		problems = append(problems, "RATE_LIMIT_COUNT and RATE_LIMIT_WINDOW must be positive")
	}
	if c.CircuitFailureThreshold <= 0 || c.CircuitFailureWindow <= 0 || c.CircuitOpenDuration <= 0 {
		problems = append(problems, "circuit breaker settings must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		problems = append(problems, "QUEUE_MAX_ATTEMPTS must be positive")
	}
	if len(c.QueueRetryBackoff) == 0 {
		problems = append(problems, "QUEUE_RETRY_BACKOFF must list at least one delay")
	}
	if c.QueueMaxPayloadBytes <= 0 {
		problems = append(problems, "QUEUE_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.QueueVisibilityTimeout <= c.WorkerProcessTimeout {
		problems = append(problems, "QUEUE_VISIBILITY_TIMEOUT must exceed WORKER_PROCESS_TIMEOUT")
	}
	if c.ResultStoreTimeout <= 0 || c.KafkaPublishTimeout <= 0 {
		problems = append(problems, "RESULT_STORE_TIMEOUT and KAFKA_PUBLISH_TIMEOUT must be positive")
	}
	if c.WorkerCount <= 0 {
		problems = append(problems, "WORKER_COUNT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DatabaseEnabled reports whether a result store is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseHost != ""
}

// KafkaEnabled reports whether event publishing is configured.
func (c *Config) KafkaEnabled() bool {
	return strings.TrimSpace(c.KafkaBrokers) != ""
}

// DatabaseDSN builds the postgres connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

// KafkaBrokerList splits KAFKA_BROKERS.
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
