package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// connection string
	URL string
	// KeyPrefix is prepended to every key written through this client
	KeyPrefix string
	// OpTimeout bounds individual calls made on latency-sensitive paths
	OpTimeout time.Duration
}

// Client wraps the Redis client with logging and key namespacing
type Client struct {
	rdb       redis.UniversalClient
	logger    ectologger.Logger
	keyPrefix string
	opTimeout time.Duration
}

// NewClient parses the connection string and verifies the server is reachable
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := newClient(redis.NewClient(opts), cfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.WithContext(ctx).Infof("Connected to Redis at %s", opts.Addr)
	return client, nil
}

// NewFromRedis wraps an existing go-redis client without pinging it.
func NewFromRedis(rdb redis.UniversalClient, cfg Config, logger ectologger.Logger) *Client {
	return newClient(rdb, cfg, logger)
}

func newClient(rdb redis.UniversalClient, cfg Config, logger ectologger.Logger) *Client {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fern:"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	return &Client{
		rdb:       rdb,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		opTimeout: cfg.OpTimeout,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis returns the underlying Redis client for advanced operations
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Logger returns the client's logger
func (c *Client) Logger() ectologger.Logger {
	return c.logger
}

// Key namespaces parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	key := c.keyPrefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// WithTimeout derives a context bounded by the configured per-operation budget.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Int64 converts a Lua script reply element to int64.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0, err
			}
			return int64(f), nil
		}
		return parsed, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// String converts a Lua script reply element to string.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
