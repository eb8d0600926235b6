package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultTimeout bounds a request when the caller's context has no deadline
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseSize is the largest response body read (10MB)
	DefaultMaxResponseSize = 10 * 1024 * 1024

	// MaxRequestSize is the largest request body sent (5MB)
	MaxRequestSize = 5 * 1024 * 1024
)

// ErrResponseTooLarge is returned when a body exceeds the configured limit
var ErrResponseTooLarge = errors.New("response too large")

// Config holds HTTP client configuration
type Config struct {
	// Target labels metrics and logs, e.g. "ai" or "file"
	Target             string
	Timeout            time.Duration
	MaxResponseSize    int64
	MaxIdleConns       int
	IdleConnTimeout    time.Duration
	DisableCompression bool
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig(target string) Config {
	return Config{
		Target:          target,
		Timeout:         DefaultTimeout,
		MaxResponseSize: DefaultMaxResponseSize,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client wraps the HTTP client with logging, metrics and size limits
type Client struct {
	client *http.Client
	cfg    Config
	logger ectologger.Logger
}

// NewClient creates a new HTTP client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}

	transport := &http.Transport{
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: cfg.DisableCompression,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Response represents an HTTP response
type Response struct {
	StatusCode  int           `json:"status_code"`
	Header      http.Header   `json:"-"`
	Body        []byte        `json:"-"`
	BodyJSON    any           `json:"body,omitempty"`
	ContentType string        `json:"content_type"`
	Duration    time.Duration `json:"duration_ms"`
}

// Do executes a request. Non-2xx responses are returned, not treated as errors.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "HTTPClient.Do")
	defer span.End()

	if tp := tracing.GetTraceParent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordHTTPRequest(c.cfg.Target, 0, time.Since(start))
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, req.URL.Redacted())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.cfg.MaxResponseSize {
		metrics.RecordHTTPRequest(c.cfg.Target, resp.StatusCode, time.Since(start))
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrResponseTooLarge, resp.ContentLength, c.cfg.MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseSize+1))
	duration := time.Since(start)
	metrics.RecordHTTPRequest(c.cfg.Target, resp.StatusCode, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxResponseSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.cfg.MaxResponseSize)
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, req.URL.Redacted(), resp.StatusCode, duration)

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(ctx, req)
}

// PostJSON marshals body and POSTs it
func (c *Client) PostJSON(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	if len(data) > MaxRequestSize {
		return nil, fmt.Errorf("request body too large: %d bytes (max %d)", len(data), MaxRequestSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(ctx, req)
}
