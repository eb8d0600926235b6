// Package ai calls an OpenAI-compatible chat completions endpoint.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrNotConfigured is returned when no API key is set
	ErrNotConfigured = errors.New("ai provider not configured")

	// ErrEmptyResult is returned when the result path selects nothing
	ErrEmptyResult = errors.New("ai provider returned no result")
)

// StatusError is a non-2xx provider response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai provider returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the provider signalled a transient failure.
func (e *StatusError) Retryable() bool {
	return httpclient.IsRetryableStatus(e.StatusCode)
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// ResultPath is a JMESPath expression selecting the answer from the response
	ResultPath string
}

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Result is the provider's answer
type Result struct {
	Content string `json:"analysis"`
	Model   string `json:"model"`
}

// Client talks to the AI provider
type Client struct {
	http       *httpclient.Client
	cfg        Config
	resultPath *jmespath.JMESPath
	logger     ectologger.Logger
}

// NewClient compiles the result path and builds the client
func NewClient(httpClient *httpclient.Client, cfg Config, logger ectologger.Logger) (*Client, error) {
	if cfg.ResultPath == "" {
		cfg.ResultPath = "choices[0].message.content"
	}
	path, err := jmespath.Compile(cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("invalid ai result path %q: %w", cfg.ResultPath, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		http:       httpClient,
		cfg:        cfg,
		resultPath: path,
		logger:     logger,
	}, nil
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete sends the messages and returns the selected answer. ctx bounds the call.
func (c *Client) Complete(ctx context.Context, messages ...Message) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "AI.Complete")
	defer span.End()

	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	resp, err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/chat/completions",
		completionRequest{Model: c.cfg.Model, Messages: messages},
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
	)
	if err != nil {
		return nil, err
	}

	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		body := string(resp.Body)
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := httpclient.ParseResponse(resp); err != nil {
		return nil, fmt.Errorf("failed to decode ai response: %w", err)
	}

	selected, err := c.resultPath.Search(resp.BodyJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate ai result path: %w", err)
	}

	content, ok := selected.(string)
	if !ok || strings.TrimSpace(content) == "" {
		return nil, ErrEmptyResult
	}

	model := c.cfg.Model
	if body, ok := resp.BodyJSON.(map[string]any); ok {
		if m, ok := body["model"].(string); ok && m != "" {
			model = m
		}
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"model":       model,
		"duration_ms": resp.Duration.Milliseconds(),
	}).Debug("AI completion received")

	return &Result{Content: content, Model: model}, nil
}
