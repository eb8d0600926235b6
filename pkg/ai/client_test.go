package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/httpclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg.BaseURL = srv.URL + "/v1/"
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-test"
	}

	client, err := NewClient(httpclient.NewClient(httpclient.DefaultConfig("ai"), logger), cfg, logger)
	require.NoError(t, err)
	return client
}

func TestClient_Complete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "lunch 12.50", req.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-test-0125","choices":[{"message":{"role":"assistant","content":"category: food"}}]}`))
	}, Config{})

	res, err := client.Complete(context.Background(),
		Message{Role: "system", Content: "categorize"},
		Message{Role: "user", Content: "lunch 12.50"},
	)
	require.NoError(t, err)
	assert.Equal(t, "category: food", res.Content)
	assert.Equal(t, "gpt-test-0125", res.Model)
}

func TestClient_CustomResultPath(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"text":"ok"}}`))
	}, Config{ResultPath: "output.text"})

	res, err := client.Complete(context.Background(), Message{Role: "user", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "gpt-test", res.Model)
}

func TestClient_ProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`overloaded`))
	}, Config{})

	_, err := client.Complete(context.Background(), Message{Role: "user", Content: "hi"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.Retryable())
}

func TestClient_EmptyResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}, Config{})

	_, err := client.Complete(context.Background(), Message{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestClient_RespectsContextDeadline(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Message{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_NotConfigured(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client, err := NewClient(httpclient.NewClient(httpclient.DefaultConfig("ai"), logger), Config{}, logger)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Message{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewClient_InvalidResultPath(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	_, err := NewClient(httpclient.NewClient(httpclient.DefaultConfig("ai"), logger), Config{ResultPath: "choices[0"}, logger)
	assert.Error(t, err)
}
