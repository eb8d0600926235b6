package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/circuitbreaker"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	t       *testing.T
	e       *echo.Echo
	mr      *miniredis.Miniredis
	queue   *queue.Queue
	breaker *circuitbreaker.Breaker
}

func newTestAPI(t *testing.T, rateLimit int) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client := redis.NewFromRedis(rdb, redis.Config{KeyPrefix: "fern:", OpTimeout: time.Second}, logger)
	clock := func() time.Time { return testNow }

	q := queue.New(client, queue.Config{MaxPayloadBytes: 64}, logger).WithClock(clock)
	limiter := ratelimit.NewLimiter(client, ratelimit.Config{Limit: rateLimit, Window: time.Hour}, logger).WithClock(clock)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "ai",
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		OpenDuration:     30 * time.Second,
	}, logger).WithClock(clock)
	checker := health.NewChecker(q, breaker, "test").WithClock(clock)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())

	NewJobHandler(q, limiter, breaker, JobsConfig{MaxPayloadBytes: 64, OpTimeout: time.Second}, logger).
		RegisterRoutes(e, checker.SystemHandler)
	NewDLQHandler(q, logger).RegisterRoutes(e)

	return &testAPI{t: t, e: e, mr: mr, queue: q, breaker: breaker}
}

func (a *testAPI) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createJob(userID, key string) CreateJobResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/jobs", userID, map[string]any{
		"type":            "ai_analysis",
		"payload":         map[string]any{"prompt": "categorize"},
		"idempotency_key": key,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var res CreateJobResponse
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateJob(t *testing.T) {
	api := newTestAPI(t, 60)

	res := api.createJob("user-1", "")
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, queue.StatusQueued, res.Status)
	assert.False(t, res.Duplicate)
}

func TestCreateJob_IdempotentPerUser(t *testing.T) {
	api := newTestAPI(t, 60)

	first := api.createJob("user-1", "k1")
	second := api.createJob("user-1", "k1")
	other := api.createJob("user-2", "k1")

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Duplicate)
	assert.NotEqual(t, first.JobID, other.JobID)
}

func TestCreateJob_Validation(t *testing.T) {
	api := newTestAPI(t, 60)

	tests := []struct {
		name   string
		userID string
		body   any
		code   int
	}{
		{"missing user header", "", map[string]any{"type": "ai_analysis", "payload": map[string]any{}}, http.StatusBadRequest},
		{"malformed body", "user-1", `{"type":`, http.StatusBadRequest},
		{"missing type", "user-1", map[string]any{"payload": map[string]any{}}, http.StatusBadRequest},
		{"unknown type", "user-1", map[string]any{"type": "mine_bitcoin", "payload": map[string]any{}}, http.StatusBadRequest},
		{"missing payload", "user-1", map[string]any{"type": "notification"}, http.StatusBadRequest},
		{"null payload", "user-1", `{"type":"notification","payload":null}`, http.StatusBadRequest},
		{"payload too large", "user-1", map[string]any{"type": "ai_analysis", "payload": map[string]any{"prompt": strings.Repeat("x", 100)}}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/jobs", tt.userID, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	stats, err := api.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Queued, "rejected requests must not enqueue")
}

func TestCreateJob_RateLimited(t *testing.T) {
	api := newTestAPI(t, 2)

	api.createJob("user-1", "")
	api.createJob("user-1", "")

	rec := api.do(http.MethodPost, "/jobs", "user-1", map[string]any{"type": "ai_analysis", "payload": map[string]any{}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode(t, rec)["message"])

	// other users are unaffected
	api.createJob("user-2", "")
}

func TestCreateJob_CircuitOpen(t *testing.T) {
	api := newTestAPI(t, 60)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		permit, ok := api.breaker.Allow(ctx)
		require.True(t, ok)
		api.breaker.RecordFailure(ctx, permit, "provider down")
	}

	rec := api.do(http.MethodPost, "/jobs", "user-1", map[string]any{"type": "ai_analysis", "payload": map[string]any{}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "ai service temporarily unavailable", decode(t, rec)["message"])
}

func TestCreateJob_StoreUnavailable(t *testing.T) {
	api := newTestAPI(t, 60)
	api.mr.Close()

	rec := api.do(http.MethodPost, "/jobs", "user-1", map[string]any{"type": "ai_analysis", "payload": map[string]any{}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "job store unavailable", decode(t, rec)["message"])
}

func TestJobStatus(t *testing.T) {
	api := newTestAPI(t, 60)
	job := api.createJob("user-1", "")

	rec := api.do(http.MethodGet, "/jobs/"+job.JobID+"/status", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, job.JobID, body["job_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "ai_analysis", body["type"])
	assert.Equal(t, false, body["retry_pending"])

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/jobs/"+job.JobID+"/status", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/jobs/"+job.JobID+"/status", "user-2", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/jobs/6f1c1a52-0d8e-4b8c-9a57-1c2f5b0e9d11/status", "user-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/jobs/not-a-uuid/status", "user-1", nil).Code)
}

func TestCancelJob(t *testing.T) {
	api := newTestAPI(t, 60)
	job := api.createJob("user-1", "k1")

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/jobs/"+job.JobID+"/cancel", "user-2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/jobs/"+job.JobID+"/cancel", "", nil).Code)

	rec := api.do(http.MethodPost, "/jobs/"+job.JobID+"/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res CancelJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, job.JobID, res.JobID)
	assert.Equal(t, queue.StatusCancelled, res.Status)

	// the idempotency key is free again
	again := api.createJob("user-1", "k1")
	assert.NotEqual(t, job.JobID, again.JobID)
}

func TestCancelJob_Processing(t *testing.T) {
	api := newTestAPI(t, 60)
	job := api.createJob("user-1", "")

	claimed, err := api.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.JobID, claimed.ID)

	rec := api.do(http.MethodPost, "/jobs/"+job.JobID+"/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res CancelJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, queue.StatusProcessing, res.Status)
	assert.True(t, res.CancelRequested)
}

func TestSystemStatus(t *testing.T) {
	api := newTestAPI(t, 60)
	api.createJob("user-1", "")
	api.createJob("user-1", "")

	rec := api.do(http.MethodGet, "/jobs/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["redis_connected"])
	assert.Equal(t, false, body["circuit_breaker_open"])
	assert.Equal(t, 2.0, body["queue_stats"].(map[string]any)["queued"])
	assert.NotEmpty(t, body["timestamp"])

	api.mr.Close()
	rec = api.do(http.MethodGet, "/jobs/status", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["redis_connected"])
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 30, RetryAfterSeconds(30*time.Second))
}
