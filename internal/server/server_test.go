package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/circuitbreaker"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client := redis.NewFromRedis(rdb, redis.Config{OpTimeout: time.Second}, logger)

	q := queue.New(client, queue.Config{}, logger)
	limiter := ratelimit.NewLimiter(client, ratelimit.Config{Limit: 60, Window: time.Hour}, logger)
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ai"}, logger)
	checker := health.NewChecker(q, breaker, "test")
	checker.SetReady(true)

	return New(Config{AppName: "fern-test", Port: 0, MaxBodyBytes: 1024},
		handlers.NewJobHandler(q, limiter, breaker, handlers.JobsConfig{}, logger),
		handlers.NewDLQHandler(q, logger),
		checker,
		logger,
	)
}

func TestServer_Routes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusOK},
		{http.MethodGet, "/jobs/status", http.StatusOK},
		{http.MethodGet, "/jobs/dlq", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set(middleware.HeaderUserID, "user-1")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_BodyLimit(t *testing.T) {
	srv := newTestServer(t)

	body := `{"type":"ai_analysis","payload":{"prompt":"` + strings.Repeat("x", 2048) + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_MetricsExposeNamespace(t *testing.T) {
	srv := newTestServer(t)

	// generate at least one api sample
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "fern_api_requests_total")
}
