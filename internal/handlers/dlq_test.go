package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
)

type fakeDLQ struct {
	entries   []queue.DLQEntry
	err       error
	lastUser  string
	lastCount int64
}

func (f *fakeDLQ) ListDLQByUser(_ context.Context, userID string, count int64) ([]queue.DLQEntry, error) {
	f.lastUser, f.lastCount = userID, count
	return f.entries, f.err
}

func serveDLQ(t *testing.T, dlq DLQReader, target, userID string) *httptest.ResponseRecorder {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	NewDLQHandler(dlq, logger).RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDLQList(t *testing.T) {
	dlq := &fakeDLQ{entries: []queue.DLQEntry{
		{ID: "1700000000000-0", Job: &queue.Job{ID: "a", UserID: "user-1", Status: queue.StatusFailed, Attempts: 3}},
	}}

	rec := serveDLQ(t, dlq, "/jobs/dlq?count=5", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var res DLQListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "a", res.Entries[0].Job.ID)
	assert.Equal(t, "user-1", dlq.lastUser)
	assert.Equal(t, int64(5), dlq.lastCount)
}

func TestDLQList_CountIsCapped(t *testing.T) {
	dlq := &fakeDLQ{}
	rec := serveDLQ(t, dlq, "/jobs/dlq?count=100000", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(maxDLQListCount), dlq.lastCount)
}

func TestDLQList_Errors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, serveDLQ(t, &fakeDLQ{}, "/jobs/dlq", "").Code)
	assert.Equal(t, http.StatusBadRequest, serveDLQ(t, &fakeDLQ{}, "/jobs/dlq?count=-1", "user-1").Code)

	down := &fakeDLQ{err: errors.Join(queue.ErrUnavailable, errors.New("dial tcp: refused"))}
	assert.Equal(t, http.StatusServiceUnavailable, serveDLQ(t, down, "/jobs/dlq", "user-1").Code)
}
