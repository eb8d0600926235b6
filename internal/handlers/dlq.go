package handlers

import (
	"context"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/queue"
)

const maxDLQListCount = 500

// DLQReader lists a user's dead-lettered jobs
type DLQReader interface {
	ListDLQByUser(ctx context.Context, userID string, count int64) ([]queue.DLQEntry, error)
}

// DLQHandler serves the caller's dead letter entries. There is no replay endpoint.
type DLQHandler struct {
	dlq    DLQReader
	logger ectologger.Logger
}

// NewDLQHandler creates a new DLQ handler
func NewDLQHandler(dlq DLQReader, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{
		dlq:    dlq,
		logger: logger,
	}
}

// DLQListResponse represents the response for listing DLQ entries
type DLQListResponse struct {
	Entries []queue.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
}

// List returns the caller's dead letter queue entries, newest first
// GET /jobs/dlq
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	count := int64(100)
	if countStr := c.QueryParam("count"); countStr != "" {
		parsed, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil || parsed <= 0 {
			return BadRequest("count must be a positive integer")
		}
		count = min(parsed, maxDLQListCount)
	}

	entries, err := h.dlq.ListDLQByUser(ctx, userID, count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return queueError(err)
	}

	return SuccessResponse(c, DLQListResponse{
		Entries: entries,
		Count:   len(entries),
	})
}

// RegisterRoutes registers the DLQ routes
func (h *DLQHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/jobs/dlq", h.List)
}
