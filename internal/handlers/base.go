package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
)

// GetUserID extracts the caller's user ID from context
func GetUserID(c echo.Context) (string, error) {
	userID := appctx.GetUserID(c.Request().Context())
	if userID == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "missing "+middleware.HeaderUserID+" header")
	}
	return userID, nil
}

// SuccessResponse returns a 200 OK with data
func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

// CreatedResponse returns a 201 Created with data
func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

// BadRequest returns a 400 Bad Request error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// TooManyRequests sets Retry-After and returns a 429 error.
func TooManyRequests(c echo.Context, retryAfter time.Duration, message string) error {
	seconds := RetryAfterSeconds(retryAfter)
	c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
	return httperror.NewHTTPError(http.StatusTooManyRequests, message).AddMetaValue("retry_after_seconds", seconds)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// queueError maps queue sentinels to HTTP errors. Unexpected errors pass through as 500s.
func queueError(err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrPayloadTooLarge):
		return httperror.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	case errors.Is(err, queue.ErrUnknownKind):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrUnavailable):
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "job store unavailable")
	default:
		return err
	}
}
