package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
)

// JobQueue is what the job endpoints need from the queue
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error)
	GetStatus(ctx context.Context, userID, jobID string) (*queue.Job, error)
	Cancel(ctx context.Context, userID, jobID string) (*queue.Job, error)
}

// Limiter admits or rejects a user's request
type Limiter interface {
	Allow(ctx context.Context, userID string) ratelimit.Decision
}

// Circuit reports whether the AI circuit is rejecting work
type Circuit interface {
	IsOpen(ctx context.Context) bool
	RetryAfter(ctx context.Context) time.Duration
}

// JobsConfig holds request limits for the job endpoints
type JobsConfig struct {
	MaxPayloadBytes int
	// OpTimeout bounds each store call made while serving a request
	OpTimeout time.Duration
}

// JobHandler handles job API requests
type JobHandler struct {
	queue   JobQueue
	limiter Limiter
	circuit Circuit
	cfg     JobsConfig
	logger  ectologger.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(q JobQueue, limiter Limiter, circuit Circuit, cfg JobsConfig, logger ectologger.Logger) *JobHandler {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = queue.DefaultMaxPayloadBytes
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	return &JobHandler{
		queue:   q,
		limiter: limiter,
		circuit: circuit,
		cfg:     cfg,
		logger:  logger,
	}
}

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	Type           string          `json:"type" validate:"required,oneof=ai_analysis file_processing notification"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=255"`
}

// CreateJobResponse is returned for an accepted job
type CreateJobResponse struct {
	JobID     string       `json:"job_id"`
	Status    queue.Status `json:"status"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// CancelJobResponse reports the job state after a cancel request
type CancelJobResponse struct {
	JobID           string       `json:"job_id"`
	Status          queue.Status `json:"status"`
	CancelRequested bool         `json:"cancel_requested"`
}

func (h *JobHandler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.OpTimeout)
}

// Create admits and enqueues a job
// POST /jobs
func (h *JobHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[CreateJobRequest](c)
	if err != nil {
		return err
	}
	if string(req.Payload) == "null" {
		return BadRequest("payload is required")
	}
	if len(req.Payload) > h.cfg.MaxPayloadBytes {
		return queueError(queue.ErrPayloadTooLarge)
	}

	decision := h.limiter.Allow(ctx, userID)
	if !decision.Allowed {
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id":     userID,
			"retry_after": decision.RetryAfter.String(),
		}).Info("Job rejected by rate limit")
		return TooManyRequests(c, decision.RetryAfter, "rate limit exceeded")
	}

	if h.circuit.IsOpen(ctx) {
		retryAfter := h.circuit.RetryAfter(ctx)
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id":     userID,
			"retry_after": retryAfter.String(),
		}).Info("Job rejected while circuit is open")
		return TooManyRequests(c, retryAfter, "ai service temporarily unavailable")
	}

	opCtx, cancel := h.opContext(ctx)
	defer cancel()

	result, err := h.queue.Enqueue(opCtx, queue.EnqueueRequest{
		UserID:         userID,
		Type:           queue.Kind(req.Type),
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if !errors.Is(err, queue.ErrUnavailable) {
			h.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue job")
		}
		return queueError(err)
	}

	return CreatedResponse(c, CreateJobResponse{
		JobID:     result.JobID,
		Status:    result.Status,
		Duplicate: result.Duplicate,
	})
}

// Status returns the caller's job
// GET /jobs/:id/status
func (h *JobHandler) Status(c echo.Context) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.opContext(c.Request().Context())
	defer cancel()

	job, err := h.queue.GetStatus(ctx, userID, c.Param("id"))
	if err != nil {
		return queueError(err)
	}

	return SuccessResponse(c, job)
}

// Cancel cancels a queued job or flags a processing one
// POST /jobs/:id/cancel
func (h *JobHandler) Cancel(c echo.Context) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := h.opContext(c.Request().Context())
	defer cancel()

	job, err := h.queue.Cancel(ctx, userID, c.Param("id"))
	if err != nil {
		return queueError(err)
	}

	return SuccessResponse(c, CancelJobResponse{
		JobID:           job.ID,
		Status:          job.Status,
		CancelRequested: job.CancelRequested,
	})
}

// RegisterRoutes registers the job routes. system serves GET /jobs/status.
func (h *JobHandler) RegisterRoutes(e *echo.Echo, system echo.HandlerFunc) {
	jobs := e.Group("/jobs")
	jobs.POST("", h.Create)
	jobs.GET("/status", system)
	jobs.GET("/:id/status", h.Status)
	jobs.POST("/:id/cancel", h.Cancel)
}
