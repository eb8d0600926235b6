package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultMaxAttempts       = 3
	DefaultMaxPayloadBytes   = 1 << 20
	DefaultJobTTL            = 24 * time.Hour
	DefaultDLQRetention      = 7 * 24 * time.Hour
	DefaultVisibilityTimeout = 2 * time.Minute
)

// DefaultBackoff is the delay before retry n (1-based); the last value repeats.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Config holds queue limits and timings
type Config struct {
	MaxAttempts       int
	Backoff           []time.Duration
	MaxPayloadBytes   int
	JobTTL            time.Duration
	DLQRetention      time.Duration
	VisibilityTimeout time.Duration
}

// EnqueueRequest describes a new job
type EnqueueRequest struct {
	UserID         string
	Type           Kind
	Payload        json.RawMessage
	IdempotencyKey string
}

// EnqueueResult is the job the request resolved to
type EnqueueResult struct {
	JobID string
	// Duplicate is set when an existing live job was returned for the idempotency key
	Duplicate bool
	Status    Status
}

// Outcome is what a processing attempt reports back
type Outcome struct {
	Success   bool
	Error     string
	ResultRef string
	// Permanent skips the remaining retries and dead-letters the job
	Permanent bool
}

// CompletionState is where a job went after CompleteJob
type CompletionState string

const (
	CompletionCompleted    CompletionState = "completed"
	CompletionRetrying     CompletionState = "retrying"
	CompletionDeadLettered CompletionState = "dead_lettered"
	CompletionCancelled    CompletionState = "cancelled"
	// CompletionStale means the job was no longer held by this attempt and nothing changed
	CompletionStale CompletionState = "stale"
)

// Completion describes the transition CompleteJob performed
type Completion struct {
	JobID         string
	State         CompletionState
	NextAttemptAt time.Time
	DLQEntryID    string
}

// Stats are the sizes of the queue structures
type Stats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	DLQ        int64 `json:"dlq"`
}

// Queue is a Redis-backed job queue with a ready list, a retry set and a dead letter stream
type Queue struct {
	client *redis.Client
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time

	readyKey      string
	processingKey string
	retryKey      string
	dlqKey        string
}

// New creates a queue, applying defaults to unset config values
func New(client *redis.Client, cfg Config, logger ectologger.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = DefaultJobTTL
	}
	if cfg.DLQRetention <= 0 {
		cfg.DLQRetention = DefaultDLQRetention
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}

	return &Queue{
		client:        client,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		readyKey:      client.Key("queue", "ready"),
		processingKey: client.Key("queue", "processing"),
		retryKey:      client.Key("queue", "retry"),
		dlqKey:        client.Key("queue", "dlq"),
	}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// BackoffFor returns the delay applied after the given failed attempt.
func (q *Queue) BackoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	return q.cfg.Backoff[idx]
}

func (q *Queue) jobKey(id string) string {
	return q.client.Key("job", id)
}

func (q *Queue) idempotencyKey(userID, key string) string {
	return q.client.Key("idem", userID, key)
}

func (q *Queue) prefix() string {
	return q.client.Key()
}

func (q *Queue) backoffArgs(args []any) []any {
	for _, d := range q.cfg.Backoff {
		args = append(args, d.Milliseconds())
	}
	return args
}

// Enqueue stores a new queued job, or returns the live job already registered for the
// user's idempotency key.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.Enqueue")
	defer span.End()

	if len(req.Payload) > q.cfg.MaxPayloadBytes {
		metrics.RecordEnqueue(string(req.Type), "rejected")
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(req.Payload), q.cfg.MaxPayloadBytes)
	}
	if _, err := ParseKind(string(req.Type)); err != nil {
		return nil, err
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	id := uuid.New().String()
	reply, err := enqueueScript.Run(ctx, q.client.Redis(),
		[]string{q.idempotencyKey(req.UserID, req.IdempotencyKey), q.jobKey(id), q.readyKey},
		id,
		string(req.Type),
		req.UserID,
		string(payload),
		req.IdempotencyKey,
		q.now().UnixMilli(),
		q.cfg.JobTTL.Milliseconds(),
		q.prefix(),
	).Slice()
	if err != nil {
		metrics.RecordEnqueue(string(req.Type), "unavailable")
		q.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue job")
		return nil, unavailable("enqueue", err)
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("enqueue: unexpected reply %v", reply)
	}

	created, _ := redis.Int64(reply[0])
	result := &EnqueueResult{JobID: redis.String(reply[1]), Status: StatusQueued}

	if created == 0 {
		result.Duplicate = true
		if existing, err := q.load(ctx, result.JobID); err == nil {
			result.Status = existing.Status
		}
		metrics.RecordEnqueue(string(req.Type), "duplicate")
		q.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":          result.JobID,
			"user_id":         req.UserID,
			"idempotency_key": req.IdempotencyKey,
		}).Info("Duplicate enqueue returned existing job")
		return result, nil
	}

	metrics.RecordEnqueue(string(req.Type), "created")
	q.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":  result.JobID,
		"user_id": req.UserID,
		"type":    string(req.Type),
	}).Info("Job enqueued")
	return result, nil
}

// Dequeue claims the job at the head of the ready list, or returns nil when it is empty.
// The claim is leased for VisibilityTimeout; an expired lease is reclaimed by the sweeper.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.Dequeue")
	defer span.End()

	reply, err := dequeueScript.Run(ctx, q.client.Redis(),
		[]string{q.readyKey, q.processingKey},
		q.now().UnixMilli(),
		q.cfg.VisibilityTimeout.Milliseconds(),
		q.cfg.JobTTL.Milliseconds(),
		q.prefix(),
	).Slice()
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if len(reply) == 0 {
		return nil, nil
	}

	return jobFromFields(fieldsFromReply(reply))
}

// CompleteJob records the outcome of the attempt that dequeued job. Failures are retried
// after the backoff for the attempt until MaxAttempts, then dead-lettered.
func (q *Queue) CompleteJob(ctx context.Context, job *Job, outcome Outcome) (*Completion, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.CompleteJob")
	defer span.End()

	success := "0"
	if outcome.Success {
		success = "1"
	}
	if !outcome.Success && outcome.Error == "" {
		outcome.Error = "unknown error"
	}

	maxAttempts := q.cfg.MaxAttempts
	if outcome.Permanent && !outcome.Success {
		maxAttempts = job.Attempts
	}

	args := q.backoffArgs([]any{
		job.ID,
		strconv.Itoa(job.Attempts),
		success,
		outcome.Error,
		outcome.ResultRef,
		q.now().UnixMilli(),
		q.cfg.JobTTL.Milliseconds(),
		maxAttempts,
		q.prefix(),
	})

	reply, err := completeScript.Run(ctx, q.client.Redis(),
		[]string{q.jobKey(job.ID), q.processingKey, q.retryKey, q.dlqKey},
		args...,
	).Slice()
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).Errorf("Failed to complete job %s", job.ID)
		return nil, unavailable("complete", err)
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("complete: unexpected reply %v", reply)
	}

	completion, err := q.completion(job.ID, redis.String(reply[0]), redis.String(reply[1]))
	if err != nil {
		return nil, err
	}
	q.logCompletion(ctx, job, completion, outcome.Error)
	return completion, nil
}

func (q *Queue) completion(jobID, state, detail string) (*Completion, error) {
	c := &Completion{JobID: jobID, State: CompletionState(state)}

	switch c.State {
	case CompletionCompleted, CompletionCancelled, CompletionStale:
	case CompletionRetrying:
		t, err := msTime(detail)
		if err != nil {
			return nil, fmt.Errorf("complete: bad retry time %q: %w", detail, err)
		}
		c.NextAttemptAt = t
	case CompletionDeadLettered:
		c.DLQEntryID = detail
	case "missing":
		return nil, fmt.Errorf("complete %s: %w", jobID, ErrNotFound)
	default:
		return nil, fmt.Errorf("complete: unexpected state %q", state)
	}
	return c, nil
}

func (q *Queue) logCompletion(ctx context.Context, job *Job, c *Completion, reason string) {
	log := q.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   job.ID,
		"type":     string(job.Type),
		"attempts": job.Attempts,
		"state":    string(c.State),
	})

	switch c.State {
	case CompletionCompleted:
		log.Info("Job completed")
	case CompletionRetrying:
		log.WithField("next_attempt_at", c.NextAttemptAt).Warnf("Job failed, retrying: %s", reason)
	case CompletionDeadLettered:
		metrics.RecordDLQJob(string(job.Type))
		log.WithField("dlq_entry", c.DLQEntryID).Errorf("Job moved to DLQ after %d attempts: %s", job.Attempts, reason)
	case CompletionCancelled:
		log.Info("Job cancelled during processing")
	case CompletionStale:
		log.Warn("Ignored completion for a job this attempt no longer holds")
	}
}

// GetStatus returns the job if it exists and belongs to userID.
func (q *Queue) GetStatus(ctx context.Context, userID, jobID string) (*Job, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.GetStatus")
	defer span.End()

	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

// Cancel stops a queued job outright and flags a processing job for the processor to observe.
// Jobs already in a terminal state are returned unchanged.
func (q *Queue) Cancel(ctx context.Context, userID, jobID string) (*Job, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.Cancel")
	defer span.End()

	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrNotFound
	}

	reply, err := cancelScript.Run(ctx, q.client.Redis(),
		[]string{q.jobKey(jobID), q.readyKey, q.retryKey},
		jobID,
		userID,
		q.now().UnixMilli(),
		q.cfg.JobTTL.Milliseconds(),
		q.prefix(),
	).Slice()
	if err != nil {
		return nil, unavailable("cancel", err)
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("cancel: unexpected reply %v", reply)
	}

	result := redis.String(reply[0])
	if result == "missing" {
		return nil, ErrNotFound
	}

	q.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":      jobID,
		"user_id":     userID,
		"prev_status": redis.String(reply[1]),
		"result":      result,
	}).Info("Cancel requested")

	return q.load(ctx, jobID)
}

// IsCancelRequested reports whether a cancel arrived while the job was processing.
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	v, err := q.client.Redis().HGet(ctx, q.jobKey(jobID), "cancel_requested").Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("cancel check", err)
	}
	return v == "1", nil
}

// Stats returns the size of each queue structure.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Redis().Pipeline()
	queued := pipe.LLen(ctx, q.readyKey)
	processing := pipe.ZCard(ctx, q.processingKey)
	retry := pipe.ZCard(ctx, q.retryKey)
	dlq := pipe.XLen(ctx, q.dlqKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("stats", err)
	}

	return &Stats{
		Queued:     queued.Val(),
		Processing: processing.Val(),
		Retry:      retry.Val(),
		DLQ:        dlq.Val(),
	}, nil
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx)
}

func (q *Queue) load(ctx context.Context, jobID string) (*Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrNotFound
	}

	fields, err := q.client.Redis().HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, unavailable("load", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromFields(fields)
}
