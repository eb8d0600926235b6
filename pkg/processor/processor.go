// Package processor runs a single attempt of a dequeued job and reports the outcome.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/ai"
	"github.com/Ramsey-B/fern/pkg/circuitbreaker"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultProcessTimeout bounds one attempt
	DefaultProcessTimeout = 30 * time.Second
	// DefaultStoreTimeout bounds saving a result
	DefaultStoreTimeout = 5 * time.Second
	// DefaultPublishTimeout bounds publishing a lifecycle event
	DefaultPublishTimeout = 5 * time.Second

	reasonCancelled = "cancelled"
)

var (
	// ErrInvalidPayload marks a payload the handler can never process; the job is not retried
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrTimeout is reported when an attempt exceeds ProcessTimeout
	ErrTimeout = errors.New("processing timed out")
)

// JobQueue is the part of the queue the processor reports to
type JobQueue interface {
	CompleteJob(ctx context.Context, job *queue.Job, outcome queue.Outcome) (*queue.Completion, error)
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Breaker guards the external provider
type Breaker interface {
	Allow(ctx context.Context) (circuitbreaker.Permit, bool)
	RecordSuccess(ctx context.Context, p circuitbreaker.Permit)
	RecordFailure(ctx context.Context, p circuitbreaker.Permit, reason string)
	Release(ctx context.Context, p circuitbreaker.Permit)
}

// ResultStore persists successful results and returns a reference
type ResultStore interface {
	Save(ctx context.Context, jobID, userID, jobType string, result json.RawMessage) (string, error)
}

// EventPublisher receives job lifecycle events
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, evt *events.JobEvent) error
}

type Config struct {
	ProcessTimeout time.Duration
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
}

// Processor executes job attempts. It is safe for concurrent use.
type Processor struct {
	queue    JobQueue
	breaker  Breaker
	registry *Registry
	results  ResultStore
	events   EventPublisher
	cfg      Config
	logger   ectologger.Logger
}

func New(q JobQueue, breaker Breaker, registry *Registry, cfg Config, logger ectologger.Logger) *Processor {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &Processor{
		queue:    q,
		breaker:  breaker,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithResultStore enables result persistence.
func (p *Processor) WithResultStore(store ResultStore) *Processor {
	p.results = store
	return p
}

// WithEvents enables lifecycle event publishing.
func (p *Processor) WithEvents(publisher EventPublisher) *Processor {
	p.events = publisher
	return p
}

// ProcessJob runs one attempt and always reports it through CompleteJob exactly once.
// It returns true only when the job completed successfully.
func (p *Processor) ProcessJob(ctx context.Context, job *queue.Job) bool {
	ctx = appctx.SetJob(ctx, job.ID, string(job.Type))
	ctx = appctx.SetUserID(ctx, job.UserID)
	ctx, span := tracing.StartSpan(ctx, "Processor.ProcessJob")
	defer span.End()

	start := time.Now()
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   job.ID,
		"type":     string(job.Type),
		"user_id":  job.UserID,
		"attempts": job.Attempts,
	})
	log.Info("Processing job")

	outcome := p.attempt(ctx, job)

	completion, err := p.queue.CompleteJob(ctx, job, outcome)
	if err != nil {
		// the lease expires and the sweeper reclaims the job
		log.WithError(err).Error("Failed to record job outcome")
		metrics.RecordJobProcessed(string(job.Type), "unrecorded", time.Since(start))
		return false
	}

	metrics.RecordJobProcessed(string(job.Type), string(completion.State), time.Since(start))
	p.publish(ctx, job, outcome, completion)

	return completion.State == queue.CompletionCompleted
}

// attempt never panics and returns the outcome to record.
func (p *Processor) attempt(ctx context.Context, job *queue.Job) queue.Outcome {
	log := p.logger.WithContext(ctx)

	if p.cancelRequested(ctx, job) {
		return queue.Outcome{Error: reasonCancelled}
	}

	handler, found := p.registry.Lookup(job.Type)
	if !found {
		log.Errorf("No handler registered for job type %s", job.Type)
		return queue.Outcome{Error: fmt.Sprintf("unknown job type: %s", job.Type), Permanent: true}
	}

	permit, ok := p.breaker.Allow(ctx)
	if !ok {
		log.Warn("Circuit breaker open, skipping external call")
		return queue.Outcome{Error: circuitbreaker.ErrOpen.Error()}
	}

	result, err := p.run(ctx, handler, job)
	if err != nil {
		if permanent(err) {
			// says nothing about provider health; a held trial goes back to the breaker
			p.breaker.Release(ctx, permit)
			log.WithError(err).Warn("Job rejected permanently")
			return queue.Outcome{Error: err.Error(), Permanent: true}
		}
		p.breaker.RecordFailure(ctx, permit, err.Error())
		log.WithError(err).Warn("Job attempt failed")
		return queue.Outcome{Error: err.Error()}
	}
	p.breaker.RecordSuccess(ctx, permit)

	if p.cancelRequested(ctx, job) {
		return queue.Outcome{Error: reasonCancelled}
	}

	return queue.Outcome{Success: true, ResultRef: p.store(ctx, job, result)}
}

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ai.ErrNotConfigured) {
		return true
	}
	var statusErr *ai.StatusError
	return errors.As(err, &statusErr) && !statusErr.Retryable()
}

// run calls the handler under the process timeout, converting a panic into an error.
func (p *Processor) run(ctx context.Context, handler Handler, job *queue.Job) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithContext(ctx).Errorf("Handler panic for job %s: %v\n%s", job.ID, r, debug.Stack())
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := handler.Handle(ctx, job)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.ProcessTimeout)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.ProcessTimeout)
	}
}

func (p *Processor) cancelRequested(ctx context.Context, job *queue.Job) bool {
	requested, err := p.queue.IsCancelRequested(ctx, job.ID)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to check cancel flag")
		return false
	}
	if requested {
		p.logger.WithContext(ctx).Info("Job cancelled before completion")
	}
	return requested
}

func (p *Processor) store(ctx context.Context, job *queue.Job, result json.RawMessage) string {
	if p.results == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()

	ref, err := p.results.Save(ctx, job.ID, job.UserID, string(job.Type), result)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Result store unavailable, completing without result_ref")
		return ""
	}
	return ref
}

func (p *Processor) publish(ctx context.Context, job *queue.Job, outcome queue.Outcome, c *queue.Completion) {
	if p.events == nil {
		return
	}

	evt := &events.JobEvent{
		JobID:    job.ID,
		UserID:   job.UserID,
		JobType:  string(job.Type),
		Attempts: job.Attempts,
		Error:    outcome.Error,
	}

	switch c.State {
	case queue.CompletionCompleted:
		evt.Type, evt.Status, evt.ResultRef = events.TypeJobCompleted, string(queue.StatusCompleted), outcome.ResultRef
	case queue.CompletionRetrying:
		next := c.NextAttemptAt
		evt.Type, evt.Status, evt.NextAttemptAt = events.TypeJobRetrying, string(queue.StatusQueued), &next
	case queue.CompletionDeadLettered:
		evt.Type, evt.Status = events.TypeJobFailed, string(queue.StatusFailed)
	case queue.CompletionCancelled:
		evt.Type, evt.Status = events.TypeJobCancelled, string(queue.StatusCancelled)
	default:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	if err := p.events.PublishJobEvent(ctx, evt); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s event", evt.Type)
	}
}
