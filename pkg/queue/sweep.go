package queue

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// PromoteDue moves retries whose backoff has elapsed back onto the ready list.
func (q *Queue) PromoteDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	n, err := promoteScript.Run(ctx, q.client.Redis(),
		[]string{q.retryKey, q.readyKey},
		q.now().UnixMilli(),
		limit,
		q.prefix(),
	).Int()
	if err != nil {
		return 0, unavailable("promote", err)
	}
	if n > 0 {
		q.logger.WithContext(ctx).Debugf("Promoted %d jobs from retry", n)
	}
	return n, nil
}

// Reclaimed is a job whose lease expired, and where it went
type Reclaimed struct {
	JobID string
	State CompletionState
	Type  Kind
}

// ReclaimExpired treats every processing job whose lease has lapsed as a failed attempt.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int) ([]Reclaimed, error) {
	if limit <= 0 {
		limit = 100
	}

	args := q.backoffArgs([]any{
		q.now().UnixMilli(),
		limit,
		q.cfg.JobTTL.Milliseconds(),
		q.cfg.MaxAttempts,
		q.prefix(),
	})

	reply, err := reclaimScript.Run(ctx, q.client.Redis(),
		[]string{q.processingKey, q.retryKey, q.dlqKey},
		args...,
	).Slice()
	if err != nil {
		return nil, unavailable("reclaim", err)
	}

	reclaimed := make([]Reclaimed, 0, len(reply)/3)
	for i := 0; i+2 < len(reply); i += 3 {
		r := Reclaimed{
			JobID: redis.String(reply[i]),
			State: CompletionState(redis.String(reply[i+1])),
			Type:  Kind(redis.String(reply[i+2])),
		}
		reclaimed = append(reclaimed, r)

		log := q.logger.WithContext(ctx).WithFields(map[string]any{"job_id": r.JobID, "state": string(r.State)})
		if r.State == CompletionDeadLettered {
			metrics.RecordDLQJob(string(r.Type))
			log.Error("Abandoned job exhausted its attempts, moved to DLQ")
		} else {
			log.Warn("Reclaimed job with expired lease")
		}
	}
	return reclaimed, nil
}

// PurgeDLQ drops dead letter entries older than the retention period.
func (q *Queue) PurgeDLQ(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.cfg.DLQRetention).UnixMilli()

	n, err := q.client.Redis().XTrimMinID(ctx, q.dlqKey, fmt.Sprintf("%d-0", cutoff)).Result()
	if err != nil {
		return 0, unavailable("purge dlq", err)
	}
	if n > 0 {
		q.logger.WithContext(ctx).Infof("Purged %d expired DLQ entries", n)
	}
	return n, nil
}

// RefreshDepthMetrics publishes the current queue sizes as gauges.
func (q *Queue) RefreshDepthMetrics(ctx context.Context) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	metrics.RecordQueueDepth(stats.Queued, stats.Processing, stats.Retry, stats.DLQ)
	return nil
}
