package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DLQEntry is a dead-lettered job as it was when its final attempt failed
type DLQEntry struct {
	ID             string    `json:"id"`
	Job            *Job      `json:"job"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ListDLQ returns up to count entries, newest first
func (q *Queue) ListDLQ(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.ListDLQ")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := q.client.Redis().XRevRangeN(ctx, q.dlqKey, "+", "-", count).Result()
	if err != nil {
		return nil, unavailable("list dlq", err)
	}
	return q.dlqEntries(ctx, messages), nil
}

// ListDLQByUser returns up to count of a user's entries, newest first
func (q *Queue) ListDLQByUser(ctx context.Context, userID string, count int64) ([]DLQEntry, error) {
	if count <= 0 {
		count = 100
	}

	entries, err := q.ListDLQ(ctx, count*10)
	if err != nil {
		return nil, err
	}

	filtered := ectolinq.Filter(entries, func(entry DLQEntry) bool {
		return entry.Job.UserID == userID
	})
	if filtered == nil {
		filtered = []DLQEntry{}
	}
	if int64(len(filtered)) > count {
		filtered = filtered[:count]
	}
	return filtered, nil
}

// GetDLQ returns a single entry by stream id
func (q *Queue) GetDLQ(ctx context.Context, entryID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "Queue.GetDLQ")
	defer span.End()

	if _, err := dlqEntryTime(entryID); err != nil {
		return nil, ErrNotFound
	}

	messages, err := q.client.Redis().XRange(ctx, q.dlqKey, entryID, entryID).Result()
	if err != nil {
		return nil, unavailable("get dlq", err)
	}
	entries := q.dlqEntries(ctx, messages)
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// DeleteDLQ removes an entry
func (q *Queue) DeleteDLQ(ctx context.Context, entryID string) error {
	if _, err := dlqEntryTime(entryID); err != nil {
		return ErrNotFound
	}

	n, err := q.client.Redis().XDel(ctx, q.dlqKey, entryID).Result()
	if err != nil {
		return unavailable("delete dlq", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	q.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", entryID)
	return nil
}

func (q *Queue) dlqEntries(ctx context.Context, messages []goredis.XMessage) []DLQEntry {
	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			s, _ := v.(string)
			fields[k] = s
		}

		job, err := jobFromFields(fields)
		if err != nil {
			q.logger.WithContext(ctx).WithError(err).Warnf("Failed to decode DLQ entry: %s", msg.ID)
			continue
		}

		at, _ := dlqEntryTime(msg.ID)
		entries = append(entries, DLQEntry{ID: msg.ID, Job: job, DeadLetteredAt: at})
	}
	return entries
}

// dlqEntryTime reads the timestamp embedded in a stream id ("<ms>-<seq>").
func dlqEntryTime(id string) (time.Time, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	return time.UnixMilli(n).UTC(), nil
}
