package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the kind of work a job carries.
type Kind string

const (
	KindAIAnalysis     Kind = "ai_analysis"
	KindFileProcessing Kind = "file_processing"
	KindNotification   Kind = "notification"
)

// Kinds lists every accepted job kind.
var Kinds = []Kind{KindAIAnalysis, KindFileProcessing, KindNotification}

// ParseKind validates s as a job kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Job is the stored record of a unit of work.
type Job struct {
	ID              string          `json:"job_id"`
	Type            Kind            `json:"type"`
	UserID          string          `json:"user_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Error           string          `json:"error,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	ResultRef       string          `json:"result_ref,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	RetryPending    bool            `json:"retry_pending"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
}

// jobFromFields decodes a job hash (or a DLQ entry copied from one).
func jobFromFields(fields map[string]string) (*Job, error) {
	id := fields["id"]
	if id == "" {
		return nil, fmt.Errorf("job record has no id")
	}

	job := &Job{
		ID:              id,
		Type:            Kind(fields["type"]),
		UserID:          fields["user_id"],
		IdempotencyKey:  fields["idempotency_key"],
		Status:          Status(fields["status"]),
		Error:           fields["error"],
		ResultRef:       fields["result_ref"],
		CancelRequested: fields["cancel_requested"] == "1",
	}

	if p := fields["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}

	var err error
	if job.Attempts, err = atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("job %s attempts: %w", id, err)
	}
	if job.CreatedAt, err = msTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", id, err)
	}
	if job.UpdatedAt, err = msTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("job %s updated_at: %w", id, err)
	}
	if next := fields["next_attempt_at"]; next != "" {
		t, err := msTime(next)
		if err != nil {
			return nil, fmt.Errorf("job %s next_attempt_at: %w", id, err)
		}
		job.NextAttemptAt = &t
	}
	job.RetryPending = job.Status == StatusQueued && job.NextAttemptAt != nil

	// an empty Lua table encodes as {} in some Redis builds
	if h := fields["errors"]; h != "" && h != "[]" && h != "{}" {
		if err := json.Unmarshal([]byte(h), &job.Errors); err != nil {
			return nil, fmt.Errorf("job %s errors: %w", id, err)
		}
	}

	return job, nil
}

// fieldsFromReply converts a flat HGETALL-style script reply into a map.
func fieldsFromReply(reply []any) map[string]string {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return fields
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func msTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}, err
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC(), nil
}
