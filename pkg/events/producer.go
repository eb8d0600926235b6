package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Event types published on the lifecycle topic
const (
	TypeJobCompleted = "job.completed"
	TypeJobRetrying  = "job.retrying"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
)

// Config holds Kafka configuration
type Config struct {
	Brokers            []string
	EventsTopic        string
	NotificationsTopic string
}

// ParseBrokers splits a comma-separated broker string
func ParseBrokers(brokers string) []string {
	list := strings.Split(brokers, ",")
	out := make([]string, 0, len(list))
	for _, b := range list {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// JobEvent is a lifecycle event for a job
type JobEvent struct {
	Type          string     `json:"type"`
	JobID         string     `json:"job_id"`
	UserID        string     `json:"user_id"`
	JobType       string     `json:"job_type"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
	ResultRef     string     `json:"result_ref,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	TraceID       string     `json:"trace_id,omitempty"`
}

// Notification is what a notification job delivers
type Notification struct {
	JobID     string          `json:"job_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes job events and notifications to Kafka
type Producer struct {
	events        messageWriter
	notifications messageWriter
	eventsTopic   string
	notifyTopic   string
	logger        ectologger.Logger
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewProducer creates a producer. Messages are keyed by user id so a user's events stay ordered.
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	return &Producer{
		events:        newWriter(cfg.Brokers, cfg.EventsTopic),
		notifications: newWriter(cfg.Brokers, cfg.NotificationsTopic),
		eventsTopic:   cfg.EventsTopic,
		notifyTopic:   cfg.NotificationsTopic,
		logger:        logger,
	}
}

// Close closes both writers
func (p *Producer) Close() error {
	var firstErr error
	if err := p.events.Close(); err != nil {
		firstErr = err
	}
	if err := p.notifications.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PublishJobEvent publishes a lifecycle event
func (p *Producer) PublishJobEvent(ctx context.Context, evt *JobEvent) error {
	if evt == nil {
		return fmt.Errorf("job event is nil")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	return p.publish(ctx, p.events, p.eventsTopic, evt.UserID, evt, []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "job_id", Value: []byte(evt.JobID)},
		{Key: "user_id", Value: []byte(evt.UserID)},
	})
}

// PublishNotification delivers a notification job's payload
func (p *Producer) PublishNotification(ctx context.Context, n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.notifications, p.notifyTopic, n.UserID, n, []kafka.Header{
		{Key: "job_id", Value: []byte(n.JobID)},
		{Key: "user_id", Value: []byte(n.UserID)},
	})
}

func (p *Producer) publish(ctx context.Context, w messageWriter, topic, key string, value any, headers []kafka.Header) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
	)

	data, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	start := time.Now()
	err = w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	metrics.RecordKafkaPublish(topic, err == nil, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	return nil
}
