package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/Ramsey-B/fern/pkg/ai"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/queue"
)

const (
	analysisPrompt = "You categorize personal expenses. Reply with the category, amount, currency and a one-line note."
	summaryPrompt  = "Extract the merchant, date, line items and total from this document."
)

// Completer is the AI client used by handlers
type Completer interface {
	Complete(ctx context.Context, messages ...ai.Message) (*ai.Result, error)
}

// Fetcher downloads documents for file processing
type Fetcher interface {
	Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error)
}

// NotificationPublisher delivers notification payloads
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n *events.Notification) error
}

// NewDefaultRegistry wires a handler for every job kind. notifier may be nil.
func NewDefaultRegistry(completer Completer, fetcher Fetcher, notifier NotificationPublisher) *Registry {
	return NewRegistry().
		Register(queue.KindAIAnalysis, &AIAnalysisHandler{AI: completer}).
		Register(queue.KindFileProcessing, &FileProcessingHandler{AI: completer, Fetcher: fetcher}).
		Register(queue.KindNotification, &NotificationHandler{Publisher: notifier})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// AIAnalysisHandler sends the payload's text to the AI provider
type AIAnalysisHandler struct {
	AI Completer
}

type analysisPayload struct {
	Text string `json:"text"`
}

func (h *AIAnalysisHandler) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	text := string(job.Payload)
	var p analysisPayload
	if err := json.Unmarshal(job.Payload, &p); err == nil && strings.TrimSpace(p.Text) != "" {
		text = p.Text
	}
	if strings.TrimSpace(text) == "" || text == "null" {
		return nil, invalid("nothing to analyze")
	}

	res, err := h.AI.Complete(ctx,
		ai.Message{Role: "system", Content: analysisPrompt},
		ai.Message{Role: "user", Content: text},
	)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// FileProcessingHandler downloads a document and asks the AI provider to summarize it
type FileProcessingHandler struct {
	AI      Completer
	Fetcher Fetcher
}

type filePayload struct {
	URL          string `json:"url"`
	Instructions string `json:"instructions"`
}

type fileResult struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Summary     string `json:"summary"`
	Model       string `json:"model"`
}

func (h *FileProcessingHandler) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var p filePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, invalid("expected an object with url: %v", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid("url must be an absolute http(s) url")
	}

	resp, err := h.Fetcher.Get(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, httpclient.ErrResponseTooLarge) {
			return nil, invalid("%v", err)
		}
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		if httpclient.IsRetryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("document fetch returned %d", resp.StatusCode)
		}
		return nil, invalid("document fetch returned %d", resp.StatusCode)
	}
	if !utf8.Valid(resp.Body) {
		return nil, invalid("document is not text (%s)", resp.ContentType)
	}

	prompt := summaryPrompt
	if p.Instructions != "" {
		prompt = p.Instructions
	}
	res, err := h.AI.Complete(ctx,
		ai.Message{Role: "system", Content: prompt},
		ai.Message{Role: "user", Content: string(resp.Body)},
	)
	if err != nil {
		return nil, err
	}

	return json.Marshal(fileResult{
		URL:         u.String(),
		ContentType: resp.ContentType,
		Bytes:       len(resp.Body),
		Summary:     res.Content,
		Model:       res.Model,
	})
}

// NotificationHandler forwards the payload to the notifications topic
type NotificationHandler struct {
	Publisher NotificationPublisher
}

func (h *NotificationHandler) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	if !json.Valid(job.Payload) {
		return nil, invalid("payload is not JSON")
	}
	if h.Publisher == nil {
		return json.RawMessage(`{"delivered":false}`), nil
	}

	if err := h.Publisher.PublishNotification(ctx, &events.Notification{
		JobID:   job.ID,
		UserID:  job.UserID,
		Payload: job.Payload,
	}); err != nil {
		return nil, fmt.Errorf("failed to deliver notification: %w", err)
	}
	return json.RawMessage(`{"delivered":true}`), nil
}
