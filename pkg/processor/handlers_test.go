package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/ai"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/queue"
)

type fakeCompleter struct {
	messages []ai.Message
	err      error
}

func (c *fakeCompleter) Complete(_ context.Context, messages ...ai.Message) (*ai.Result, error) {
	c.messages = messages
	if c.err != nil {
		return nil, c.err
	}
	return &ai.Result{Content: "category: food", Model: "gpt-test"}, nil
}

type fakeNotifier struct {
	sent []*events.Notification
}

func (n *fakeNotifier) PublishNotification(_ context.Context, msg *events.Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}

func jobWithPayload(kind queue.Kind, payload string) *queue.Job {
	job := testJob(kind)
	job.Payload = json.RawMessage(payload)
	return job
}

func TestAIAnalysisHandler(t *testing.T) {
	completer := &fakeCompleter{}
	h := &AIAnalysisHandler{AI: completer}

	out, err := h.Handle(context.Background(), jobWithPayload(queue.KindAIAnalysis, `{"text":"coffee 4.20"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"analysis":"category: food","model":"gpt-test"}`, string(out))
	require.Len(t, completer.messages, 2)
	assert.Equal(t, "coffee 4.20", completer.messages[1].Content)

	// without a text field the whole payload is analyzed
	_, err = h.Handle(context.Background(), jobWithPayload(queue.KindAIAnalysis, `{"amount":12}`))
	require.NoError(t, err)
	assert.Equal(t, `{"amount":12}`, completer.messages[1].Content)

	_, err = h.Handle(context.Background(), jobWithPayload(queue.KindAIAnalysis, `null`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestAIAnalysisHandler_ProviderErrorIsTransient(t *testing.T) {
	h := &AIAnalysisHandler{AI: &fakeCompleter{err: errors.New("503")}}

	_, err := h.Handle(context.Background(), jobWithPayload(queue.KindAIAnalysis, `{"text":"x"}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPayload)
}

func TestFileProcessingHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/receipt.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("ACME MARKET 2026-03-01 TOTAL 12.50"))
		case "/big.txt":
			_, _ = w.Write([]byte(strings.Repeat("a", 200)))
		case "/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg := httpclient.DefaultConfig("file")
	cfg.MaxResponseSize = 100
	completer := &fakeCompleter{}
	h := &FileProcessingHandler{AI: completer, Fetcher: httpclient.NewClient(cfg, logger)}
	ctx := context.Background()

	out, err := h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `{"url":"`+srv.URL+`/receipt.txt"}`))
	require.NoError(t, err)

	var res fileResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "category: food", res.Summary)
	assert.Equal(t, 34, res.Bytes)
	assert.Equal(t, "ACME MARKET 2026-03-01 TOTAL 12.50", completer.messages[1].Content)

	_, err = h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `{"url":"`+srv.URL+`/big.txt"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `{"url":"`+srv.URL+`/missing"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `{"url":"`+srv.URL+`/flaky"}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `{"url":"file:///etc/passwd"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.Handle(ctx, jobWithPayload(queue.KindFileProcessing, `"just a string"`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNotificationHandler(t *testing.T) {
	notifier := &fakeNotifier{}
	h := &NotificationHandler{Publisher: notifier}

	out, err := h.Handle(context.Background(), jobWithPayload(queue.KindNotification, `{"message":"budget exceeded"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered":true}`, string(out))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "user-1", notifier.sent[0].UserID)

	noop := &NotificationHandler{}
	out, err = noop.Handle(context.Background(), jobWithPayload(queue.KindNotification, `{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered":false}`, string(out))
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(&fakeCompleter{}, nil, nil)
	for _, kind := range queue.Kinds {
		_, ok := r.Lookup(kind)
		assert.True(t, ok, kind)
	}
	_, ok := r.Lookup(queue.Kind("unknown"))
	assert.False(t, ok)
}
