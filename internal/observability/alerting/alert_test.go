package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Dispatch/internal/events"
	xerrors "OpenMCP-Dispatch/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelWebhook}
	bad := &recordingNotifier{channel: ChannelSlack, err: errors.New("rate limited")}
	fanout := NewFanout(ok, bad, nil)
	require.Equal(t, 2, fanout.Len())

	err := fanout.Notify(context.Background(), Event{Code: xerrors.CodeBreakerOpen})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel slack")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}

func TestFromEventSelectsAlertableEvents(t *testing.T) {
	alert, ok := FromEvent(events.Event{Type: events.TypeOpen, Source: "claude", PreviousState: "closed", Counters: events.Counters{Failures: 3}})
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeBreakerOpen, alert.Code)
	assert.Equal(t, "3", alert.Metadata["failures"])

	alert, ok = FromEvent(events.Event{Type: events.TypeTaskCompleted, Source: "runtime", TaskID: "t-1", Status: "error", ErrorCode: string(xerrors.CodeDispatchExhausted)})
	require.True(t, ok)
	assert.Equal(t, xerrors.SeverityCritical, alert.Severity)
	assert.Equal(t, "t-1", alert.TaskID)

	_, ok = FromEvent(events.Event{Type: events.TypeTaskCompleted, Status: "timeout", ErrorCode: string(xerrors.CodeTimeout)})
	assert.False(t, ok)
	_, ok = FromEvent(events.Event{Type: events.TypeTaskCompleted, Status: "success"})
	assert.False(t, ok)
	_, ok = FromEvent(events.Event{Type: events.TypeFailure, Source: "claude"})
	assert.False(t, ok)
}

func (n *recordingNotifier) sources() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Source)
	}
	return out
}

type blockingNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (n *blockingNotifier) Channel() Channel { return ChannelWebhook }

func (n *blockingNotifier) Notify(ctx context.Context, _ Event) error {
	n.calls.Add(1)
	select {
	case <-n.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestListenerAppliesCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{channel: ChannelWebhook}
	listener := NewListener(NewFanout(notifier),
		WithCooldown(time.Minute),
		WithClock(func() time.Time { return now }))

	open := events.Event{Type: events.TypeOpen, Source: "claude"}
	listener.OnEvent(open)
	listener.OnEvent(open)
	listener.OnEvent(events.Event{Type: events.TypeOpen, Source: "ollama"})

	now = now.Add(61 * time.Second)
	listener.OnEvent(open)
	require.NoError(t, listener.Close())

	assert.Equal(t, []string{"claude", "ollama", "claude"}, notifier.sources())
	assert.False(t, notifier.events[2].OccurredAt.IsZero())
	assert.Zero(t, listener.Dropped())
}

func TestListenerDoesNotBlockOnSlowNotifier(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	listener := NewListener(NewFanout(notifier), WithCooldown(0), WithQueueSize(1))

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 5; i++ {
			listener.OnEvent(events.Event{Type: events.TypeOpen, Source: "claude"})
		}
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked on a slow notifier")
	}

	close(notifier.release)
	require.NoError(t, listener.Close())
	delivered := notifier.calls.Load()
	assert.GreaterOrEqual(t, delivered, int32(1))
	assert.EqualValues(t, 5, int64(delivered)+listener.Dropped())

	listener.OnEvent(events.Event{Type: events.TypeOpen, Source: "claude"})
	assert.EqualValues(t, 6, int64(notifier.calls.Load())+listener.Dropped())
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL}
	err := notifier.Notify(context.Background(), Event{Code: xerrors.CodeBreakerOpen, Source: "claude", OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "BREAKER_OPEN", got["code"])
	assert.Equal(t, "claude", got["source"])
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDingTalkAndSlackWebhooks(t *testing.T) {
	var bodies []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	alert := Event{Code: xerrors.CodeDispatchExhausted, Severity: xerrors.SeverityCritical, Source: "runtime", TaskID: "t-7", Metadata: map[string]string{"status": "error"}}
	ding := &DingTalkNotifier{Sender: &DingTalkWebhook{URL: srv.URL}}
	slack := &SlackNotifier{Sender: &SlackWebhook{URL: srv.URL}, ChannelID: "#ops"}
	require.NoError(t, NewFanout(ding, slack).Notify(context.Background(), alert))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	var sawText, sawSlack bool
	for _, body := range bodies {
		if body["msgtype"] == "text" {
			sawText = true
			content := body["text"].(map[string]any)["content"].(string)
			assert.Contains(t, content, "t-7")
			assert.Contains(t, content, "status: error")
		}
		if body["channel"] == "#ops" {
			sawSlack = true
			assert.Contains(t, body["text"], "DISPATCH_EXHAUSTED")
			assert.Contains(t, body["text"], "task=t-7")
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawSlack)
}
