package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Dispatch/internal/events"
)

func newTestExporter(t *testing.T) (*Exporter, *prom.Registry) {
	t.Helper()
	reg := prom.NewRegistry()
	exporter, err := NewExporter(reg, Options{})
	require.NoError(t, err)
	return exporter, reg
}

func TestExporterCountsProviderOutcomes(t *testing.T) {
	exporter, _ := newTestExporter(t)

	exporter.OnEvent(events.Event{Type: events.TypeSuccess, Source: "claude"})
	exporter.OnEvent(events.Event{Type: events.TypeSuccess, Source: "claude"})
	exporter.OnEvent(events.Event{Type: events.TypeFailure, Source: "claude"})
	exporter.OnEvent(events.Event{Type: events.TypeFailure, Source: "claude", Timeout: true})
	exporter.OnEvent(events.Event{Type: events.TypeRejected, Source: "ollama"})

	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.providerCalls.WithLabelValues("claude", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.providerCalls.WithLabelValues("claude", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.providerCalls.WithLabelValues("claude", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.providerCalls.WithLabelValues("ollama", "rejected")))
}

func TestExporterTracksBreakerState(t *testing.T) {
	exporter, _ := newTestExporter(t)

	exporter.OnEvent(events.Event{Type: events.TypeOpen, Source: "claude", State: "open", PreviousState: "closed"})
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.breakerState.WithLabelValues("claude")))

	exporter.OnEvent(events.Event{Type: events.TypeHalfOpen, Source: "claude", State: "half-open", PreviousState: "open"})
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.breakerState.WithLabelValues("claude")))

	exporter.OnEvent(events.Event{Type: events.TypeClosed, Source: "claude", State: "closed", PreviousState: "half-open"})
	exporter.OnEvent(events.Event{Type: events.TypeReset, Source: "claude", State: "closed", PreviousState: "closed"})
	assert.Equal(t, 0.0, testutil.ToFloat64(exporter.breakerState.WithLabelValues("claude")))

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.breakerTransitions.WithLabelValues("claude", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.breakerTransitions.WithLabelValues("claude", "closed")))
}

func TestExporterRecordsTasks(t *testing.T) {
	exporter, _ := newTestExporter(t)

	exporter.OnEvent(events.Event{Type: events.TypeTaskCompleted, Source: "claude", TaskKind: "summarization", Status: "success", Duration: 250 * time.Millisecond})
	exporter.OnEvent(events.Event{Type: events.TypeTaskCompleted, Source: "runtime", TaskKind: "summarization", Status: "error"})
	exporter.OnEvent(events.Event{Type: events.TypeTaskRejected, Source: "runtime", ErrorCode: "CAPACITY_EXCEEDED"})

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.tasksTotal.WithLabelValues("summarization", "success", "claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.tasksTotal.WithLabelValues("summarization", "error", "runtime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.tasksRejected.WithLabelValues("CAPACITY_EXCEEDED")))
	assert.Equal(t, 1, testutil.CollectAndCount(exporter.taskDuration))
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter(reg, Options{Namespace: "dispatch"})
	require.NoError(t, err)
	second, err := NewExporter(reg, Options{Namespace: "dispatch"})
	require.NoError(t, err)

	first.OnEvent(events.Event{Type: events.TypeSuccess, Source: "a"})
	second.OnEvent(events.Event{Type: events.TypeSuccess, Source: "a"})

	assert.Equal(t, 2.0, testutil.ToFloat64(first.providerCalls.WithLabelValues("a", "success")))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	exporter, reg := newTestExporter(t)

	handler := exporter.Middleware("tasks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/tasks", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.httpRequests.WithLabelValues("tasks", "POST", "418")))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "openmcp_dispatch_http_requests_total"))
}

func TestNilExporterIsSafe(t *testing.T) {
	var exporter *Exporter
	assert.NotPanics(t, func() {
		exporter.OnEvent(events.Event{Type: events.TypeSuccess})
		exporter.ObserveHTTPRequest("x", "GET", 200, time.Second)
	})
	next := http.NotFoundHandler()
	assert.NotNil(t, exporter.Middleware("x", next))
}

func TestRegisterActiveTasksSamplesAtScrape(t *testing.T) {
	reg := prom.NewRegistry()
	active := 0.0
	require.NoError(t, RegisterActiveTasks(reg, "", func() float64 { return active }))

	active = 3
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "openmcp_dispatch_active_tasks", families[0].GetName())
	assert.Equal(t, 3.0, families[0].GetMetric()[0].GetGauge().GetValue())

	count, err := testutil.GatherAndCount(reg, "openmcp_dispatch_active_tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
