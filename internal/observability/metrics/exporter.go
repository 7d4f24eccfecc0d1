package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"OpenMCP-Dispatch/internal/events"
)

const defaultNamespace = "openmcp_dispatch"

// Options controls collector configuration.
type Options struct {
	Namespace       string
	DurationBuckets []float64
}

// Exporter turns dispatch events and HTTP traffic into Prometheus collectors.
// It implements events.Listener.
type Exporter struct {
	breakerState       *prom.GaugeVec
	breakerTransitions *prom.CounterVec
	providerCalls      *prom.CounterVec
	tasksTotal         *prom.CounterVec
	taskDuration       *prom.HistogramVec
	tasksRejected      *prom.CounterVec
	httpRequests       *prom.CounterVec
	httpDuration       *prom.HistogramVec
}

var _ events.Listener = (*Exporter)(nil)

// NewExporter creates and registers the collectors. Registering twice against
// the same registry reuses the existing collectors.
func NewExporter(reg prom.Registerer, opts Options) (*Exporter, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	stateVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Current breaker state per provider (0 closed, 1 half-open, 2 open).",
	}, []string{"provider"})
	transitionVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Total number of breaker state transitions.",
	}, []string{"provider", "state"})
	callVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Provider calls observed by breakers, by outcome.",
	}, []string{"provider", "outcome"})
	taskVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Completed task submissions by kind, status and provider.",
	}, []string{"kind", "status", "provider"})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "End-to-end task duration in seconds.",
		Buckets:   buckets,
	}, []string{"kind"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_rejected_total",
		Help:      "Submissions rejected before dispatch, by error code.",
	}, []string{"code"})
	requestVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	latencyVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	var err error
	if stateVec, err = registerCollector(reg, stateVec); err != nil {
		return nil, err
	}
	if transitionVec, err = registerCollector(reg, transitionVec); err != nil {
		return nil, err
	}
	if callVec, err = registerCollector(reg, callVec); err != nil {
		return nil, err
	}
	if taskVec, err = registerCollector(reg, taskVec); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if requestVec, err = registerCollector(reg, requestVec); err != nil {
		return nil, err
	}
	if latencyVec, err = registerCollector(reg, latencyVec); err != nil {
		return nil, err
	}

	return &Exporter{
		breakerState:       stateVec,
		breakerTransitions: transitionVec,
		providerCalls:      callVec,
		tasksTotal:         taskVec,
		taskDuration:       durationVec,
		tasksRejected:      rejectedVec,
		httpRequests:       requestVec,
		httpDuration:       latencyVec,
	}, nil
}

// OnEvent implements events.Listener.
func (m *Exporter) OnEvent(e events.Event) {
	if m == nil {
		return
	}
	provider := normalizeLabel(e.Source, "unknown")
	switch e.Type {
	case events.TypeSuccess:
		m.providerCalls.WithLabelValues(provider, "success").Inc()
	case events.TypeFailure:
		outcome := "failure"
		if e.Timeout {
			outcome = "timeout"
		}
		m.providerCalls.WithLabelValues(provider, outcome).Inc()
	case events.TypeRejected:
		m.providerCalls.WithLabelValues(provider, "rejected").Inc()
	case events.TypeTaskCompleted:
		kind := normalizeLabel(e.TaskKind, "unknown")
		m.tasksTotal.WithLabelValues(kind, normalizeLabel(e.Status, "unknown"), provider).Inc()
		m.taskDuration.WithLabelValues(kind).Observe(e.Duration.Seconds())
	case events.TypeTaskRejected:
		m.tasksRejected.WithLabelValues(normalizeLabel(e.ErrorCode, "unknown")).Inc()
	}
	if e.IsStateChange() && e.State != "" {
		m.breakerState.WithLabelValues(provider).Set(stateValue(e.State))
		if e.PreviousState != e.State {
			m.breakerTransitions.WithLabelValues(provider, e.State).Inc()
		}
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Exporter) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	handler = normalizeLabel(handler, "unknown")
	m.httpRequests.WithLabelValues(handler, method, fmt.Sprint(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// RegisterActiveTasks exposes the runtime's in-flight task count as a gauge
// sampled from fn at scrape time.
func RegisterActiveTasks(reg prom.Registerer, namespace string, fn func() float64) error {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	gauge := prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tasks",
		Help:      "Tasks currently admitted and being dispatched.",
	}, fn)
	_, err := registerCollector(reg, gauge)
	return err
}

func stateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
