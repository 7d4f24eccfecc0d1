package breaker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/pkg/logger"
)

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ParseState converts a textual state into State.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateClosed, StateOpen, StateHalfOpen:
		return State(raw), nil
	case "half_open", "halfopen":
		return StateHalfOpen, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的熔断器状态: %s", raw))
	}
}

var (
	// ErrOpen is matched (errors.Is) by calls rejected while the breaker is open.
	ErrOpen = xerrors.New(xerrors.CodeBreakerOpen, "")
	// ErrHalfOpenExhausted is matched by calls rejected because the probe budget is spent.
	ErrHalfOpenExhausted = xerrors.New(xerrors.CodeHalfOpenExhausted, "")
	// ErrTimeout is matched by calls that exceeded their time budget.
	ErrTimeout = xerrors.New(xerrors.CodeTimeout, "")
)

// IsRejection reports whether err is a fail-fast rejection that never reached the operation.
func IsRejection(err error) bool {
	return stdErrors.Is(err, ErrOpen) || stdErrors.Is(err, ErrHalfOpenExhausted)
}

// Operation is the unit of work protected by a breaker.
type Operation func(ctx context.Context) (any, error)

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	HalfOpenCalls int       `json:"half_open_calls"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	NextAttempt   time.Time `json:"next_attempt,omitempty"`
}

// Metrics are cumulative counters since construction.
type Metrics struct {
	Total     int64         `json:"total"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
	Timeouts  int64         `json:"timeouts"`
	Rejected  int64         `json:"rejected"`
	Openings  int64         `json:"openings"`
	Uptime    time.Duration `json:"uptime"`
}

// Breaker guards a single provider.
type Breaker struct {
	name     string
	cfg      Config
	listener events.Listener
	now      func() time.Time
	log      *slog.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      []time.Time
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	lastSuccess   time.Time
	nextAttempt   time.Time

	createdAt time.Time
	total     int64
	succeeded int64
	failed    int64
	timeouts  int64
	rejected  int64
	openings  int64
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithListener routes the breaker's events to l.
func WithListener(l events.Listener) Option {
	return func(b *Breaker) {
		if l != nil {
			b.listener = l
		}
	}
}

// WithClock replaces time.Now for state bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used for operator interventions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.normalized(),
		listener: events.Discard,
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.log == nil {
		b.log = logger.Named("breaker").With(slog.String("breaker", name))
	}
	b.createdAt = b.now()
	return b
}

// Name returns the guarded provider's name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// Execute runs op under the configured timeout.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	return b.ExecuteWithTimeout(ctx, b.cfg.Timeout, op)
}

// ExecuteWithTimeout runs op under timeout (the configured timeout when
// timeout <= 0). Rejected calls never invoke op. When the timeout fires the
// operation is abandoned and its eventual result discarded.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op Operation) (any, error) {
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	gen, err := b.admit()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("provider %s panic: %v", b.name, r))}
			}
		}()
		value, err := op(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			b.onSuccess(gen)
			return out.value, nil
		}
		if ctx.Err() != nil {
			b.release(gen)
			return nil, ctx.Err()
		}
		if stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			terr := b.timeoutError(timeout, out.err)
			b.onFailure(gen, terr, true)
			return nil, terr
		}
		b.onFailure(gen, out.err, false)
		return nil, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.release(gen)
			return nil, ctx.Err()
		}
		terr := b.timeoutError(timeout, context.DeadlineExceeded)
		b.onFailure(gen, terr, true)
		return nil, terr
	}
}

// Run is the typed form of Execute.
func Run[T any](ctx context.Context, b *Breaker, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := b.ExecuteWithTimeout(ctx, timeout, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// Ready reports whether a call made now would be admitted by the state
// check (an open breaker whose reset timeout has elapsed counts as ready).
// It does not reserve a half-open slot.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return !b.now().Before(b.nextAttempt)
	case StateHalfOpen:
		return b.halfOpenCalls < b.cfg.HalfOpenMaxCalls
	default:
		return true
	}
}

// State returns the stored state. An open breaker stays open here until
// the next call observes that its reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return b.statusLocked()
}

// Metrics returns cumulative counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Total:     b.total,
		Successes: b.succeeded,
		Failures:  b.failed,
		Timeouts:  b.timeouts,
		Rejected:  b.rejected,
		Openings:  b.openings,
		Uptime:    b.now().Sub(b.createdAt),
	}
}

// ForceState moves the breaker to state regardless of its counters.
func (b *Breaker) ForceState(state State) error {
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	b.mu.Lock()
	now := b.now()
	previous := b.state
	b.setStateLocked(state, now)
	evt := b.eventLocked(events.TypeStateForced, now)
	evt.PreviousState = string(previous)
	b.mu.Unlock()

	b.log.Warn("熔断器状态被强制修改", slog.String("from", string(previous)), slog.String("to", string(state)))
	b.emit(evt)
	return nil
}

// Reset closes the breaker and clears its window and probe counters.
// Cumulative metrics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	previous := b.state
	b.setStateLocked(StateClosed, now)
	evt := b.eventLocked(events.TypeReset, now)
	evt.PreviousState = string(previous)
	b.mu.Unlock()

	b.log.Info("熔断器已重置", slog.String("from", string(previous)))
	b.emit(evt)
}

// Maintain prunes the failure window and emits a health-check event.
func (b *Breaker) Maintain() {
	b.mu.Lock()
	now := b.now()
	b.pruneLocked(now)
	evt := b.eventLocked(events.TypeHealthCheck, now)
	b.mu.Unlock()
	b.emit(evt)
}

// RunMaintenance calls Maintain every MaintenanceInterval until ctx is done.
func (b *Breaker) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Maintain()
		}
	}
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	now := b.now()
	var pending []events.Event

	if b.state == StateOpen {
		if now.Before(b.nextAttempt) {
			b.rejected++
			next := b.nextAttempt
			pending = append(pending, b.eventLocked(events.TypeRejected, now))
			b.mu.Unlock()
			b.emit(pending...)
			return 0, xerrors.New(xerrors.CodeBreakerOpen,
				fmt.Sprintf("provider %s 熔断中，%s 后重试", b.name, next.Sub(now).Round(time.Millisecond)),
				xerrors.WithMetadata("provider", b.name),
				xerrors.WithMetadata("next_attempt", next.Format(time.RFC3339Nano)))
		}
		pending = append(pending, b.setStateLocked(StateHalfOpen, now))
	}

	switch b.state {
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.rejected++
			pending = append(pending, b.eventLocked(events.TypeRejected, now))
			b.mu.Unlock()
			b.emit(pending...)
			return 0, xerrors.New(xerrors.CodeHalfOpenExhausted,
				fmt.Sprintf("provider %s 半开探测名额已用尽 (%d)", b.name, b.cfg.HalfOpenMaxCalls),
				xerrors.WithMetadata("provider", b.name))
		}
		b.halfOpenCalls++
	case StateClosed:
		b.pruneLocked(now)
	}
	b.total++
	gen := b.generation
	b.mu.Unlock()
	b.emit(pending...)
	return gen, nil
}

func (b *Breaker) onSuccess(gen uint64) {
	b.mu.Lock()
	now := b.now()
	b.succeeded++
	b.lastSuccess = now
	pending := []events.Event{b.eventLocked(events.TypeSuccess, now)}
	if gen == b.generation && b.state == StateHalfOpen {
		b.successes++
		pending[0].Counters.Successes = b.successes
		if b.successes >= b.cfg.SuccessThreshold {
			pending = append(pending, b.setStateLocked(StateClosed, now))
		}
	}
	b.mu.Unlock()
	b.emit(pending...)
}

func (b *Breaker) onFailure(gen uint64, cause error, timeout bool) {
	b.mu.Lock()
	now := b.now()
	b.failed++
	if timeout {
		b.timeouts++
	}
	b.lastFailure = now

	trip := false
	if gen == b.generation {
		switch b.state {
		case StateClosed:
			b.failures = append(b.failures, now)
			b.pruneLocked(now)
			trip = len(b.failures) >= b.cfg.FailureThreshold
		case StateHalfOpen:
			trip = true
		}
	}
	pending := []events.Event{b.failureEventLocked(now, cause, timeout)}
	if trip {
		pending = append(pending, b.setStateLocked(StateOpen, now))
	}
	b.mu.Unlock()
	b.emit(pending...)
}

// release returns a half-open slot held by a call the caller abandoned.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// setStateLocked performs a transition and returns the matching event.
func (b *Breaker) setStateLocked(to State, now time.Time) events.Event {
	from := b.state
	b.state = to
	b.generation++
	b.successes = 0
	b.halfOpenCalls = 0

	var typ events.Type
	switch to {
	case StateOpen:
		b.nextAttempt = now.Add(b.cfg.ResetTimeout)
		b.openings++
		typ = events.TypeOpen
	case StateHalfOpen:
		typ = events.TypeHalfOpen
	default:
		b.failures = nil
		b.nextAttempt = time.Time{}
		typ = events.TypeClosed
	}
	evt := b.eventLocked(typ, now)
	evt.PreviousState = string(from)
	return evt
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	idx := 0
	for idx < len(b.failures) && !b.failures[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failures = append(b.failures[:0], b.failures[idx:]...)
	}
}

func (b *Breaker) statusLocked() Status {
	return Status{
		Name:          b.name,
		State:         b.state,
		FailureCount:  len(b.failures),
		SuccessCount:  b.successes,
		HalfOpenCalls: b.halfOpenCalls,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextAttempt:   b.nextAttempt,
	}
}

func (b *Breaker) eventLocked(typ events.Type, now time.Time) events.Event {
	return events.Event{
		Type:   typ,
		Source: b.name,
		Time:   now,
		State:  string(b.state),
		Counters: events.Counters{
			Failures:      len(b.failures),
			Successes:     b.successes,
			HalfOpenCalls: b.halfOpenCalls,
			Openings:      b.openings,
		},
	}
}

func (b *Breaker) failureEventLocked(now time.Time, cause error, timeout bool) events.Event {
	evt := b.eventLocked(events.TypeFailure, now)
	evt.Timeout = timeout
	if cause != nil {
		evt.Error = cause.Error()
		evt.ErrorCode = string(xerrors.CodeOf(cause))
	}
	return evt
}

func (b *Breaker) timeoutError(timeout time.Duration, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause,
		fmt.Sprintf("provider %s 执行超时 (%s)", b.name, timeout),
		xerrors.WithMetadata("provider", b.name),
		xerrors.WithMetadata("timeout", timeout.String()))
}

func (b *Breaker) emit(evts ...events.Event) {
	for _, evt := range evts {
		b.listener.OnEvent(evt)
	}
}
