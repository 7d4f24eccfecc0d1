package events

import (
	"time"
)

// Type names an observable event emitted by breakers and the runtime.
type Type string

const (
	TypeSuccess     Type = "success"
	TypeFailure     Type = "failure"
	TypeRejected    Type = "rejected"
	TypeOpen        Type = "open"
	TypeHalfOpen    Type = "half-open"
	TypeClosed      Type = "closed"
	TypeHealthCheck Type = "health-check"
	TypeStateForced Type = "state-forced"
	TypeReset       Type = "reset"

	TypeTaskCompleted Type = "task-completed"
	TypeTaskRejected  Type = "task-rejected"
)

// Counters is a snapshot of breaker bookkeeping at the moment of the event.
type Counters struct {
	Failures      int   `json:"failures"`
	Successes     int   `json:"successes"`
	HalfOpenCalls int   `json:"half_open_calls"`
	Openings      int64 `json:"openings"`
}

// Event is a structured notification. Breaker events carry Source (the
// provider name), State and Counters; runtime events carry the task fields.
type Event struct {
	ID            string        `json:"id"`
	Type          Type          `json:"type"`
	Source        string        `json:"source"`
	Time          time.Time     `json:"time"`
	State         string        `json:"state,omitempty"`
	PreviousState string        `json:"previous_state,omitempty"`
	Counters      Counters      `json:"counters"`
	TaskID        string        `json:"task_id,omitempty"`
	TaskKind      string        `json:"task_kind,omitempty"`
	Status        string        `json:"status,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timeout       bool          `json:"timeout,omitempty"`
}

// Listener receives events. Implementations must not block for long; the
// Bus delivers events from a single goroutine.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) {
	if f != nil {
		f(e)
	}
}

// Discard drops every event.
var Discard Listener = ListenerFunc(func(Event) {})

// IsStateChange reports whether the event marks a breaker state transition.
func (e Event) IsStateChange() bool {
	switch e.Type {
	case TypeOpen, TypeHalfOpen, TypeClosed, TypeStateForced, TypeReset:
		return true
	default:
		return false
	}
}
