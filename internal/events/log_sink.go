package events

import (
	"context"
	"log/slog"

	"OpenMCP-Dispatch/pkg/logger"
)

// LogSink writes events to the audit logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that writes to l, or to the audit logger when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Audit()
	}
	return &LogSink{logger: l}
}

// OnEvent implements Listener.
func (s *LogSink) OnEvent(e Event) {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("source", e.Source),
		slog.Time("time", e.Time),
	}
	if e.State != "" {
		attrs = append(attrs, slog.String("state", e.State))
	}
	if e.PreviousState != "" {
		attrs = append(attrs, slog.String("previous_state", e.PreviousState))
	}
	if e.TaskID != "" {
		attrs = append(attrs,
			slog.String("task_id", e.TaskID),
			slog.String("task_kind", e.TaskKind),
			slog.String("status", e.Status),
			slog.Duration("duration", e.Duration),
		)
	} else {
		attrs = append(attrs,
			slog.Int("failures", e.Counters.Failures),
			slog.Int("successes", e.Counters.Successes),
			slog.Int("half_open_calls", e.Counters.HalfOpenCalls),
			slog.Int64("openings", e.Counters.Openings),
		)
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error), slog.String("error_code", e.ErrorCode))
	}
	s.logger.LogAttrs(context.Background(), levelOf(e.Type), "dispatch_event", attrs...)
}

func levelOf(t Type) slog.Level {
	switch t {
	case TypeOpen, TypeTaskRejected:
		return slog.LevelWarn
	case TypeFailure, TypeRejected, TypeHealthCheck, TypeSuccess:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
