package alerting

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"OpenMCP-Dispatch/internal/events"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/pkg/logger"
)

// Listener 把调度事件转换为告警，实现 events.Listener。
//
// 熔断器打开以及错误码标记为需要告警的任务结果会触发告警；
// 同一来源同一错误码在 Cooldown 内只告警一次。
// 投递在独立的 goroutine 中进行，OnEvent 只负责入队；队列满时丢弃告警。
type Listener struct {
	dispatcher Dispatcher
	cooldown   time.Duration
	timeout    time.Duration
	queueSize  int
	now        func() time.Time
	log        *slog.Logger

	mu     sync.Mutex
	last   map[string]time.Time
	queue  chan Event
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// ListenerOption 调整 Listener。
type ListenerOption func(*Listener)

// WithCooldown 设置同类告警的最小间隔。
func WithCooldown(d time.Duration) ListenerOption {
	return func(l *Listener) { l.cooldown = d }
}

// WithNotifyTimeout 设置单次投递的超时时间。
func WithNotifyTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithQueueSize 设置待投递告警队列的容量。
func WithQueueSize(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) ListenerOption {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// NewListener 创建告警监听器。
func NewListener(dispatcher Dispatcher, opts ...ListenerOption) *Listener {
	l := &Listener{
		dispatcher: dispatcher,
		cooldown:   time.Minute,
		timeout:    defaultWebhookTimeout,
		queueSize:  64,
		now:        time.Now,
		log:        logger.Named("alerting"),
		last:       make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan Event, l.queueSize)
	go l.loop()
	return l
}

// OnEvent implements events.Listener.
func (l *Listener) OnEvent(e events.Event) {
	if l == nil || l.dispatcher == nil {
		return
	}
	alert, ok := FromEvent(e)
	if !ok {
		return
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = l.now()
	}
	l.enqueue(alert)
}

// Close 停止接收新告警，等待队列中的告警投递完毕。可重复调用。
func (l *Listener) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

// Dropped 返回因队列已满或已关闭而丢弃的告警数。
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

// enqueue 在冷却检查通过后把告警放入队列，持锁保证不会向已关闭的队列发送。
func (l *Listener) enqueue(alert Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	if !l.admitLocked(alert) {
		return
	}
	select {
	case l.queue <- alert:
	default:
		l.dropped.Add(1)
		l.log.Warn("告警队列已满，丢弃告警", slog.String("code", string(alert.Code)), slog.String("source", alert.Source))
	}
}

func (l *Listener) loop() {
	defer close(l.done)
	for alert := range l.queue {
		l.notify(alert)
	}
}

func (l *Listener) notify(alert Event) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.dispatcher.Notify(ctx, alert); err != nil {
		l.log.Warn("发送告警失败", slog.String("code", string(alert.Code)), slog.String("source", alert.Source), slog.Any("error", err))
	}
}

func (l *Listener) admitLocked(alert Event) bool {
	if l.cooldown <= 0 {
		return true
	}
	key := alert.Source + "|" + string(alert.Code)
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.last[key] = now
	return true
}

// FromEvent 判断事件是否需要告警，并转换为告警事件。
func FromEvent(e events.Event) (Event, bool) {
	switch e.Type {
	case events.TypeOpen:
		return Event{
			Code:       xerrors.CodeBreakerOpen,
			Message:    "provider " + e.Source + " 熔断器已打开",
			Severity:   xerrors.SeverityCritical,
			Source:     e.Source,
			OccurredAt: e.Time,
			Metadata: map[string]string{
				"previous_state": e.PreviousState,
				"failures":       strconv.Itoa(e.Counters.Failures),
			},
		}, true
	case events.TypeTaskCompleted:
		code := xerrors.Code(e.ErrorCode)
		if code == "" || !xerrors.AttributesOf(code).Alert {
			return Event{}, false
		}
		return Event{
			Code:       code,
			Message:    e.Error,
			Severity:   xerrors.AttributesOf(code).Severity,
			Source:     e.Source,
			TaskID:     e.TaskID,
			TaskKind:   e.TaskKind,
			OccurredAt: e.Time,
			Metadata:   map[string]string{"status": e.Status},
		}, true
	default:
		return Event{}, false
	}
}
