package mysql

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/pkg/logger"
)

// AuditSink 把事件写入 AuditRepository，实现 events.Listener。
type AuditSink struct {
	repo    AuditRepository
	timeout time.Duration
	filter  func(events.Event) bool
	log     *slog.Logger
	failed  atomic.Int64
}

// SinkOption 调整 AuditSink 的行为。
type SinkOption func(*AuditSink)

// WithFilter 指定需要持久化的事件，nil 表示全部持久化。
func WithFilter(filter func(events.Event) bool) SinkOption {
	return func(s *AuditSink) { s.filter = filter }
}

// WithWriteTimeout 设置单次写入的超时时间。
func WithWriteTimeout(d time.Duration) SinkOption {
	return func(s *AuditSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// SkipSuccesses 过滤掉逐次成功事件，只保留状态变化、失败与任务结果。
func SkipSuccesses(e events.Event) bool {
	return e.Type != events.TypeSuccess
}

// NewAuditSink 创建审计 Sink，默认跳过逐次成功事件。
func NewAuditSink(repo AuditRepository, opts ...SinkOption) *AuditSink {
	s := &AuditSink{
		repo:    repo,
		timeout: 3 * time.Second,
		filter:  SkipSuccesses,
		log:     logger.Named("storage.audit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent implements events.Listener.
func (s *AuditSink) OnEvent(e events.Event) {
	if s == nil || s.repo == nil {
		return
	}
	if s.filter != nil && !s.filter(e) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	record := RecordFromEvent(e)
	if err := s.repo.Save(ctx, &record); err != nil {
		if n := s.failed.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("写入审计记录失败", slog.String("type", record.Type), slog.Int64("failures", n), slog.Any("error", err))
		}
	}
}

// Failures 返回写入失败的累计次数。
func (s *AuditSink) Failures() int64 { return s.failed.Load() }
