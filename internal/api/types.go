package api

import (
	"time"

	"OpenMCP-Dispatch/internal/task"
)

// TaskRequest 是提交任务的请求体。
type TaskRequest struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Content           string         `json:"content"`
	Data              map[string]any `json:"data,omitempty"`
	Priority          int            `json:"priority,omitempty"`
	TimeoutMS         int64          `json:"timeout_ms,omitempty"`
	PreferredProvider string         `json:"preferred_provider,omitempty"`
	Fallback          []string       `json:"fallback,omitempty"`
	MinQuality        float64        `json:"min_quality,omitempty"`
	MaxCost           float64        `json:"max_cost,omitempty"`
	Source            string         `json:"source,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// toTask 构造领域任务。Kind 经 ParseKind 归一化，未知类型归入 generic。
func (r TaskRequest) toTask(now time.Time, caller string) *task.Task {
	return &task.Task{
		ID:      r.ID,
		Kind:    task.ParseKind(r.Kind),
		Content: r.Content,
		Data:    r.Data,
		Config: task.Config{
			Timeout:           time.Duration(r.TimeoutMS) * time.Millisecond,
			Priority:          r.Priority,
			PreferredProvider: r.PreferredProvider,
			Fallback:          r.Fallback,
			MinQuality:        r.MinQuality,
			MaxCost:           r.MaxCost,
		},
		Metadata: task.Metadata{
			Source:        r.Source,
			CreatedAt:     now,
			CorrelationID: r.CorrelationID,
			CallerID:      caller,
		},
	}
}

// ErrorResponse 是非 2xx 响应的统一结构。
type ErrorResponse struct {
	Error task.ErrorInfo `json:"error"`
}

// HealthResponse 汇总 provider 健康状态。
type HealthResponse struct {
	Healthy   bool            `json:"healthy"`
	Providers map[string]bool `json:"providers"`
}

// StatsResponse 是运行时统计的 JSON 视图，耗时以毫秒表示。
type StatsResponse struct {
	TotalTasks int64                    `json:"total_tasks"`
	Rejected   int64                    `json:"rejected"`
	Active     int64                    `json:"active"`
	ByStatus   map[string]int64         `json:"by_status"`
	ByProvider map[string]int64         `json:"by_provider"`
	ByKind     map[string]KindStatsView `json:"by_kind"`
	StartedAt  time.Time                `json:"started_at"`
	UptimeMS   int64                    `json:"uptime_ms"`
	MaxActive  int                      `json:"max_concurrent_tasks"`
	Strategy   string                   `json:"strategy"`
}

// KindStatsView 是某个任务类型的耗时统计。
type KindStatsView struct {
	Count     int64 `json:"count"`
	AverageMS int64 `json:"average_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// BreakerView 是熔断器状态与累计指标。
type BreakerView struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	HalfOpenCalls int       `json:"half_open_calls"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	NextAttempt   time.Time `json:"next_attempt,omitempty"`
	Total         int64     `json:"total"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Timeouts      int64     `json:"timeouts"`
	Rejected      int64     `json:"rejected"`
	Openings      int64     `json:"openings"`
}
