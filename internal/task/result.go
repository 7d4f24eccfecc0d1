package task

import (
	stdErrors "errors"
	"time"

	xerrors "OpenMCP-Dispatch/internal/errors"
)

// Status 表示一次调度的最终结果。
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusPartial Status = "partial"
)

// Statuses 返回所有结果状态。
func Statuses() []Status {
	return []Status{StatusSuccess, StatusError, StatusTimeout, StatusPartial}
}

// Usage 记录 provider 执行时的资源消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Execution 描述结果由哪个 provider、因何被选中以及耗时信息。
type Execution struct {
	Provider        string        `json:"provider,omitempty"`
	SelectionReason string        `json:"selection_reason,omitempty"`
	Alternatives    []string      `json:"alternatives,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        time.Duration `json:"-"`
	DurationMS      int64         `json:"duration_ms"`
	Confidence      float64       `json:"confidence,omitempty"`
	Usage           Usage         `json:"usage"`
}

// ErrorInfo 是结果中携带的错误描述。
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Result 是调度结束时生成的不可变结果。
type Result struct {
	TaskID    string         `json:"task_id"`
	Status    Status         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Execution Execution      `json:"execution"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// Succeeded 判断结果是否可直接使用。
func (r *Result) Succeeded() bool {
	return r != nil && (r.Status == StatusSuccess || r.Status == StatusPartial)
}

// NewErrorInfo 将错误转换为结果中的错误描述。
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	}
	var coded *xerrors.Error
	if stdErrors.As(err, &coded) {
		info.Details = coded.Metadata()
	}
	var detailed interface{ Details() map[string]string }
	if stdErrors.As(err, &detailed) {
		if details := detailed.Details(); len(details) > 0 {
			info.Details = details
		}
	}
	return info
}

// SetTiming 写入起止时间并同步计算耗时。
func (e *Execution) SetTiming(started, finished time.Time) {
	e.StartedAt = started
	e.FinishedAt = finished
	e.Duration = finished.Sub(started)
	e.DurationMS = e.Duration.Milliseconds()
}
