package dispatch

import (
	stdErrors "errors"
	"fmt"
	"strings"

	"OpenMCP-Dispatch/internal/breaker"
	xerrors "OpenMCP-Dispatch/internal/errors"
)

// Attempt 记录一次候选 provider 的尝试结果。
type Attempt struct {
	Provider string `json:"provider"`
	Err      error  `json:"-"`
	// Skipped 为 true 表示熔断器直接拒绝，provider 未被调用。
	Skipped bool `json:"skipped"`
}

// Error 是所有候选 provider 都失败或被跳过时返回的聚合错误。
type Error struct {
	TaskID   string
	Attempts []Attempt
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("[%s] 任务 %s 的候选 provider 均不可用: %s",
		xerrors.CodeDispatchExhausted, e.TaskID, strings.Join(parts, "; "))
}

// Code 实现 errors.Coded。
func (e *Error) Code() xerrors.Code { return xerrors.CodeDispatchExhausted }

// Retryable 仅在所有候选都因熔断被跳过时为 true：稍后重试可能命中恢复的 provider。
func (e *Error) Retryable() bool { return e.AllUnavailable() }

// AllUnavailable 判断是否所有尝试都被熔断器拒绝。
func (e *Error) AllUnavailable() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !a.Skipped {
			return false
		}
	}
	return true
}

// TimedOut 判断最后一次实际调用是否超时。
func (e *Error) TimedOut() bool {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if e.Attempts[i].Skipped {
			continue
		}
		return stdErrors.Is(e.Attempts[i].Err, breaker.ErrTimeout)
	}
	return false
}

// Unwrap 暴露每个候选的错误，供 errors.Is / errors.As 遍历。
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Details 返回 provider 到错误码的映射。
func (e *Error) Details() map[string]string {
	details := make(map[string]string, len(e.Attempts))
	for _, a := range e.Attempts {
		details[a.Provider] = string(xerrors.CodeOf(a.Err))
	}
	return details
}
