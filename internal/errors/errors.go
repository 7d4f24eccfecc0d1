package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 调度链路相关错误码。
	CodeValidation         Code = "TASK_VALIDATION_FAILED"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeBreakerOpen        Code = "BREAKER_OPEN"
	CodeHalfOpenExhausted  Code = "HALF_OPEN_EXHAUSTED"
	CodeProviderFailure    Code = "PROVIDER_FAILURE"
	CodeNoEligibleProvider Code = "NO_ELIGIBLE_PROVIDER"
	CodeDispatchExhausted  Code = "DISPATCH_EXHAUSTED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, false},

		CodeValidation:         {"task validation failed", SeverityInfo, false, false},
		CodeCapacityExceeded:   {"concurrency capacity exceeded", SeverityWarning, true, false},
		CodeBreakerOpen:        {"circuit breaker is open", SeverityWarning, true, false},
		CodeHalfOpenExhausted:  {"half-open call budget exceeded", SeverityInfo, true, false},
		CodeProviderFailure:    {"provider execution failed", SeverityWarning, true, false},
		CodeNoEligibleProvider: {"no eligible provider", SeverityWarning, false, true},
		CodeDispatchExhausted:  {"all candidate providers failed", SeverityCritical, false, true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。属性在创建时从注册表复制，之后由 Option 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	attrs    Attributes
}

// Option 在创建时调整 Error。
type Option func(*Error)

// WithMetadata 附加一对键值，API 会以 details 字段返回。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

func WithRetryable(retryable bool) Option { return func(e *Error) { e.attrs.Retryable = retryable } }

func WithAlert(alert bool) Option { return func(e *Error) { e.attrs.Alert = alert } }

func WithSeverity(sev Severity) Option { return func(e *Error) { e.attrs.Severity = sev } }

// New 创建错误；message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message, attrs: AttributesOf(code)}
	if e.message == "" {
		e.message = e.attrs.Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 cause 为底层原因创建错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，New(code, "") 可作为哨兵使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool { return e != nil && e.attrs.Retryable }

func (e *Error) ShouldAlert() bool { return e != nil && e.attrs.Alert }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attrs.Severity
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Coded 由携带错误码但不是 *Error 的类型实现，例如聚合调度错误。
type Coded interface {
	Code() Code
}

// CodeOf 返回错误链中第一个携带错误码的错误的码值。
func CodeOf(err error) Code {
	var coded Coded
	if err != nil && stdErrors.As(err, &coded) {
		return coded.Code()
	}
	return CodeUnknown
}

// Is 判断 err 的错误码是否为 code。
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	var r interface{ Retryable() bool }
	return stdErrors.As(err, &r) && r.Retryable()
}

// ShouldAlert 按错误码属性判断是否需要告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil && AttributesOf(CodeOf(err)).Alert
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeOf(err)).Severity
}
