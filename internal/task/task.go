package task

import (
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Dispatch/internal/errors"
)

// Kind 标识任务类型，决定哪些 provider 能够处理该任务。
type Kind string

const (
	KindSentiment Kind = "sentiment"
	KindEntity    Kind = "entity"
	KindSummarize Kind = "summarize"
	KindGeneric   Kind = "generic"
)

// Kinds 返回所有受支持的任务类型。
func Kinds() []Kind {
	return []Kind{KindSentiment, KindEntity, KindSummarize, KindGeneric}
}

// ParseKind 将外部传入的类型字符串映射为 Kind。
// 空字符串返回空值，交由校验逻辑拒绝；无法识别的类型归入 KindGeneric。
func ParseKind(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case string(KindSentiment):
		return KindSentiment
	case string(KindEntity), "entities", "ner":
		return KindEntity
	case string(KindSummarize), "summary", "summarise", "summarization":
		return KindSummarize
	default:
		return KindGeneric
	}
}

// Valid 判断类型是否为受支持的枚举值。
func (k Kind) Valid() bool {
	switch k {
	case KindSentiment, KindEntity, KindSummarize, KindGeneric:
		return true
	default:
		return false
	}
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Config 描述单个任务的执行参数。
type Config struct {
	Timeout           time.Duration
	Priority          int
	PreferredProvider string
	Fallback          []string
	// MinQuality 与 MaxCost 供成本优先策略过滤候选 provider，零值表示不限制。
	MinQuality float64
	MaxCost    float64
}

// Metadata 记录任务来源信息。
type Metadata struct {
	Source        string
	CreatedAt     time.Time
	CorrelationID string
	CallerID      string
}

// Task 是一次待调度的工作单元，提交后不可修改。
type Task struct {
	ID       string
	Kind     Kind
	Content  string
	Data     map[string]any
	Config   Config
	Metadata Metadata
}

// Validate 检查任务是否满足提交要求。
func (t *Task) Validate() error {
	if t == nil {
		return validationError("task", "任务不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return validationError("id", "任务 ID 不能为空")
	}
	if t.Kind == "" {
		return validationError("kind", "任务类型不能为空")
	}
	if !t.Kind.Valid() {
		return validationError("kind", fmt.Sprintf("不支持的任务类型: %s", t.Kind))
	}
	if t.Config.Priority != 0 && (t.Config.Priority < MinPriority || t.Config.Priority > MaxPriority) {
		return validationError("priority", fmt.Sprintf("优先级必须位于 %d-%d 之间", MinPriority, MaxPriority))
	}
	if t.Config.Timeout < 0 {
		return validationError("timeout", "超时时间不能为负数")
	}
	if t.Config.MinQuality < 0 || t.Config.MinQuality > 1 {
		return validationError("min_quality", "质量阈值必须位于 0-1 之间")
	}
	if t.Config.MaxCost < 0 {
		return validationError("max_cost", "成本上限不能为负数")
	}
	return nil
}

// EffectivePriority 返回任务优先级，未设置时使用默认值。
func (t *Task) EffectivePriority() int {
	if t == nil || t.Config.Priority == 0 {
		return DefaultPriority
	}
	return t.Config.Priority
}

// WithTimeout 返回使用新超时时间的副本，原任务保持不变。
func (t *Task) WithTimeout(timeout time.Duration) *Task {
	cloned := t.Clone()
	cloned.Config.Timeout = timeout
	return cloned
}

// Clone 深拷贝任务。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cloned := *t
	cloned.Data = cloneData(t.Data)
	if t.Config.Fallback != nil {
		cloned.Config.Fallback = append([]string(nil), t.Config.Fallback...)
	}
	return &cloned
}

func validationError(field, message string) error {
	return xerrors.New(xerrors.CodeValidation, message, xerrors.WithMetadata("field", field))
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}
