package llm

import "context"

// Request 描述一次文本生成调用。
type Request struct {
	// System 为系统提示词，可为空。
	System string
	Prompt string
	// Kind 为任务类型标签，部分后端会据此调整输出格式。
	Kind        string
	MaxTokens   int
	Temperature float64
}

// Usage 统计一次调用的 token 消耗。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total 返回总 token 数。
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Response 是大模型返回的结果。
type Response struct {
	Text  string
	Model string
	Usage Usage
	// Truncated 表示输出因长度限制被截断。
	Truncated bool
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Pinger 由支持轻量健康探测的后端实现。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer 由持有外部资源的后端实现。
type Closer interface {
	Close() error
}
