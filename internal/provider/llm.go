package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/llm"
	"OpenMCP-Dispatch/internal/task"
)

// LLMConfig 描述如何把一个 llm.Client 包装为 provider。
type LLMConfig struct {
	Name         string
	Client       llm.Client
	Capabilities Capabilities
	MaxTokens    int
	Temperature  float64
}

// LLMProvider 将大模型后端适配为调度 provider。
type LLMProvider struct {
	name        string
	client      llm.Client
	caps        Capabilities
	maxTokens   int
	temperature float64

	disposeOnce sync.Once
	disposeErr  error
}

// NewLLMProvider 创建适配器。
func NewLLMProvider(cfg LLMConfig) (*LLMProvider, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "provider 名称不能为空")
	}
	if cfg.Client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("provider %s 缺少模型客户端", name))
	}
	caps := cfg.Capabilities
	if len(caps.Kinds) == 0 {
		caps.Kinds = []task.Kind{task.KindGeneric}
	}
	return &LLMProvider{
		name:        name,
		client:      cfg.Client,
		caps:        caps,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Name implements Provider.
func (p *LLMProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *LLMProvider) Capabilities() Capabilities { return p.caps }

// Run 根据任务类型构造提示词并调用模型。
func (p *LLMProvider) Run(ctx context.Context, t *task.Task) (*Response, error) {
	input, err := taskInput(t)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Generate(ctx, llm.Request{
		System:      systemPrompts[t.Kind],
		Prompt:      input,
		Kind:        string(t.Kind),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("provider %s 调用模型失败", p.name),
			xerrors.WithMetadata("provider", p.name))
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("provider %s 返回空响应", p.name),
			xerrors.WithMetadata("provider", p.name))
	}

	output := map[string]any{"text": resp.Text}
	if resp.Model != "" {
		output["model"] = resp.Model
	}
	if t.Kind == task.KindSentiment {
		output["label"] = sentimentLabel(resp.Text)
	}

	confidence := p.caps.Quality
	if resp.Truncated {
		confidence /= 2
	}
	return &Response{
		Output:     output,
		Confidence: confidence,
		Usage: task.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.Total(),
		},
		Partial: resp.Truncated,
		Model:   resp.Model,
	}, nil
}

// HealthCheck 在后端支持时调用其 Ping，否则视为健康。
func (p *LLMProvider) HealthCheck(ctx context.Context) error {
	if pinger, ok := p.client.(llm.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Dispose 关闭后端持有的资源，仅执行一次。
func (p *LLMProvider) Dispose() error {
	p.disposeOnce.Do(func() {
		if closer, ok := p.client.(llm.Closer); ok {
			p.disposeErr = closer.Close()
		}
	})
	return p.disposeErr
}

var systemPrompts = map[task.Kind]string{
	task.KindSentiment: "Classify the sentiment of the user's text. Answer with exactly one word: positive, negative or neutral.",
	task.KindEntity:    "Extract the named entities from the user's text. Answer with one entity per line in the form TYPE: value.",
	task.KindSummarize: "Summarize the user's text in at most three sentences.",
	task.KindGeneric:   "You are a helpful assistant. Answer concisely.",
}

func taskInput(t *task.Task) (string, error) {
	content := strings.TrimSpace(t.Content)
	if len(t.Data) == 0 {
		return content, nil
	}
	encoded, err := json.Marshal(t.Data)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "任务数据无法序列化", xerrors.WithMetadata("field", "data"))
	}
	if content == "" {
		return string(encoded), nil
	}
	return content + "\n\n" + string(encoded), nil
}

func sentimentLabel(text string) string {
	lowered := strings.ToLower(text)
	for _, label := range []string{"positive", "negative", "neutral"} {
		if strings.Contains(lowered, label) {
			return label
		}
	}
	return "unknown"
}
