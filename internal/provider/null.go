package provider

import (
	"context"

	"OpenMCP-Dispatch/internal/task"
)

// NullName 是兜底 provider 的默认名称。
const NullName = "null"

// Null 总是成功，返回带 degraded 标记的空输出，用作回退链的最后一环。
type Null struct {
	name string
	caps Capabilities
}

// NewNull 创建兜底 provider。name 为空时使用 NullName。
func NewNull(name string) *Null {
	if name == "" {
		name = NullName
	}
	return &Null{
		name: name,
		caps: Capabilities{
			Kinds:    task.Kinds(),
			Priority: 0,
			Weight:   1,
			Cost:     0,
			Quality:  0.1,
		},
	}
}

// WithCapabilities 覆盖默认能力声明。
func (n *Null) WithCapabilities(caps Capabilities) *Null {
	n.caps = caps
	return n
}

func (n *Null) Name() string               { return n.name }
func (n *Null) Capabilities() Capabilities { return n.caps }

func (n *Null) Run(ctx context.Context, t *task.Task) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{
		Output:     map[string]any{"degraded": true, "kind": string(t.Kind)},
		Confidence: n.caps.Quality,
		Partial:    true,
	}, nil
}

func (n *Null) HealthCheck(context.Context) error { return nil }

func (n *Null) Dispose() error { return nil }
