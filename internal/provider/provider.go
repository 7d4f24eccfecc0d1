package provider

import (
	"context"
	"slices"

	"OpenMCP-Dispatch/internal/task"
)

// Capabilities 声明 provider 能处理的任务类型及其调度权重。
type Capabilities struct {
	Kinds []task.Kind `json:"kinds"`
	// Priority 越大越先被优先级策略选中。
	Priority int `json:"priority"`
	// Weight 用于加权随机策略，<=0 视为 1。
	Weight int `json:"weight"`
	// Cost 为单次调用的相对成本。
	Cost float64 `json:"cost"`
	// Quality 位于 0-1，成本优先策略据此过滤。
	Quality float64 `json:"quality"`
}

// Supports 判断是否声明了指定任务类型。
func (c Capabilities) Supports(kind task.Kind) bool {
	return slices.Contains(c.Kinds, kind)
}

// EffectiveWeight 返回加权随机使用的权重。
func (c Capabilities) EffectiveWeight() int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Response 是 provider 单次执行的输出。
type Response struct {
	Output     map[string]any
	Confidence float64
	Usage      task.Usage
	// Partial 表示输出可用但不完整，例如被截断或降级。
	Partial bool
	// Model 为实际响应的模型名称，可为空。
	Model string
}

// Provider 是可插拔的执行后端。实现必须允许并发调用。
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Run(ctx context.Context, t *task.Task) (*Response, error)
	HealthCheck(ctx context.Context) error
	// Dispose 释放资源，可重复调用。
	Dispose() error
}
