package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"OpenMCP-Dispatch/internal/breaker"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/task"
	"OpenMCP-Dispatch/pkg/logger"
)

// 选择原因，写入 Result.Execution.SelectionReason。
const (
	ReasonPreferred = "preferred"
	ReasonFallback  = "fallback"
)

// Options 配置路由器。
type Options struct {
	Strategy Strategy
	// Breaker 为所有 provider 共用的熔断默认值。
	Breaker breaker.Config
	// BreakerOverrides 按 provider 名称覆盖熔断配置，零值字段取 Breaker。
	BreakerOverrides map[string]breaker.Config
	Listener         events.Listener
	// Clock 用于熔断器计时，测试中可替换。
	Clock func() time.Time
	// Seed 固定加权随机策略的随机序列，0 表示随机种子。
	Seed   uint64
	Logger *slog.Logger
}

// Router 为任务规划候选 provider 并经由各自的熔断器依次执行。
type Router struct {
	registry  *provider.Registry
	strategy  Strategy
	defaults  breaker.Config
	overrides map[string]breaker.Config
	listener  events.Listener
	clock     func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker

	cursor atomic.Uint64
	rngMu  sync.Mutex
	rng    *rand.Rand

	maintMu     sync.Mutex
	maintCancel context.CancelFunc
	maintWG     sync.WaitGroup
}

type candidate struct {
	provider provider.Provider
	reason   string
}

// New 创建路由器，并为已注册的 provider 建立熔断器。
func New(registry *provider.Registry, opts Options) (*Router, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "provider 注册表不能为空")
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	listener := opts.Listener
	if listener == nil {
		listener = events.Discard
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("dispatch")
	}
	seed1, seed2 := opts.Seed, opts.Seed^0x9e3779b97f4a7c15
	if opts.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}

	r := &Router{
		registry:  registry,
		strategy:  strategy,
		defaults:  opts.Breaker.Merge(breaker.DefaultConfig()),
		overrides: opts.BreakerOverrides,
		listener:  listener,
		clock:     opts.Clock,
		log:       log,
		breakers:  make(map[string]*breaker.Breaker),
		rng:       rand.New(rand.NewPCG(seed1, seed2)),
	}
	for _, name := range registry.Names() {
		r.breakerFor(name)
	}
	return r, nil
}

// Strategy 返回当前负载均衡策略。
func (r *Router) Strategy() Strategy { return r.strategy }

// Breaker 返回指定 provider 的熔断器。
func (r *Router) Breaker(name string) (*breaker.Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Statuses 返回所有熔断器的状态快照，按名称排序。
func (r *Router) Statuses() []breaker.Status {
	r.mu.Lock()
	list := make([]*breaker.Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]breaker.Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartMaintenance 为每个熔断器启动周期维护协程，重复调用无效果。
func (r *Router) StartMaintenance(ctx context.Context) {
	r.maintMu.Lock()
	defer r.maintMu.Unlock()
	if r.maintCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.maintCancel = cancel

	r.mu.Lock()
	list := make([]*breaker.Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	for _, b := range list {
		r.maintWG.Add(1)
		go func(b *breaker.Breaker) {
			defer r.maintWG.Done()
			b.RunMaintenance(ctx)
		}(b)
	}
}

// StopMaintenance 停止维护协程并等待退出。
func (r *Router) StopMaintenance() {
	r.maintMu.Lock()
	cancel := r.maintCancel
	r.maintCancel = nil
	r.maintMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.maintWG.Wait()
}

// Dispatch 依次尝试候选 provider，返回第一个成功的结果或聚合错误。
// 每次尝试的超时时间取 t.Config.Timeout，未设置时使用熔断器默认值。
func (r *Router) Dispatch(ctx context.Context, t *task.Task) (*task.Result, error) {
	candidates, attempts := r.plan(t)
	if len(candidates) == 0 && len(attempts) == 0 {
		return nil, xerrors.New(xerrors.CodeNoEligibleProvider,
			fmt.Sprintf("没有 provider 能处理类型为 %s 的任务", t.Kind),
			xerrors.WithMetadata("task_id", t.ID),
			xerrors.WithMetadata("kind", string(t.Kind)))
	}

	for i, c := range candidates {
		name := c.provider.Name()
		b := r.breakerFor(name)
		started := time.Now()
		resp, err := breaker.Run(ctx, b, t.Config.Timeout, func(ctx context.Context) (*provider.Response, error) {
			return c.provider.Run(ctx, t)
		})
		if err == nil {
			return r.result(t, c, resp, candidates[i+1:], started), nil
		}

		attempt := Attempt{Provider: name, Err: classify(name, err), Skipped: breaker.IsRejection(err)}
		attempts = append(attempts, attempt)
		r.log.Debug("provider 尝试失败",
			slog.String("task_id", t.ID),
			slog.String("provider", name),
			slog.Bool("skipped", attempt.Skipped),
			slog.Any("error", err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, &Error{TaskID: t.ID, Attempts: attempts}
}

// plan 按 首选 → 策略排序的可用 provider → 回退链 的顺序生成候选列表。
// 首选 provider 熔断中时直接记为跳过，不计入失败。
func (r *Router) plan(t *task.Task) ([]candidate, []Attempt) {
	seen := make(map[string]struct{})
	var (
		candidates []candidate
		skipped    []Attempt
	)

	if preferred := t.Config.PreferredProvider; preferred != "" {
		if p, ok := r.registry.Lookup(preferred); ok {
			seen[preferred] = struct{}{}
			b := r.breakerFor(preferred)
			if b.Ready() {
				candidates = append(candidates, candidate{provider: p, reason: ReasonPreferred})
			} else {
				code := xerrors.CodeBreakerOpen
				if b.State() == breaker.StateHalfOpen {
					code = xerrors.CodeHalfOpenExhausted
				}
				skipped = append(skipped, Attempt{
					Provider: preferred,
					Err: xerrors.New(code, fmt.Sprintf("首选 provider %s 熔断中，已跳过", preferred),
						xerrors.WithMetadata("provider", preferred)),
					Skipped: true,
				})
			}
		}
	}

	reason := "strategy:" + string(r.strategy)
	for _, p := range r.order(t) {
		if _, dup := seen[p.Name()]; dup {
			continue
		}
		seen[p.Name()] = struct{}{}
		candidates = append(candidates, candidate{provider: p, reason: reason})
	}

	for _, name := range t.Config.Fallback {
		if _, dup := seen[name]; dup {
			continue
		}
		p, ok := r.registry.Lookup(name)
		if !ok {
			continue
		}
		seen[name] = struct{}{}
		candidates = append(candidates, candidate{provider: p, reason: ReasonFallback})
	}
	return candidates, skipped
}

func (r *Router) order(t *task.Task) []provider.Provider {
	capable := r.registry.Capable(t.Kind)
	switch r.strategy {
	case StrategyRoundRobin:
		return rotate(capable, r.cursor.Add(1)-1)
	case StrategyWeightedRandom:
		r.rngMu.Lock()
		defer r.rngMu.Unlock()
		return weightedOrder(capable, r.rng)
	case StrategyCostOptimized:
		return cheapest(capable, t.Config)
	default:
		return byPriority(capable)
	}
}

func (r *Router) result(t *task.Task, c candidate, resp *provider.Response, rest []candidate, started time.Time) *task.Result {
	if resp == nil {
		resp = &provider.Response{}
	}
	status := task.StatusSuccess
	if resp.Partial {
		status = task.StatusPartial
	}
	alternatives := make([]string, 0, len(rest))
	for _, alt := range rest {
		alternatives = append(alternatives, alt.provider.Name())
	}
	exec := task.Execution{
		Provider:        c.provider.Name(),
		SelectionReason: c.reason,
		Alternatives:    alternatives,
		Confidence:      resp.Confidence,
		Usage:           resp.Usage,
	}
	exec.SetTiming(started, time.Now())
	return &task.Result{
		TaskID:    t.ID,
		Status:    status,
		Output:    resp.Output,
		Execution: exec,
	}
}

func (r *Router) breakerFor(name string) *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if override, ok := r.overrides[name]; ok {
		cfg = override.Merge(r.defaults)
	}
	opts := []breaker.Option{breaker.WithListener(r.listener)}
	if r.clock != nil {
		opts = append(opts, breaker.WithClock(r.clock))
	}
	b := breaker.New(name, cfg, opts...)
	r.breakers[name] = b
	return b
}

// classify 为未携带错误码的 provider 错误补充 PROVIDER_FAILURE。
func classify(name string, err error) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("provider %s 执行失败", name),
		xerrors.WithMetadata("provider", name))
}
