package runtime

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Dispatch/internal/breaker"
	"OpenMCP-Dispatch/internal/dispatch"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/task"
	"OpenMCP-Dispatch/pkg/logger"
)

const (
	defaultMaxConcurrent = 10
	defaultGlobalTimeout = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second
	healthConcurrency    = 8
)

// Config 为运行时的全局策略。
type Config struct {
	MaxConcurrentTasks int
	// GlobalTimeout 是单次 provider 调用的默认超时，
	// 作为 Dispatch.Breaker.Timeout 未设置时的取值；按 provider 覆盖的熔断超时优先。
	GlobalTimeout time.Duration
	// HealthTimeout 限制单个 provider 健康探测的时长。
	HealthTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = defaultGlobalTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	return c
}

// Options 组装运行时依赖。
type Options struct {
	Config   Config
	Dispatch dispatch.Options
	// Listener 接收熔断器与运行时事件；Dispatch.Listener 为空时同样用于熔断器。
	Listener events.Listener
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Runtime 是调度核心的唯一入口：校验、超时策略、准入控制、统计。
type Runtime struct {
	cfg      Config
	registry *provider.Registry
	router   *dispatch.Router
	listener events.Listener
	log      *slog.Logger
	now      func() time.Time

	active    atomic.Int64
	closed    atomic.Bool
	stats     *statsBook
	startedAt time.Time
}

// New 基于注入的注册表创建运行时，注册表的生命周期随之转交给运行时。
func New(registry *provider.Registry, opts Options) (*Runtime, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "provider 注册表不能为空")
	}
	listener := opts.Listener
	if listener == nil {
		listener = events.Discard
	}
	cfg := opts.Config.withDefaults()
	dopts := opts.Dispatch
	if dopts.Breaker.Timeout <= 0 {
		dopts.Breaker.Timeout = cfg.GlobalTimeout
	}
	if dopts.Listener == nil {
		dopts.Listener = listener
	}
	if dopts.Clock == nil {
		dopts.Clock = opts.Clock
	}
	router, err := dispatch.New(registry, dopts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("runtime")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		cfg:       cfg,
		registry:  registry,
		router:    router,
		listener:  listener,
		log:       log,
		now:       now,
		stats:     newStatsBook(),
		startedAt: now(),
	}, nil
}

// Start 启动熔断器维护协程，直到 ctx 结束或 Shutdown。
func (rt *Runtime) Start(ctx context.Context) {
	rt.router.StartMaintenance(ctx)
}

// Router 返回内部路由器，供熔断器管理接口使用。
func (rt *Runtime) Router() *dispatch.Router { return rt.router }

// Registry 返回 provider 注册表。
func (rt *Runtime) Registry() *provider.Registry { return rt.registry }

// Config 返回生效的运行时配置。
func (rt *Runtime) Config() Config { return rt.cfg }

// SubmitOption 调整单次提交。
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
}

// WithTimeout 为单次提交指定超时。与任务自身超时同时存在时取较小值。
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		o.timeout = d
	}
}

// Submit 调度任务。调度失败时同时返回带错误描述的 Result 与错误；
// 校验失败、超出并发上限时只返回错误。
func (rt *Runtime) Submit(ctx context.Context, t *task.Task, opts ...SubmitOption) (*task.Result, error) {
	if rt.closed.Load() {
		err := xerrors.New(xerrors.CodeInitializationFailure, "运行时已关闭")
		rt.rejectTask(t, err)
		return nil, err
	}
	if err := t.Validate(); err != nil {
		rt.rejectTask(t, err)
		return nil, err
	}

	var so submitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	timeout := resolveTimeout(so.timeout, t.Config.Timeout)

	if !rt.acquire() {
		err := xerrors.New(xerrors.CodeCapacityExceeded,
			fmt.Sprintf("并发任务数已达上限 %d", rt.cfg.MaxConcurrentTasks),
			xerrors.WithMetadata("max_concurrent_tasks", fmt.Sprint(rt.cfg.MaxConcurrentTasks)))
		rt.rejectTask(t, err)
		return nil, err
	}
	defer rt.active.Add(-1)

	started := rt.now()
	res, err := rt.router.Dispatch(ctx, t.WithTimeout(timeout))
	finished := rt.now()
	if err != nil {
		res = failedResult(t, err, started, finished)
	}

	rt.stats.record(t.Kind, res.Status, res.Execution.Provider, finished.Sub(started))
	rt.emitCompleted(t, res, err, finished.Sub(started))
	return res, err
}

// Stats 返回统计快照。
func (rt *Runtime) Stats() Stats {
	s := rt.stats.snapshot()
	s.Active = rt.active.Load()
	s.StartedAt = rt.startedAt
	s.Uptime = rt.now().Sub(rt.startedAt)
	return s
}

// ActiveTasks 返回当前执行中的任务数。
func (rt *Runtime) ActiveTasks() int64 { return rt.active.Load() }

// HealthCheck 并发探测所有 provider。探测出错、超时或 panic 均视为不健康。
func (rt *Runtime) HealthCheck(ctx context.Context) map[string]bool {
	names := rt.registry.Names()
	healthy := make([]bool, len(names))

	var g errgroup.Group
	g.SetLimit(healthConcurrency)
	for i, name := range names {
		p, ok := rt.registry.Lookup(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			healthy[i] = rt.probe(ctx, p) == nil
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		out[name] = healthy[i]
	}
	return out
}

// Shutdown 停止维护协程并释放全部 provider。释放失败只记录日志。
// 之后的 Submit 返回 INITIALIZATION_FAILURE。重复调用无副作用。
func (rt *Runtime) Shutdown() {
	if !rt.closed.CompareAndSwap(false, true) {
		return
	}
	rt.router.StopMaintenance()
	if err := rt.registry.Close(); err != nil {
		rt.log.Warn("释放 provider 时出现错误", slog.Any("error", err))
	}
	rt.log.Info("运行时已关闭", slog.Int64("active", rt.active.Load()))
}

func (rt *Runtime) acquire() bool {
	limit := int64(rt.cfg.MaxConcurrentTasks)
	for {
		current := rt.active.Load()
		if current >= limit {
			return false
		}
		if rt.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (rt *Runtime) probe(ctx context.Context, p provider.Provider) (err error) {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.HealthTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("health check panic: %v", r)
			}
		}()
		done <- p.HealthCheck(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		rt.log.Debug("provider 健康检查失败", slog.String("provider", p.Name()), slog.Any("error", err))
	}
	return err
}

func (rt *Runtime) rejectTask(t *task.Task, err error) {
	rt.stats.reject()
	evt := events.Event{
		Type:      events.TypeTaskRejected,
		Source:    "runtime",
		Time:      rt.now(),
		ErrorCode: string(xerrors.CodeOf(err)),
		Error:     err.Error(),
	}
	if t != nil {
		evt.TaskID = t.ID
		evt.TaskKind = string(t.Kind)
	}
	rt.listener.OnEvent(evt)
}

func (rt *Runtime) emitCompleted(t *task.Task, res *task.Result, err error, elapsed time.Duration) {
	evt := events.Event{
		Type:     events.TypeTaskCompleted,
		Source:   res.Execution.Provider,
		Time:     rt.now(),
		TaskID:   t.ID,
		TaskKind: string(t.Kind),
		Status:   string(res.Status),
		Duration: elapsed,
		Timeout:  res.Status == task.StatusTimeout,
	}
	if evt.Source == "" {
		evt.Source = "runtime"
	}
	if err != nil {
		evt.ErrorCode = string(xerrors.CodeOf(err))
		evt.Error = err.Error()
	}
	rt.listener.OnEvent(evt)
}

// resolveTimeout 返回调用方指定的超时：override 与任务超时同时存在时取较小值。
// 两者都未设置时返回 0，由各 provider 熔断器的 Timeout 决定，
// 熔断器未单独配置时即为 GlobalTimeout。
func resolveTimeout(override, taskTimeout time.Duration) time.Duration {
	switch {
	case override > 0 && taskTimeout > 0:
		return min(override, taskTimeout)
	case override > 0:
		return override
	default:
		return taskTimeout
	}
}

func failedResult(t *task.Task, err error, started, finished time.Time) *task.Result {
	status := task.StatusError
	var derr *dispatch.Error
	if stdErrors.As(err, &derr) {
		if derr.TimedOut() {
			status = task.StatusTimeout
		}
	} else if stdErrors.Is(err, breaker.ErrTimeout) {
		status = task.StatusTimeout
	}
	res := &task.Result{
		TaskID: t.ID,
		Status: status,
		Error:  task.NewErrorInfo(err),
	}
	res.Execution.SetTiming(started, finished)
	return res
}
