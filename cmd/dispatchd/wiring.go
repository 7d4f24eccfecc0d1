package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"OpenMCP-Dispatch/internal/api"
	"OpenMCP-Dispatch/internal/auth"
	"OpenMCP-Dispatch/internal/config"
	"OpenMCP-Dispatch/internal/dispatch"
	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/internal/events/rabbitmq"
	"OpenMCP-Dispatch/internal/events/redisstream"
	"OpenMCP-Dispatch/internal/llm"
	"OpenMCP-Dispatch/internal/llm/anthropic"
	"OpenMCP-Dispatch/internal/llm/ollama"
	"OpenMCP-Dispatch/internal/llm/openai"
	"OpenMCP-Dispatch/internal/llm/pythonbridge"
	"OpenMCP-Dispatch/internal/observability/alerting"
	"OpenMCP-Dispatch/internal/observability/metrics"
	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/runtime"
	"OpenMCP-Dispatch/internal/storage/mysql"
	"OpenMCP-Dispatch/pkg/logger"
)

// app 持有一次启动组装出的全部组件。
type app struct {
	cfg      *config.Config
	runtime  *runtime.Runtime
	bus      *events.Bus
	server   *api.Server
	gatherer prometheus.Gatherer
	log      *slog.Logger

	closers []func() error
}

// buildApp 按配置组装 provider、事件监听器、运行时与 API 服务。
// 返回错误时已创建的资源会被释放。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.Named("dispatchd")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		for _, p := range providers {
			_ = p.Dispose()
		}
		return nil, err
	}

	var (
		exporter     *metrics.Exporter
		promRegistry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err = metrics.NewExporter(promRegistry, metrics.Options{Namespace: cfg.Metrics.Namespace})
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		a.gatherer = promRegistry
	}

	audit, err := a.buildAudit(ctx, cfg.Storage.Audit)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	listeners := []events.Listener{events.NewLogSink(logger.Audit())}
	if exporter != nil {
		listeners = append(listeners, exporter)
	}
	if audit != nil {
		var opts []mysql.SinkOption
		if cfg.Storage.Audit.IncludeSuccess {
			opts = append(opts, mysql.WithFilter(nil))
		}
		listeners = append(listeners, mysql.NewAuditSink(audit, opts...))
	}
	if alerts := buildAlerting(cfg.Alerting); alerts != nil {
		a.closers = append(a.closers, alerts.Close)
		listeners = append(listeners, alerts)
	}
	external, err := a.buildExternalSinks(cfg.Events)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	listeners = append(listeners, external...)

	a.bus = events.NewBus(cfg.Events.BufferSize, listeners...)

	strategy, err := dispatch.ParseStrategy(cfg.Dispatch.Strategy)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	a.runtime, err = runtime.New(registry, runtime.Options{
		Config: runtime.Config{
			MaxConcurrentTasks: cfg.Runtime.MaxConcurrentTasks,
			GlobalTimeout:      cfg.Runtime.GlobalTimeout.Duration(),
			HealthTimeout:      cfg.Runtime.HealthTimeout.Duration(),
		},
		Dispatch: dispatch.Options{
			Strategy:         strategy,
			Breaker:          cfg.DefaultBreaker(),
			BreakerOverrides: cfg.BreakerOverrides(),
			Seed:             cfg.Dispatch.Seed,
		},
		Listener: a.bus,
	})
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	if promRegistry != nil {
		rt := a.runtime
		if err := metrics.RegisterActiveTasks(promRegistry, cfg.Metrics.Namespace, func() float64 {
			return float64(rt.ActiveTasks())
		}); err != nil {
			return nil, err
		}
	}

	opts := api.Options{
		Address:         cfg.Server.Address,
		Auth:            auth.NewStaticService(cfg.Server.AuthTokens),
		Metrics:         exporter,
		Audit:           audit,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}
	if cfg.Metrics.Address == "" {
		opts.Gatherer = a.gatherer
	}
	a.server = api.NewServer(a.runtime, opts)
	return a, nil
}

// serve 运行 API 服务直到 ctx 结束，随后按依赖逆序关闭组件。
func (a *app) serve(ctx context.Context) error {
	defer a.close()

	a.runtime.Start(ctx)
	if a.cfg.Metrics.Address != "" && a.gatherer != nil {
		go func() {
			if err := metrics.StartServer(ctx, a.cfg.Metrics.Address, a.gatherer); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}
	a.log.Info("dispatchd 已启动",
		slog.Int("providers", a.runtime.Registry().Len()),
		slog.String("strategy", string(a.runtime.Router().Strategy())),
	)

	err := a.server.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close 先关闭运行时再排空事件总线，最后释放存储与外部投递。
func (a *app) close() {
	if a.runtime != nil {
		a.runtime.Shutdown()
	}
	if a.bus != nil {
		a.bus.Close()
		if dropped := a.bus.Dropped(); dropped > 0 {
			a.log.Warn("事件总线丢弃了部分事件", slog.Int64("dropped", dropped))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func (a *app) buildAudit(ctx context.Context, cfg config.AuditStoreConfig) (mysql.AuditRepository, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "mysql":
		repo, err := mysql.NewSQLAuditRepository(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Duration(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime.Duration(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		return mysql.NewMemoryAuditRepository(cfg.Capacity), nil
	}
}

func (a *app) buildExternalSinks(cfg config.EventsConfig) ([]events.Listener, error) {
	var out []events.Listener
	if cfg.Redis.Enabled {
		sink, err := redisstream.New(redisstream.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
			Timeout:  cfg.Redis.Timeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		out = append(out, sink)
	}
	if cfg.RabbitMQ.Enabled {
		sink, err := rabbitmq.New(rabbitmq.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Durable:  cfg.RabbitMQ.Durable,
			Timeout:  cfg.RabbitMQ.Timeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		out = append(out, sink)
	}
	return out, nil
}

// buildAlerting 在至少配置了一个渠道时返回告警监听器。
func buildAlerting(cfg config.AlertingConfig) *alerting.Listener {
	var notifiers []alerting.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if cfg.DingTalkURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: &alerting.DingTalkWebhook{URL: cfg.DingTalkURL}})
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: cfg.SlackURL},
			ChannelID: cfg.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewListener(alerting.NewFanout(notifiers...), alerting.WithCooldown(cfg.Cooldown.Duration()))
}

// buildProviders 为每个配置项创建 provider。任一失败时释放已创建的 provider。
func buildProviders(cfgs []config.ProviderConfig) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		p, err := buildProvider(pc)
		if err != nil {
			for _, created := range out {
				_ = created.Dispose()
			}
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func buildProvider(pc config.ProviderConfig) (provider.Provider, error) {
	caps := provider.Capabilities{
		Kinds:    pc.TaskKinds(),
		Priority: pc.Priority,
		Weight:   pc.Weight,
		Cost:     pc.Cost,
		Quality:  pc.Quality,
	}
	if pc.Type == config.ProviderNull {
		return provider.NewNull(pc.Name).WithCapabilities(caps), nil
	}

	client, err := createLLMClient(pc)
	if err != nil {
		return nil, err
	}
	return provider.NewLLMProvider(provider.LLMConfig{
		Name:         pc.Name,
		Client:       client,
		Capabilities: caps,
		MaxTokens:    pc.MaxTokens,
		Temperature:  pc.Temperature,
	})
}

func createLLMClient(pc config.ProviderConfig) (llm.Client, error) {
	switch pc.Type {
	case config.ProviderPythonBridge:
		scriptPath := pythonbridge.ResolveScriptPath(pc.WorkingDir, pc.ScriptPath)
		return pythonbridge.NewClient(pc.PythonExecutable, scriptPath, pc.WorkingDir)
	case config.ProviderOpenAI:
		apiKey := strings.TrimSpace(pc.APIKey)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout.Duration(),
		})
	case config.ProviderAnthropic:
		return anthropic.NewClient(anthropic.Config{
			APIKey:    strings.TrimSpace(pc.APIKey),
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout.Duration(),
		})
	case config.ProviderOllama:
		return ollama.NewClient(ollama.Config{
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout.Duration(),
		}), nil
	default:
		return nil, fmt.Errorf("未知的 provider 类型: %s", pc.Type)
	}
}
