package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenMCP-Dispatch/internal/breaker"
	"OpenMCP-Dispatch/internal/dispatch"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/task"
	"OpenMCP-Dispatch/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "DISPATCH_CONFIG"

// DefaultPath 是未指定路径时使用的配置文件。
var DefaultPath = filepath.Join("configs", "dispatch.yaml")

// Provider 类型。
const (
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderOllama       = "ollama"
	ProviderPythonBridge = "python_bridge"
	ProviderNull         = "null"
)

// Config 描述 dispatchd 启动所需的全部配置。
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   logger.Config    `yaml:"logging"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Providers []ProviderConfig `yaml:"providers"`
	Events    EventsConfig     `yaml:"events"`
	Storage   StorageConfig    `yaml:"storage"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Alerting  AlertingConfig   `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址、鉴权与限流。
type ServerConfig struct {
	Address         string   `yaml:"address"`
	AuthTokens      []string `yaml:"auth_tokens"`
	AuthTokensEnv   string   `yaml:"auth_tokens_env"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RuntimeConfig 对应运行时的并发与超时策略。
type RuntimeConfig struct {
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	GlobalTimeout      Duration `yaml:"global_timeout"`
	HealthTimeout      Duration `yaml:"health_timeout"`
}

// BreakerConfig 描述熔断阈值。Preset 取 default、aggressive 或 conservative，
// 显式填写的字段覆盖预设。
type BreakerConfig struct {
	Preset              string   `yaml:"preset"`
	FailureThreshold    int      `yaml:"failure_threshold"`
	Timeout             Duration `yaml:"timeout"`
	ResetTimeout        Duration `yaml:"reset_timeout"`
	MonitoringWindow    Duration `yaml:"monitoring_window"`
	HalfOpenMaxCalls    int      `yaml:"half_open_max_calls"`
	SuccessThreshold    int      `yaml:"success_threshold"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
}

// DispatchConfig 选择负载均衡策略。
type DispatchConfig struct {
	Strategy string `yaml:"strategy"`
	Seed     uint64 `yaml:"seed"`
}

// ProviderConfig 描述一个 provider 的后端与调度能力。
type ProviderConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Timeout     Duration `yaml:"timeout"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`

	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`

	Kinds    []string `yaml:"kinds"`
	Priority int      `yaml:"priority"`
	Weight   int      `yaml:"weight"`
	Cost     float64  `yaml:"cost"`
	Quality  float64  `yaml:"quality"`

	Breaker *BreakerConfig `yaml:"breaker"`
}

// EventsConfig 控制事件总线与外部事件投递。
type EventsConfig struct {
	BufferSize int            `yaml:"buffer_size"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis Stream 事件投递。
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Address  string   `yaml:"address"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Stream   string   `yaml:"stream"`
	MaxLen   int64    `yaml:"max_len"`
	Timeout  Duration `yaml:"timeout"`
}

// RabbitMQConfig 描述 RabbitMQ 事件投递。
type RabbitMQConfig struct {
	Enabled  bool     `yaml:"enabled"`
	URL      string   `yaml:"url"`
	Exchange string   `yaml:"exchange"`
	Queue    string   `yaml:"queue"`
	Durable  bool     `yaml:"durable"`
	Timeout  Duration `yaml:"timeout"`
}

// StorageConfig 描述审计存储。
type StorageConfig struct {
	Audit AuditStoreConfig `yaml:"audit"`
}

// AuditStoreConfig 支持 memory、mysql 与 none 三种驱动。
type AuditStoreConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	Capacity        int      `yaml:"capacity"`
	IncludeSuccess  bool     `yaml:"include_success"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL   string   `yaml:"webhook_url"`
	DingTalkURL  string   `yaml:"dingtalk_url"`
	SlackURL     string   `yaml:"slack_url"`
	SlackChannel string   `yaml:"slack_channel"`
	Cooldown     Duration `yaml:"cooldown"`
}

// ResolvePath 依次使用显式路径、环境变量与默认路径。
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件，并填充默认值、完成校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolveRelativePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析 YAML 内容。未知字段视为错误。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Seconds(15)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Seconds(60)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Seconds(10)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = int(c.Server.RateLimit)
		if c.Server.RateBurst < 1 {
			c.Server.RateBurst = 1
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.MaxConcurrentTasks <= 0 {
		c.Runtime.MaxConcurrentTasks = 10
	}
	if c.Runtime.GlobalTimeout <= 0 {
		c.Runtime.GlobalTimeout = Seconds(30)
	}
	if c.Runtime.HealthTimeout <= 0 {
		c.Runtime.HealthTimeout = Seconds(5)
	}

	if c.Dispatch.Strategy == "" {
		c.Dispatch.Strategy = string(dispatch.StrategyPriority)
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.Priority == 0 {
			p.Priority = task.DefaultPriority
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		if len(p.Kinds) == 0 {
			p.Kinds = []string{string(task.KindGeneric)}
		}
		if p.Type == ProviderPythonBridge && p.PythonExecutable == "" {
			p.PythonExecutable = "python3"
		}
	}

	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}

	if c.Storage.Audit.Driver == "" {
		c.Storage.Audit.Driver = "memory"
	}
	if c.Storage.Audit.Capacity <= 0 {
		c.Storage.Audit.Capacity = 1000
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "openmcp_dispatch"
	}

	if c.Alerting.Cooldown <= 0 {
		c.Alerting.Cooldown = Seconds(60)
	}
}

// applyEnv 从环境变量读取密钥类配置。
func (c *Config) applyEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
	if c.Server.AuthTokensEnv != "" {
		for _, token := range strings.Split(os.Getenv(c.Server.AuthTokensEnv), ",") {
			if token = strings.TrimSpace(token); token != "" {
				c.Server.AuthTokens = append(c.Server.AuthTokens, token)
			}
		}
	}
}

func (c *Config) resolveRelativePaths(baseDir string) {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type != ProviderPythonBridge {
			continue
		}
		if p.WorkingDir == "" {
			p.WorkingDir = baseDir
		} else if !filepath.IsAbs(p.WorkingDir) {
			p.WorkingDir = filepath.Join(baseDir, p.WorkingDir)
		}
	}
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	var problems []string
	if _, err := dispatch.ParseStrategy(c.Dispatch.Strategy); err != nil {
		problems = append(problems, fmt.Sprintf("dispatch.strategy: 未知策略 %q", c.Dispatch.Strategy))
	}
	if _, ok := breakerPresets[strings.ToLower(c.Breaker.Preset)]; !ok {
		problems = append(problems, fmt.Sprintf("breaker.preset: 未知预设 %q", c.Breaker.Preset))
	}
	if len(c.Providers) == 0 {
		problems = append(problems, "providers: 至少需要一个 provider")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic:
			if p.APIKey == "" {
				problems = append(problems, prefix+": 缺少 api_key 或 api_key_env")
			}
		case ProviderPythonBridge:
			if p.ScriptPath == "" {
				problems = append(problems, prefix+": python_bridge 需要 script_path")
			}
		case ProviderOllama, ProviderNull:
		default:
			problems = append(problems, fmt.Sprintf("%s: 未知类型 %q", prefix, p.Type))
		}
		if p.Name == "" {
			problems = append(problems, prefix+": name 不能为空")
		} else if _, dup := seen[p.Name]; dup {
			problems = append(problems, fmt.Sprintf("%s: 重复的名称 %q", prefix, p.Name))
		}
		seen[p.Name] = struct{}{}
		for _, kind := range p.Kinds {
			if !task.Kind(kind).Valid() {
				problems = append(problems, fmt.Sprintf("%s: 未知任务类型 %q", prefix, kind))
			}
		}
		if p.Quality < 0 || p.Quality > 1 {
			problems = append(problems, prefix+": quality 必须位于 0-1")
		}
		if p.Breaker != nil {
			if _, ok := breakerPresets[strings.ToLower(p.Breaker.Preset)]; !ok {
				problems = append(problems, fmt.Sprintf("%s.breaker.preset: 未知预设 %q", prefix, p.Breaker.Preset))
			}
		}
	}

	switch c.Storage.Audit.Driver {
	case "memory", "none":
	case "mysql":
		if c.Storage.Audit.DSN == "" {
			problems = append(problems, "storage.audit: mysql 驱动需要 dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.audit.driver: 未知驱动 %q", c.Storage.Audit.Driver))
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Address == "" {
		problems = append(problems, "events.redis: 启用时需要 address")
	}
	if c.Events.RabbitMQ.Enabled && c.Events.RabbitMQ.URL == "" {
		problems = append(problems, "events.rabbitmq: 启用时需要 url")
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置校验失败: "+strings.Join(problems, "; "))
	}
	return nil
}

var breakerPresets = map[string]func() breaker.Config{
	"":             breaker.DefaultConfig,
	"default":      breaker.DefaultConfig,
	"aggressive":   breaker.AggressiveConfig,
	"conservative": breaker.ConservativeConfig,
}

// Resolve 返回以预设为基础、显式字段覆盖后的熔断配置。
func (b BreakerConfig) Resolve() breaker.Config {
	preset, ok := breakerPresets[strings.ToLower(b.Preset)]
	if !ok {
		preset = breaker.DefaultConfig
	}
	return b.override().Merge(preset())
}

// Override 返回仅含显式字段的熔断配置，供按 provider 覆盖使用。
// 设置了 Preset 时，未填写的字段取预设值。
func (b BreakerConfig) Override() breaker.Config {
	if b.Preset != "" {
		return b.Resolve()
	}
	return b.override()
}

func (b BreakerConfig) override() breaker.Config {
	return breaker.Config{
		FailureThreshold:    b.FailureThreshold,
		Timeout:             b.Timeout.Duration(),
		ResetTimeout:        b.ResetTimeout.Duration(),
		MonitoringWindow:    b.MonitoringWindow.Duration(),
		HalfOpenMaxCalls:    b.HalfOpenMaxCalls,
		SuccessThreshold:    b.SuccessThreshold,
		MaintenanceInterval: b.MaintenanceInterval.Duration(),
	}
}

// DefaultBreaker 返回全局熔断配置。breaker.timeout 未显式设置时，
// 单次调用超时取 runtime.global_timeout 而不是预设值。
func (c *Config) DefaultBreaker() breaker.Config {
	cfg := c.Breaker.Resolve()
	if c.Breaker.Timeout <= 0 && c.Runtime.GlobalTimeout > 0 {
		cfg.Timeout = c.Runtime.GlobalTimeout.Duration()
	}
	return cfg
}

// BreakerOverrides 汇总配置了独立熔断参数的 provider。
func (c *Config) BreakerOverrides() map[string]breaker.Config {
	out := make(map[string]breaker.Config)
	for _, p := range c.Providers {
		if p.Breaker != nil {
			out[p.Name] = p.Breaker.Override()
		}
	}
	return out
}

// TaskKinds 将配置中的类型字符串转换为 task.Kind。
func (p ProviderConfig) TaskKinds() []task.Kind {
	kinds := make([]task.Kind, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		kinds = append(kinds, task.Kind(k))
	}
	return kinds
}
