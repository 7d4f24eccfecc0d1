package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Dispatch/internal/config"
	"OpenMCP-Dispatch/pkg/logger"
)

// Version 在构建时通过 -ldflags 注入。
var Version = "dev"

// main 是 dispatchd 守护进程的入口。
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "多 provider 任务调度服务",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("配置文件路径（默认读取 $%s 或 %s）", config.EnvConfigPath, config.DefaultPath))

	root.AddCommand(newServeCommand(&configPath), newCheckConfigCommand(&configPath))
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动调度运行时与 REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, config.ResolvePath(*configPath))
		},
	}
}

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置并尝试创建全部 provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckConfig(config.ResolvePath(*configPath), cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

// runCheckConfig 加载配置、构造 provider 后立即释放，并输出解析结果。
func runCheckConfig(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}
	for _, p := range providers {
		_ = p.Dispose()
	}

	overrides := cfg.BreakerOverrides()
	fmt.Fprintf(out, "配置文件: %s\n", path)
	fmt.Fprintf(out, "调度策略: %s\n", cfg.Dispatch.Strategy)
	fmt.Fprintf(out, "并发上限: %d, 全局超时: %s\n", cfg.Runtime.MaxConcurrentTasks, cfg.Runtime.GlobalTimeout)
	defaults := cfg.DefaultBreaker()
	for _, pc := range cfg.Providers {
		b := defaults
		if o, ok := overrides[pc.Name]; ok {
			b = o.Merge(defaults)
		}
		fmt.Fprintf(out, "provider %-12s type=%-14s priority=%-3d kinds=%s breaker(threshold=%d, timeout=%s, reset=%s)\n",
			pc.Name, pc.Type, pc.Priority, strings.Join(pc.Kinds, ","), b.FailureThreshold, b.Timeout, b.ResetTimeout)
	}
	fmt.Fprintf(out, "审计存储: %s, 指标: %t\n", cfg.Storage.Audit.Driver, cfg.Metrics.Enabled)
	return nil
}
