package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Source     string
	TaskID     string
	TaskKind   string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 并发投递到每个渠道，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 按渠道名排序并去重后创建 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	byChannel := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byChannel[n.Channel()] = n
		}
	}
	list := make([]Notifier, 0, len(byChannel))
	for _, n := range byChannel {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Channel() < list[j].Channel() })
	return &FanoutDispatcher{notifiers: list}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 等待所有渠道投递结束，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	errs := make([]error, len(d.notifiers))
	var g errgroup.Group
	for i, n := range d.notifiers {
		g.Go(func() error {
			if err := n.Notify(ctx, event); err != nil {
				errs[i] = fmt.Errorf("channel %s: %w", n.Channel(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("source", event.Source))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n来源: %s\n时间: %s\n%s",
		event.Severity, event.Code, event.Source, event.OccurredAt.Format(time.RFC3339), event.Message)
	if event.TaskID != "" {
		payload += fmt.Sprintf("\n任务: %s (%s)", event.TaskID, event.TaskKind)
	}
	return n.Sender.Send(ctx, payload+formatMetadata(event.Metadata))
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("source", event.Source))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (来源 %s)", event.Severity, event.Code, event.Message, event.Source)
	if event.TaskID != "" {
		content += fmt.Sprintf(" task=%s kind=%s", event.TaskID, event.TaskKind)
	}
	return n.Sender.Send(ctx, n.ChannelID, content)
}

func formatMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("\n详情:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, meta[k])
	}
	return b.String()
}
