package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警接收方返回 %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// WebhookNotifier 以 JSON 形式把告警 POST 到任意 HTTP 端点。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	return postJSON(ctx, n.Client, n.URL, map[string]any{
		"code":        event.Code,
		"message":     event.Message,
		"severity":    event.Severity,
		"source":      event.Source,
		"task_id":     event.TaskID,
		"task_kind":   event.TaskKind,
		"metadata":    event.Metadata,
		"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
	})
}

// DingTalkWebhook 通过钉钉自定义机器人 webhook 发送文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send implements DingTalkSender.
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	return postJSON(ctx, w.Client, w.URL, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackWebhook 通过 Slack incoming webhook 发送消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send implements SlackSender. channel 为空时使用 webhook 默认频道。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, w.Client, w.URL, payload)
}
