package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Dispatch/internal/llm"
)

const (
	defaultBaseURL   = "http://127.0.0.1:11434"
	defaultModelName = "llama3.1"
	defaultTimeout   = 120 * time.Second
)

// Config 描述本地 Ollama 服务的地址与模型。
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 调用 Ollama 的 /api/generate 接口完成本地推理。
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 创建 Ollama 客户端。本地服务无需凭证。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate 以非流式方式调用模型。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	body := map[string]any{
		"model":  c.model,
		"prompt": req.Prompt,
		"stream": false,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		body["system"] = system
	}
	if len(options) > 0 {
		body["options"] = options
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 Ollama 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Ollama 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Ollama 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Ollama 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Model           string `json:"model"`
		Response        string `json:"response"`
		DoneReason      string `json:"done_reason"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Ollama 响应失败: %w", err)
	}
	text := strings.TrimSpace(decoded.Response)
	if text == "" {
		return nil, errors.New("Ollama 响应内容为空")
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{
		Text:  text,
		Model: model,
		Usage: llm.Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
		},
		Truncated: decoded.DoneReason == "length",
	}, nil
}

// Ping 检查本地服务是否存活。
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("构建 Ollama 探测请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("探测 Ollama 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Ollama 探测返回状态 %d", resp.StatusCode)
	}
	return nil
}
