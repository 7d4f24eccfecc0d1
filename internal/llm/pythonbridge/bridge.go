package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Dispatch/internal/llm"
)

// Client 通过调用 Python 脚本实现本地推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Generate 将请求以 JSON 写入脚本标准输入，并解析标准输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := map[string]any{
		"system":      req.System,
		"prompt":      req.Prompt,
		"kind":        req.Kind,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"timestamp":   time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp struct {
		Text             string `json:"text"`
		Model            string `json:"model"`
		PromptTokens     int    `json:"prompt_tokens"`
		CompletionTokens int    `json:"completion_tokens"`
		Truncated        bool   `json:"truncated"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, errors.New("Python 脚本未返回文本")
	}

	return &llm.Response{
		Text:  strings.TrimSpace(resp.Text),
		Model: resp.Model,
		Usage: llm.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		},
		Truncated: resp.Truncated,
	}, nil
}

// Ping 确认解释器与脚本均可用，不会真正执行脚本。
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(c.pythonExec); err != nil {
		return fmt.Errorf("找不到解释器 %s: %w", c.pythonExec, err)
	}
	path := c.scriptPath
	if c.workingDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(c.workingDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("脚本不可用: %w", err)
	}
	return nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
