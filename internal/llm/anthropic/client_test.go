package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenMCP-Dispatch/internal/llm"
)

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-test",
			"content": []map[string]any{
				{"type": "text", "text": "Acme "},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "Corp"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 20, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "secret", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{System: "extract entities", Prompt: "Acme Corp hired Bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Acme Corp" || resp.Model != "claude-test" || resp.Truncated {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.PromptTokens != 20 || resp.Usage.CompletionTokens != 4 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if body["system"] != "extract entities" || body["max_tokens"] != float64(defaultMaxTokens) {
		t.Fatalf("unexpected request body: %v", body)
	}
}

func TestGenerateEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "secret", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", 529)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "secret", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for overloaded status")
	}
}
