package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It should exceed the server's global task timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the dispatchd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// TaskRequest is the payload submitted to POST /api/v1/tasks.
type TaskRequest struct {
	ID                string         `json:"id,omitempty"`
	Kind              string         `json:"kind"`
	Content           string         `json:"content"`
	Data              map[string]any `json:"data,omitempty"`
	Priority          int            `json:"priority,omitempty"`
	TimeoutMS         int64          `json:"timeout_ms,omitempty"`
	PreferredProvider string         `json:"preferred_provider,omitempty"`
	Fallback          []string       `json:"fallback,omitempty"`
	MinQuality        float64        `json:"min_quality,omitempty"`
	MaxCost           float64        `json:"max_cost,omitempty"`
	Source            string         `json:"source,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// TaskResult is the outcome of a dispatched task.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Execution Execution      `json:"execution"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// Succeeded reports whether the output can be used.
func (r *TaskResult) Succeeded() bool {
	return r != nil && (r.Status == "success" || r.Status == "partial")
}

// Execution describes which provider served the task.
type Execution struct {
	Provider        string    `json:"provider,omitempty"`
	SelectionReason string    `json:"selection_reason,omitempty"`
	Alternatives    []string  `json:"alternatives,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMS      int64     `json:"duration_ms"`
	Confidence      float64   `json:"confidence,omitempty"`
	Usage           Usage     `json:"usage"`
}

// Usage reports token consumption of the serving provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ErrorInfo is the error payload attached to results and error responses.
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Health summarises provider health.
type Health struct {
	Healthy   bool            `json:"healthy"`
	Providers map[string]bool `json:"providers"`
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	TotalTasks         int64                `json:"total_tasks"`
	Rejected           int64                `json:"rejected"`
	Active             int64                `json:"active"`
	ByStatus           map[string]int64     `json:"by_status"`
	ByProvider         map[string]int64     `json:"by_provider"`
	ByKind             map[string]KindStats `json:"by_kind"`
	StartedAt          time.Time            `json:"started_at"`
	UptimeMS           int64                `json:"uptime_ms"`
	MaxConcurrentTasks int                  `json:"max_concurrent_tasks"`
	Strategy           string               `json:"strategy"`
}

// KindStats holds per task kind duration figures.
type KindStats struct {
	Count     int64 `json:"count"`
	AverageMS int64 `json:"average_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// Breaker is the state and counters of one provider's circuit breaker.
type Breaker struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	HalfOpenCalls int       `json:"half_open_calls"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	NextAttempt   time.Time `json:"next_attempt,omitempty"`
	Total         int64     `json:"total"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Timeouts      int64     `json:"timeouts"`
	Rejected      int64     `json:"rejected"`
	Openings      int64     `json:"openings"`
}

// Event is one audit record.
type Event struct {
	ID            int64  `json:"id"`
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	Source        string `json:"source"`
	State         string `json:"state,omitempty"`
	PreviousState string `json:"previous_state,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	TaskKind      string `json:"task_kind,omitempty"`
	Status        string `json:"status,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	Message       string `json:"message,omitempty"`
	Failures      int    `json:"failures"`
	DurationMS    int64  `json:"duration_ms"`
	OccurredAt    int64  `json:"occurred_at"`
}

// EventQuery filters the audit log. TaskID takes precedence over Source.
type EventQuery struct {
	TaskID string
	Source string
	Limit  int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Result is set when the server completed dispatch but the task failed.
	Result *TaskResult
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("dispatch api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dispatch api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the dispatchd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Submit dispatches a task and waits for its result. When the task fails
// after dispatch, both the result and an *APIError are returned.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	var result TaskResult
	if err := c.post(ctx, "/api/v1/tasks", req, &result); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Result != nil {
			return apiErr.Result, err
		}
		return nil, err
	}
	return &result, nil
}

// Health reports provider health. An unhealthy service is not an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	err := c.get(ctx, "/api/v1/health", nil, &health)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable && health.Providers != nil {
		return &health, nil
	}
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// Stats fetches runtime statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Breakers lists the circuit breakers of all providers.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var out []Breaker
	if err := c.get(ctx, "/api/v1/breakers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetBreaker closes a provider's breaker and clears its counters.
func (c *Client) ResetBreaker(ctx context.Context, name string) (*Breaker, error) {
	var out Breaker
	if err := c.post(ctx, "/api/v1/breakers/"+url.PathEscape(name)+"/reset", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceBreaker moves a provider's breaker into state ("closed", "open" or "half-open").
func (c *Client) ForceBreaker(ctx context.Context, name, state string) (*Breaker, error) {
	var out Breaker
	endpoint := "/api/v1/breakers/" + url.PathEscape(name) + "/force?state=" + url.QueryEscape(state)
	if err := c.post(ctx, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events queries the audit log.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	values := url.Values{}
	if q.TaskID != "" {
		values.Set("task_id", q.TaskID)
	}
	if q.Source != "" {
		values.Set("source", q.Source)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Event
	if err := c.get(ctx, "/api/v1/events", values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rel.Path)
	u.RawPath = ""
	u.RawQuery = rel.RawQuery
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data, out)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError builds an APIError from either an {"error": {...}} envelope or
// a task result. Health bodies are decoded into out so callers can inspect them.
func decodeError(status int, data []byte, out any) error {
	apiErr := &APIError{StatusCode: status}
	var probe struct {
		TaskID string          `json:"task_id"`
		Status string          `json:"status"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		switch {
		case probe.TaskID != "" && probe.Status != "":
			var result TaskResult
			if json.Unmarshal(data, &result) == nil {
				apiErr.Result = &result
				if result.Error != nil {
					apiErr.Code = result.Error.Code
					apiErr.Message = result.Error.Message
				}
			}
		case len(probe.Error) > 0:
			var info ErrorInfo
			if json.Unmarshal(probe.Error, &info) == nil {
				apiErr.Code = info.Code
				apiErr.Message = info.Message
			}
		case out != nil:
			_ = json.Unmarshal(data, out)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
