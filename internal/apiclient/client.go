// Package apiclient is the HTTP client for the cloudagent API, used by the
// command line tool.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Task mirrors the API's task projection.
type Task struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	RepositoryURL string     `json:"repository_url"`
	Status        string     `json:"status"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type Result struct {
	Summary      string   `json:"summary"`
	BranchName   string   `json:"branch_name"`
	ChangedFiles []string `json:"changed_files"`
	NumTurns     int      `json:"num_turns"`
	DurationMS   int64    `json:"duration_ms"`
}

type Credentials struct {
	AnthropicAPIKey      string `json:"anthropic_api_key,omitempty"`
	ClaudeCodeOAuthToken string `json:"claude_code_oauth_token,omitempty"`
	GithubToken          string `json:"github_token,omitempty"`
}

type CreateTaskRequest struct {
	Prompt        string       `json:"prompt"`
	RepositoryURL string       `json:"repository_url"`
	ParentTaskID  string       `json:"parent_task_id,omitempty"`
	Credentials   *Credentials `json:"credentials,omitempty"`
}

type TaskList struct {
	Tasks  []*Task `json:"tasks"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

type Logs struct {
	Messages []json.RawMessage `json:"messages"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type Files struct {
	Files []FileEntry `json:"files"`
}

type Session struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d [%s]: %s", e.Status, e.Code, e.Message)
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context, status string, limit, offset int) (*TaskList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var list TaskList
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetLogs(ctx context.Context, id string, limit, offset int) (*Logs, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var logs Logs
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/logs", q, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

func (c *Client) GetFiles(ctx context.Context, id string) (*Files, error) {
	var files Files
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/files", nil, nil, &files); err != nil {
		return nil, err
	}
	return &files, nil
}

func (c *Client) GetFile(ctx context.Context, id, path string) (*FileEntry, error) {
	q := url.Values{}
	q.Set("path", path)
	var f FileEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/files", q, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/session", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
