package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteManager drives a hosted sandbox provider over HTTP. Provisioning
// returns a sandbox id; commands stream their output back as NDJSON events.
type RemoteManager struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewRemoteManager(endpoint, apiKey string) *RemoteManager {
	return &RemoteManager{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		// No global client timeout: exec streams are long-lived and bounded
		// by the per-command timeout instead.
		client: &http.Client{},
	}
}

type provisionRequest struct {
	Template string            `json:"template"`
	Envs     map[string]string `json:"envs,omitempty"`
}

type provisionResponse struct {
	SandboxID string `json:"sandbox_id"`
}

func (m *RemoteManager) Provision(ctx context.Context, template string, env map[string]string) (*Handle, error) {
	body, err := json.Marshal(provisionRequest{Template: template, Envs: env})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provision request: %w", err)
	}
	resp, err := m.do(ctx, http.MethodPost, "/v1/sandboxes", "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to provision sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("failed to provision sandbox: %s", readError(resp))
	}
	var pr provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to decode provision response: %w", err)
	}
	if pr.SandboxID == "" {
		return nil, fmt.Errorf("provider returned empty sandbox id")
	}
	return &Handle{ID: pr.SandboxID}, nil
}

type execRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// execEvent is one NDJSON line of a streamed exec. Type is "stdout",
// "stderr" or "exit".
type execEvent struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func (m *RemoteManager) Run(ctx context.Context, h *Handle, command string, timeout time.Duration, onOutput OutputFunc) (*CommandResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(execRequest{Command: command, TimeoutSeconds: int(timeout.Seconds())})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exec request: %w", err)
	}
	resp, err := m.do(runCtx, http.MethodPost, "/v1/sandboxes/"+h.ID+"/exec", "", bytes.NewReader(body))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeoutExceeded
		}
		return nil, fmt.Errorf("failed to exec command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to exec command: %s", readError(resp))
	}

	result := &CommandResult{ExitCode: -1}
	var stdout, stderr strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode exec event: %w", err)
		}
		switch ev.Type {
		case "stdout":
			stdout.WriteString(ev.Data)
			if onOutput != nil {
				onOutput([]byte(ev.Data))
			}
		case "stderr":
			stderr.WriteString(ev.Data)
		case "exit":
			result.ExitCode = ev.ExitCode
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeoutExceeded
		}
		return nil, fmt.Errorf("exec stream broken: %w", err)
	}
	if result.ExitCode == -1 && runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeoutExceeded
		}
		return nil, runCtx.Err()
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (m *RemoteManager) WriteFile(ctx context.Context, h *Handle, path string, data []byte) error {
	resp, err := m.do(ctx, http.MethodPut, "/v1/sandboxes/"+h.ID+"/files", path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to write sandbox file %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to write sandbox file %s: %s", path, readError(resp))
	}
	return nil
}

func (m *RemoteManager) ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error) {
	resp, err := m.do(ctx, http.MethodGet, "/v1/sandboxes/"+h.ID+"/files", path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox file %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to read sandbox file %s: %s", path, readError(resp))
	}
	return io.ReadAll(resp.Body)
}

// Destroy is idempotent: a sandbox already gone reports success.
func (m *RemoteManager) Destroy(ctx context.Context, h *Handle) error {
	resp, err := m.do(ctx, http.MethodDelete, "/v1/sandboxes/"+h.ID, "", nil)
	if err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", h.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return fmt.Errorf("failed to destroy sandbox %s: %s", h.ID, readError(resp))
}

func (m *RemoteManager) do(ctx context.Context, method, path, filePath string, body io.Reader) (*http.Response, error) {
	u := m.endpoint + path
	if filePath != "" {
		u += "?path=" + url.QueryEscape(filePath)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		if filePath != "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if m.apiKey != "" {
		req.Header.Set("X-API-Key", m.apiKey)
	}
	return m.client.Do(req)
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
