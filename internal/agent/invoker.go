package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
	"github.com/cloudagent-dev/cloudagent/pkg/clog"
)

const (
	// RepoDir is where the worker clones the target repository inside the
	// sandbox.
	RepoDir = "/home/user/repo"

	// sessionDir is where the CLI looks up resumable session transcripts
	// for RepoDir.
	sessionDir = "/home/user/.claude/projects/-home-user-repo"
)

// FailureError reports that the agent itself gave up or spoke an
// unintelligible protocol. It is terminal: retrying the same prompt
// against the same repo would fail the same way.
type FailureError struct {
	Msg string
	Err error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return "agent failure: " + e.Msg
	}
	return fmt.Sprintf("agent failure: %s: %v", e.Msg, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// InvokeResult is a successful agent run.
type InvokeResult struct {
	SessionID string
	Result    ResultMessage
}

// Invoker runs the Claude CLI in a sandbox in stream-json mode, flushing
// every message line to the artifact store as it arrives so partial
// transcripts survive timeouts and kills.
type Invoker struct {
	sandboxes sandbox.Manager
	artifacts *artifact.Store
	timeout   time.Duration
}

func NewInvoker(sandboxes sandbox.Manager, artifacts *artifact.Store, timeout time.Duration) *Invoker {
	return &Invoker{sandboxes: sandboxes, artifacts: artifacts, timeout: timeout}
}

// Invoke executes the prompt. When resumeSessionID is set, the parent
// transcript is placed at the CLI's session location first so --resume
// finds it.
func (i *Invoker) Invoke(ctx context.Context, h *sandbox.Handle, taskID, prompt, resumeSessionID string, parentTranscript []byte) (*InvokeResult, error) {
	if resumeSessionID != "" {
		path := fmt.Sprintf("%s/%s.jsonl", sessionDir, resumeSessionID)
		if err := i.sandboxes.WriteFile(ctx, h, path, parentTranscript); err != nil {
			return nil, fmt.Errorf("failed to place resume transcript: %w", err)
		}
	}

	command, err := buildCommand(prompt, resumeSessionID)
	if err != nil {
		return nil, &FailureError{Msg: "failed to build agent command", Err: err}
	}

	st := &streamState{ctx: ctx, taskID: taskID, artifacts: i.artifacts}
	cmdResult, runErr := i.sandboxes.Run(ctx, h, command, i.timeout, st.consume)
	st.flushRemainder()

	if runErr != nil {
		// ErrTimeoutExceeded and transport errors propagate as-is; the
		// scheduler classifies them.
		return nil, runErr
	}
	if st.parseErr != nil {
		return nil, &FailureError{Msg: "agent output not understood", Err: st.parseErr}
	}
	if st.result == nil {
		return nil, &FailureError{Msg: fmt.Sprintf("agent exited (code %d) without a result message", cmdResult.ExitCode)}
	}
	if st.result.IsError {
		msg := st.result.Result
		if msg == "" {
			msg = "agent reported " + st.result.Subtype
		}
		return nil, &FailureError{Msg: msg}
	}
	sessionID := st.sessionID
	if sessionID == "" {
		sessionID = st.result.SessionID
	}
	if sessionID == "" {
		return nil, &FailureError{Msg: "agent never reported a session id"}
	}
	return &InvokeResult{SessionID: sessionID, Result: *st.result}, nil
}

func buildCommand(prompt, resumeSessionID string) (string, error) {
	quoted, err := syntax.Quote(prompt, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("prompt is not shell-quotable: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("cd " + RepoDir + " && claude -p " + quoted)
	sb.WriteString(" --output-format stream-json --verbose")
	if resumeSessionID != "" {
		id, err := syntax.Quote(resumeSessionID, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("session id is not shell-quotable: %w", err)
		}
		sb.WriteString(" --resume " + id)
	}
	return sb.String(), nil
}

// streamState reassembles output chunks into lines and flushes each line
// durably before parsing it. A line that fails to parse stops the run, but
// everything before it is already persisted.
type streamState struct {
	ctx       context.Context
	taskID    string
	artifacts *artifact.Store

	buf       bytes.Buffer
	sessionID string
	result    *ResultMessage
	parseErr  error
}

func (s *streamState) consume(chunk []byte) {
	s.buf.Write(chunk)
	for {
		line, rest, found := bytes.Cut(s.buf.Bytes(), []byte("\n"))
		if !found {
			return
		}
		lineCopy := append([]byte(nil), line...)
		restCopy := append([]byte(nil), rest...)
		s.buf.Reset()
		s.buf.Write(restCopy)
		s.handleLine(lineCopy)
	}
}

func (s *streamState) flushRemainder() {
	if s.buf.Len() > 0 {
		s.handleLine(append([]byte(nil), s.buf.Bytes()...))
		s.buf.Reset()
	}
}

func (s *streamState) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	if err := s.artifacts.AppendMessage(s.ctx, s.taskID, line); err != nil {
		clog.AddError(s.ctx, err)
	}
	if s.parseErr != nil {
		return
	}
	msg, err := ParseMessage(line)
	if err != nil {
		s.parseErr = err
		return
	}
	switch m := msg.(type) {
	case SystemMessage:
		if m.Subtype == "init" && m.SessionID != "" {
			s.sessionID = m.SessionID
		}
	case ResultMessage:
		s.result = &m
	}
}
