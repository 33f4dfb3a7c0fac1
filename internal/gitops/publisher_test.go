package gitops

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
)

// scriptedSandbox returns canned results per Run call and records commands.
type scriptedSandbox struct {
	results  []*sandbox.CommandResult
	errs     []error
	commands []string
}

func (s *scriptedSandbox) Provision(context.Context, string, map[string]string) (*sandbox.Handle, error) {
	return &sandbox.Handle{ID: "sb"}, nil
}

func (s *scriptedSandbox) Run(_ context.Context, _ *sandbox.Handle, command string, _ time.Duration, _ sandbox.OutputFunc) (*sandbox.CommandResult, error) {
	i := len(s.commands)
	s.commands = append(s.commands, command)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (s *scriptedSandbox) WriteFile(context.Context, *sandbox.Handle, string, []byte) error {
	return nil
}
func (s *scriptedSandbox) ReadFile(context.Context, *sandbox.Handle, string) ([]byte, error) {
	return nil, sandbox.ErrFileNotFound
}
func (s *scriptedSandbox) Destroy(context.Context, *sandbox.Handle) error { return nil }

func TestBranchName(t *testing.T) {
	if got := BranchName("01ABC"); got != "ca/task/01ABC" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestCommitMessage(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "short prompt kept whole",
			prompt: "fix the bug",
			want:   "task t1: fix the bug",
		},
		{
			name:   "whitespace collapsed",
			prompt: "fix\n  the\t bug",
			want:   "task t1: fix the bug",
		},
		{
			name:   "long prompt truncated",
			prompt: strings.Repeat("a", 100),
			want:   "task t1: " + strings.Repeat("a", 69) + "...",
		},
		{
			name:   "multibyte prompt cut on a rune boundary",
			prompt: strings.Repeat("日", 40),
			want:   "task t1: " + strings.Repeat("日", 23) + "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commitMessage("t1", tt.prompt)
			if got != tt.want {
				t.Errorf("commitMessage() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("commitMessage() produced invalid UTF-8: %q", got)
			}
		})
	}
}

func TestCloneInjectsToken(t *testing.T) {
	sb := &scriptedSandbox{}
	p := NewPublisher(sb)

	err := p.Clone(context.Background(), &sandbox.Handle{ID: "sb"}, "https://github.com/acme/app", "ghp_tok")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	cmd := sb.commands[0]
	if !strings.Contains(cmd, "x-access-token:ghp_tok@github.com") {
		t.Errorf("token not injected: %s", cmd)
	}
	if !strings.Contains(cmd, "git config user.email") {
		t.Errorf("identity not configured: %s", cmd)
	}
}

func TestCloneWithoutToken(t *testing.T) {
	sb := &scriptedSandbox{}
	p := NewPublisher(sb)

	if err := p.Clone(context.Background(), &sandbox.Handle{ID: "sb"}, "https://github.com/acme/app", ""); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if strings.Contains(sb.commands[0], "x-access-token") {
		t.Errorf("unexpected token in %s", sb.commands[0])
	}
}

func TestCloneFailure(t *testing.T) {
	sb := &scriptedSandbox{results: []*sandbox.CommandResult{
		{ExitCode: 128, Stderr: "fatal: repository not found"},
	}}
	p := NewPublisher(sb)

	err := p.Clone(context.Background(), &sandbox.Handle{ID: "sb"}, "https://github.com/acme/gone", "")
	if err == nil || !strings.Contains(err.Error(), "repository not found") {
		t.Errorf("Clone = %v", err)
	}
	// Clone failures are plain errors, not publish failures.
	var pe *PublishError
	if errors.As(err, &pe) {
		t.Error("clone failure classified as PublishError")
	}
}

func TestChangedFiles(t *testing.T) {
	sb := &scriptedSandbox{results: []*sandbox.CommandResult{
		{ExitCode: 0, Stdout: "b.go\na.go\n\nnew.txt\na.go\n"},
	}}
	p := NewPublisher(sb)

	got, err := p.ChangedFiles(context.Background(), &sandbox.Handle{ID: "sb"})
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	want := []string{"a.go", "b.go", "new.txt"}
	if len(got) != len(want) {
		t.Fatalf("ChangedFiles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ChangedFiles[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublish(t *testing.T) {
	sb := &scriptedSandbox{}
	p := NewPublisher(sb)

	branch, err := p.Publish(context.Background(), &sandbox.Handle{ID: "sb"}, "01ABC", "add a very long prompt that should be shortened somewhere in the middle of the commit subject line")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if branch != "ca/task/01ABC" {
		t.Errorf("branch = %q", branch)
	}
	cmd := sb.commands[0]
	for _, part := range []string{"git checkout -B ca/task/01ABC", "git add -A", "git push -u origin ca/task/01ABC", "task 01ABC:"} {
		if !strings.Contains(cmd, part) {
			t.Errorf("command missing %q: %s", part, cmd)
		}
	}
	if !strings.Contains(cmd, "...") {
		t.Errorf("long prompt not truncated in commit message: %s", cmd)
	}
}

func TestPublishFailureIsTerminal(t *testing.T) {
	sb := &scriptedSandbox{results: []*sandbox.CommandResult{
		{ExitCode: 1, Stderr: "remote: permission denied"},
	}}
	p := NewPublisher(sb)

	_, err := p.Publish(context.Background(), &sandbox.Handle{ID: "sb"}, "01ABC", "p")
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("Publish = %v, want PublishError", err)
	}
	if !strings.Contains(pe.Error(), "permission denied") {
		t.Errorf("error = %v", pe)
	}
}

func TestPublishTransportFailureIsTerminal(t *testing.T) {
	sb := &scriptedSandbox{errs: []error{errors.New("connection reset")}}
	p := NewPublisher(sb)

	_, err := p.Publish(context.Background(), &sandbox.Handle{ID: "sb"}, "01ABC", "p")
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("Publish = %v, want PublishError", err)
	}
}
