// Package gitops clones the target repository into the sandbox and
// publishes agent changes to a per-task branch.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"

	"github.com/cloudagent-dev/cloudagent/internal/agent"
	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
)

const branchPrefix = "ca/task/"

const gitTimeout = 5 * time.Minute

// PublishError means changes may exist that were not pushed. It is
// terminal and fail-closed: the task fails rather than completing with a
// silently missing branch.
type PublishError struct {
	Msg string
	Err error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return "publish failed: " + e.Msg
	}
	return fmt.Sprintf("publish failed: %s: %v", e.Msg, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// BranchName is deterministic per task so re-publishing after a crash
// targets the same branch.
func BranchName(taskID string) string {
	return branchPrefix + taskID
}

// Publisher executes git inside the task's sandbox, where the clone and
// the agent's changes live.
type Publisher struct {
	sandboxes sandbox.Manager
}

func NewPublisher(sandboxes sandbox.Manager) *Publisher {
	return &Publisher{sandboxes: sandboxes}
}

// Clone checks out repoURL into the sandbox's repo directory. The token is
// injected into the fetch URL and also persisted for the push later.
func (p *Publisher) Clone(ctx context.Context, h *sandbox.Handle, repoURL, token string) error {
	authURL, err := injectToken(repoURL, token)
	if err != nil {
		return err
	}
	quoted, err := syntax.Quote(authURL, syntax.LangBash)
	if err != nil {
		return fmt.Errorf("repository url is not shell-quotable: %w", err)
	}
	cmd := "git clone " + quoted + " " + agent.RepoDir +
		" && cd " + agent.RepoDir +
		" && git config user.email cloudagent@localhost" +
		" && git config user.name cloudagent"
	res, err := p.sandboxes.Run(ctx, h, cmd, gitTimeout, nil)
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to clone repository: %s", tail(res.Stderr))
	}
	return nil
}

// ChangedFiles lists paths the agent modified or added, relative to the
// repo root.
func (p *Publisher) ChangedFiles(ctx context.Context, h *sandbox.Handle) ([]string, error) {
	cmd := "cd " + agent.RepoDir +
		" && git diff --name-only HEAD && git ls-files --others --exclude-standard"
	res, err := p.sandboxes.Run(ctx, h, cmd, gitTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed files: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("failed to list changed files: %s", tail(res.Stderr))
	}
	seen := map[string]struct{}{}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		files = append(files, line)
	}
	sort.Strings(files)
	return files, nil
}

// Publish creates the task branch, commits staged changes when any exist
// and pushes. Any git failure is a PublishError.
func (p *Publisher) Publish(ctx context.Context, h *sandbox.Handle, taskID, prompt string) (string, error) {
	branch := BranchName(taskID)
	msg, err := syntax.Quote(commitMessage(taskID, prompt), syntax.LangBash)
	if err != nil {
		return "", &PublishError{Msg: "commit message is not shell-quotable", Err: err}
	}
	cmd := "cd " + agent.RepoDir +
		" && git checkout -B " + branch +
		" && git add -A" +
		" && (git diff --cached --quiet || git commit -m " + msg + ")" +
		" && git push -u origin " + branch
	res, err := p.sandboxes.Run(ctx, h, cmd, gitTimeout, nil)
	if err != nil {
		return "", &PublishError{Msg: "git push did not complete", Err: err}
	}
	if res.ExitCode != 0 {
		return "", &PublishError{Msg: tail(res.Stderr)}
	}
	return branch, nil
}

func commitMessage(taskID, prompt string) string {
	excerpt := strings.Join(strings.Fields(prompt), " ")
	if len(excerpt) > 72 {
		// cut on a rune boundary so a multibyte prompt stays valid UTF-8
		cut := 69
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut] + "..."
	}
	return fmt.Sprintf("task %s: %s", taskID, excerpt)
}

func injectToken(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	if s == "" {
		return "git exited non-zero"
	}
	return s
}
