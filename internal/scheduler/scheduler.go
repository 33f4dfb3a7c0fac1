// Package scheduler executes queued tasks: it claims deliveries, runs the
// agent in a fresh sandbox per attempt and finalizes or retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/cloudagent-dev/cloudagent/internal/agent"
	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/gitops"
	"github.com/cloudagent-dev/cloudagent/internal/queue"
	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
	"github.com/cloudagent-dev/cloudagent/internal/task"
	"github.com/cloudagent-dev/cloudagent/internal/vault"
	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
	"github.com/cloudagent-dev/cloudagent/pkg/clog"
)

const pollInterval = time.Second

// Config bounds retries and names the sandbox template.
type Config struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	SandboxTemplate string
}

// Scheduler runs the worker pool. A task id claimed from the queue moves
// through one attempt: running transition, fresh sandbox, clone, agent
// invocation, file capture, branch publish, finalize. Failures either
// requeue with backoff or finalize as failed.
type Scheduler struct {
	repo      task.Repository
	broker    queue.Broker
	sandboxes sandbox.Manager
	invoker   *agent.Invoker
	publisher *gitops.Publisher
	artifacts *artifact.Store
	vault     *vault.Vault
	defaults  vault.Credentials
	cfg       Config
}

func New(
	repo task.Repository,
	broker queue.Broker,
	sandboxes sandbox.Manager,
	invoker *agent.Invoker,
	publisher *gitops.Publisher,
	artifacts *artifact.Store,
	v *vault.Vault,
	defaults vault.Credentials,
	cfg Config,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Scheduler{
		repo:      repo,
		broker:    broker,
		sandboxes: sandboxes,
		invoker:   invoker,
		publisher: publisher,
		artifacts: artifacts,
		vault:     v,
		defaults:  defaults,
		cfg:       cfg,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight attempts.
func (s *Scheduler) Run(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for i := 0; i < s.cfg.Concurrency; i++ {
		p.Go(func() {
			s.workerLoop(ctx)
		})
	}
	p.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := s.broker.Dequeue(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "dequeue failed", slog.Any("error", err))
			sleep(ctx, pollInterval)
			continue
		}
		if d == nil {
			sleep(ctx, pollInterval)
			continue
		}

		var pc panics.Catcher
		pc.Try(func() { s.handleDelivery(ctx, d) })
		if r := pc.Recovered(); r != nil {
			slog.ErrorContext(ctx, "attempt panicked",
				slog.String("task_id", d.TaskID), slog.String("panic", r.String()))
			s.retryOrFail(ctx, d, fmt.Errorf("internal error: %v", r.Value))
		}
	}
}

func (s *Scheduler) handleDelivery(ctx context.Context, d *queue.Delivery) {
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttribute(ctx, "task_id", d.TaskID)
	clog.AddAttribute(ctx, "attempt", d.Attempt)

	// Idempotency guard: a duplicate delivery of an already finalized task
	// is acked and dropped.
	t, err := s.repo.Get(ctx, d.TaskID)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			slog.WarnContext(ctx, "delivery for unknown task, dropping")
			s.ack(ctx, d)
			return
		}
		s.retryOrFail(ctx, d, err)
		return
	}
	if t.Status.Terminal() {
		slog.InfoContext(ctx, "task already finalized, dropping delivery",
			slog.String("status", string(t.Status)))
		s.ack(ctx, d)
		return
	}

	// queued -> running; a redelivery after a worker crash re-enters from
	// running. A conflict here means cancellation won the race.
	t, err = s.repo.Transition(ctx, d.TaskID,
		[]task.Status{task.StatusQueued, task.StatusRunning}, task.StatusRunning, nil)
	if err != nil {
		if cerr.IsCode(err, cerr.Aborted) {
			s.ack(ctx, d)
			return
		}
		s.retryOrFail(ctx, d, err)
		return
	}

	slog.InfoContext(ctx, "attempt started")
	if err := s.runAttempt(ctx, t, d); err != nil {
		var fe *agent.FailureError
		var pe *gitops.PublishError
		switch {
		case errors.Is(err, errCancelled):
			slog.InfoContext(ctx, "attempt aborted by cancellation")
			s.ack(ctx, d)
		case errors.As(err, &fe), errors.As(err, &pe):
			s.failTask(ctx, d, err)
		default:
			s.retryOrFail(ctx, d, err)
		}
		return
	}
	s.ack(ctx, d)
	slog.InfoContext(ctx, "attempt completed")
}

var errCancelled = errors.New("task cancelled")

func (s *Scheduler) runAttempt(ctx context.Context, t *task.Task, d *queue.Delivery) error {
	// Each attempt starts its transcript from scratch so the stored session
	// never interleaves two attempts.
	if err := s.artifacts.ResetSession(ctx, t.ID); err != nil {
		return err
	}

	creds := s.resolveCredentials(ctx, t)

	var parentTranscript []byte
	var resumeSessionID string
	if t.ParentTaskID != "" {
		parent, err := s.repo.Get(ctx, t.ParentTaskID)
		if err != nil {
			return fmt.Errorf("failed to load parent task: %w", err)
		}
		resumeSessionID = parent.SessionID
		parentTranscript, err = s.artifacts.RawSession(ctx, t.ParentTaskID)
		if err != nil {
			return fmt.Errorf("failed to load parent transcript: %w", err)
		}
	}

	h, err := s.sandboxes.Provision(ctx, s.cfg.SandboxTemplate, creds.Env())
	if err != nil {
		return fmt.Errorf("failed to provision sandbox: %w", err)
	}
	defer func() {
		// The handle is released exactly once no matter how the attempt
		// ends. Destroy context is detached so shutdown still cleans up.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := s.sandboxes.Destroy(dctx, h); err != nil {
			slog.ErrorContext(ctx, "failed to destroy sandbox",
				slog.String("sandbox_id", h.ID), slog.Any("error", err))
		}
	}()

	if err := s.checkCancelled(ctx, t.ID); err != nil {
		return err
	}

	if err := s.publisher.Clone(ctx, h, t.RepositoryURL, creds.GithubToken); err != nil {
		return err
	}

	if err := s.checkCancelled(ctx, t.ID); err != nil {
		return err
	}

	invoked, err := s.invoker.Invoke(ctx, h, t.ID, t.Prompt, resumeSessionID, parentTranscript)
	if err != nil {
		return err
	}

	if err := s.checkCancelled(ctx, t.ID); err != nil {
		return err
	}

	changed, err := s.publisher.ChangedFiles(ctx, h)
	if err != nil {
		return err
	}
	files := make([]artifact.File, 0, len(changed))
	for _, rel := range changed {
		data, err := s.sandboxes.ReadFile(ctx, h, agent.RepoDir+"/"+rel)
		if err != nil {
			if errors.Is(err, sandbox.ErrFileNotFound) {
				// deleted by the agent; the commit still records it
				continue
			}
			return fmt.Errorf("failed to capture file %s: %w", rel, err)
		}
		files = append(files, artifact.File{Path: rel, Data: data})
	}
	saved, skipped, err := s.artifacts.SaveFiles(ctx, t.ID, files)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		slog.WarnContext(ctx, "skipped oversized files", slog.Int("count", len(skipped)))
	}

	branch, err := s.publisher.Publish(ctx, h, t.ID, t.Prompt)
	if err != nil {
		return err
	}

	result := &task.Result{
		Summary:      invoked.Result.Result,
		BranchName:   branch,
		ChangedFiles: changed,
		NumTurns:     invoked.Result.NumTurns,
		DurationMS:   invoked.Result.DurationMS,
	}
	_, err = s.repo.Transition(ctx, t.ID,
		[]task.Status{task.StatusRunning}, task.StatusCompleted, func(t *task.Task) {
			t.SessionID = invoked.SessionID
			t.BranchName = branch
			t.Result = result
		})
	if err != nil {
		if cerr.IsCode(err, cerr.Aborted) {
			return errCancelled
		}
		return err
	}
	clog.AddAttribute(ctx, "branch", branch)
	clog.AddAttribute(ctx, "files_saved", len(saved))
	return nil
}

// resolveCredentials decrypts per-task credentials, falling back to the
// system defaults when the task has none or its blob cannot be decrypted.
// A decrypt failure is recovered, not fatal: the likely cause is a key
// rotation, and the default credentials keep the task runnable.
func (s *Scheduler) resolveCredentials(ctx context.Context, t *task.Task) vault.Credentials {
	if len(t.EncryptedCredentials) == 0 || s.vault == nil {
		return s.defaults
	}
	creds, err := s.vault.Decrypt(t.EncryptedCredentials)
	if err != nil {
		slog.WarnContext(ctx, "failed to decrypt task credentials, using system defaults",
			slog.Any("error", err))
		return s.defaults
	}
	if creds.GithubToken == "" {
		creds.GithubToken = s.defaults.GithubToken
	}
	return creds
}

func (s *Scheduler) checkCancelled(ctx context.Context, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCancelled {
		return errCancelled
	}
	return nil
}

// retryOrFail requeues a retryable failure with backoff, or finalizes the
// task as failed once attempts are exhausted.
func (s *Scheduler) retryOrFail(ctx context.Context, d *queue.Delivery, cause error) {
	if d.Attempt+1 >= s.cfg.MaxAttempts {
		s.failTask(ctx, d, fmt.Errorf("retries exhausted after %d attempts: %w", d.Attempt+1, cause))
		return
	}

	// running -> queued is the internal retry re-entry.
	_, err := s.repo.Transition(ctx, d.TaskID,
		[]task.Status{task.StatusRunning}, task.StatusQueued, nil)
	if err != nil {
		if cerr.IsCode(err, cerr.Aborted) {
			s.ack(ctx, d)
			return
		}
		slog.ErrorContext(ctx, "failed to requeue task state", slog.Any("error", err))
	}

	delay := backoff(d.Attempt, s.cfg.BackoffBase, s.cfg.BackoffMax)
	slog.WarnContext(ctx, "attempt failed, retrying",
		slog.Any("error", cause), slog.Duration("delay", delay))
	if err := s.broker.Requeue(ctx, d, delay); err != nil {
		slog.ErrorContext(ctx, "failed to requeue delivery", slog.Any("error", err))
	}
}

func (s *Scheduler) failTask(ctx context.Context, d *queue.Delivery, cause error) {
	slog.ErrorContext(ctx, "task failed", slog.Any("error", cause))
	// A task can only fail from running; promote it first if the attempt
	// died before the running transition.
	if _, err := s.repo.Transition(ctx, d.TaskID,
		[]task.Status{task.StatusQueued}, task.StatusRunning, nil); err != nil && !cerr.IsCode(err, cerr.Aborted) {
		slog.ErrorContext(ctx, "failed to finalize task", slog.Any("error", err))
		return
	}
	_, err := s.repo.Transition(ctx, d.TaskID,
		[]task.Status{task.StatusRunning}, task.StatusFailed, func(t *task.Task) {
			t.Error = cause.Error()
		})
	if err != nil && !cerr.IsCode(err, cerr.Aborted) {
		slog.ErrorContext(ctx, "failed to finalize task", slog.Any("error", err))
		// leave the delivery leased; the reaper redelivers after expiry
		return
	}
	s.ack(ctx, d)
}

func (s *Scheduler) ack(ctx context.Context, d *queue.Delivery) {
	if err := s.broker.Ack(ctx, d); err != nil {
		slog.ErrorContext(ctx, "failed to ack delivery", slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
