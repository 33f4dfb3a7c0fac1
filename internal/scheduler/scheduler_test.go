package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudagent-dev/cloudagent/internal/agent"
	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/gitops"
	"github.com/cloudagent-dev/cloudagent/internal/queue"
	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
	"github.com/cloudagent-dev/cloudagent/internal/task"
	"github.com/cloudagent-dev/cloudagent/internal/vault"
	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
	"github.com/cloudagent-dev/cloudagent/pkg/storage"
)

// memRepo is an in-memory task.Repository.
type memRepo struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemRepo() *memRepo { return &memRepo{tasks: map[string]*task.Task{}} }

func (r *memRepo) Create(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) List(context.Context, task.Filter, int, int) ([]*task.Task, int, error) {
	return nil, 0, nil
}

func (r *memRepo) Transition(_ context.Context, id string, fromSet []task.Status, to task.Status, apply func(*task.Task)) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	allowed := false
	for _, from := range fromSet {
		if t.Status == from {
			allowed = true
		}
	}
	if !allowed || !task.CanTransition(t.Status, to) {
		return nil, cerr.NewError(cerr.Aborted, "conflict", nil)
	}
	now := time.Now()
	t.Status = to
	if to == task.StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if apply != nil {
		apply(t)
	}
	cp := *t
	return &cp, nil
}

// memBroker records acks and requeues.
type memBroker struct {
	mu       sync.Mutex
	acked    []string
	requeued []queue.Delivery
	delays   []time.Duration
}

func (b *memBroker) Enqueue(context.Context, string) error { return nil }

func (b *memBroker) Dequeue(context.Context) (*queue.Delivery, error) { return nil, nil }

func (b *memBroker) Ack(_ context.Context, d *queue.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.TaskID)
	return nil
}

func (b *memBroker) Requeue(_ context.Context, d *queue.Delivery, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeued = append(b.requeued, *d)
	b.delays = append(b.delays, delay)
	return nil
}

func (b *memBroker) RequeueExpiredLeases(context.Context) (int64, error) { return 0, nil }

func (b *memBroker) Close() error { return nil }

// routedSandbox dispatches Run calls by inspecting the command, so the real
// invoker and publisher drive it like a live sandbox.
type routedSandbox struct {
	mu           sync.Mutex
	provisionEnv map[string]string
	provisionErr error
	agentChunks  []string
	agentErr     error
	changedOut   string
	pushExitCode int
	pushStderr   string
	repoFiles    map[string][]byte
	destroyCount int
	cloneHook    func()
}

func (s *routedSandbox) Provision(_ context.Context, _ string, env map[string]string) (*sandbox.Handle, error) {
	if s.provisionErr != nil {
		return nil, s.provisionErr
	}
	s.mu.Lock()
	s.provisionEnv = env
	s.mu.Unlock()
	return &sandbox.Handle{ID: "sb-1"}, nil
}

func (s *routedSandbox) Run(_ context.Context, _ *sandbox.Handle, command string, _ time.Duration, onOutput sandbox.OutputFunc) (*sandbox.CommandResult, error) {
	switch {
	case strings.Contains(command, "git clone"):
		if s.cloneHook != nil {
			s.cloneHook()
		}
		return &sandbox.CommandResult{ExitCode: 0}, nil
	case strings.Contains(command, "claude -p"):
		for _, chunk := range s.agentChunks {
			if onOutput != nil {
				onOutput([]byte(chunk))
			}
		}
		if s.agentErr != nil {
			return nil, s.agentErr
		}
		return &sandbox.CommandResult{ExitCode: 0}, nil
	case strings.Contains(command, "git diff --name-only"):
		return &sandbox.CommandResult{ExitCode: 0, Stdout: s.changedOut}, nil
	case strings.Contains(command, "git push"):
		return &sandbox.CommandResult{ExitCode: s.pushExitCode, Stderr: s.pushStderr}, nil
	default:
		return &sandbox.CommandResult{ExitCode: 0}, nil
	}
}

func (s *routedSandbox) WriteFile(context.Context, *sandbox.Handle, string, []byte) error {
	return nil
}

func (s *routedSandbox) ReadFile(_ context.Context, _ *sandbox.Handle, path string) ([]byte, error) {
	rel := strings.TrimPrefix(path, agent.RepoDir+"/")
	if data, ok := s.repoFiles[rel]; ok {
		return data, nil
	}
	return nil, sandbox.ErrFileNotFound
}

func (s *routedSandbox) Destroy(context.Context, *sandbox.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyCount++
	return nil
}

func successChunks(sessionID string) []string {
	return []string{
		`{"type":"system","subtype":"init","session_id":"` + sessionID + `"}` + "\n",
		`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"` + sessionID + `","num_turns":4,"duration_ms":2000}` + "\n",
	}
}

type fixture struct {
	sched     *Scheduler
	repo      *memRepo
	broker    *memBroker
	sb        *routedSandbox
	artifacts *artifact.Store
	vault     *vault.Vault
}

func newFixture(t *testing.T, sb *routedSandbox) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, _ := vault.GenerateKey()
	v, _ := vault.New(key)
	repo := newMemRepo()
	broker := &memBroker{}
	artifacts := artifact.NewStore(store, 1<<20)
	invoker := agent.NewInvoker(sb, artifacts, time.Minute)
	publisher := gitops.NewPublisher(sb)
	defaults := vault.Credentials{AnthropicAPIKey: "default-key", GithubToken: "default-token"}

	sched := New(repo, broker, sb, invoker, publisher, artifacts, v, defaults, Config{
		Concurrency:     1,
		MaxAttempts:     3,
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      time.Second,
		SandboxTemplate: "cloud-agent-v1",
	})
	return &fixture{sched: sched, repo: repo, broker: broker, sb: sb, artifacts: artifacts, vault: v}
}

func (f *fixture) addTask(id string) *task.Task {
	t := &task.Task{
		ID:            id,
		Prompt:        "implement the thing",
		RepositoryURL: "https://github.com/acme/app",
		Status:        task.StatusQueued,
		CreatedAt:     time.Now(),
	}
	_ = f.repo.Create(context.Background(), t)
	return t
}

func TestAttemptSuccess(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{
		agentChunks: successChunks("sess-1"),
		changedOut:  "main.go\n",
		repoFiles:   map[string][]byte{"main.go": []byte("package main")},
	}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%s)", got.Status, got.Error)
	}
	if got.SessionID != "sess-1" || got.BranchName != "ca/task/t1" {
		t.Errorf("task = %+v", got)
	}
	if got.Result == nil || got.Result.Summary != "done" || len(got.Result.ChangedFiles) != 1 {
		t.Errorf("result = %+v", got.Result)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Error("timestamps not ordered")
	}

	if len(f.broker.acked) != 1 {
		t.Errorf("acked = %v", f.broker.acked)
	}
	if sb.destroyCount != 1 {
		t.Errorf("destroy count = %d, want 1", sb.destroyCount)
	}
	files, _ := f.artifacts.ListFiles(ctx, "t1")
	if len(files) != 1 || files[0] != "main.go" {
		t.Errorf("captured files = %v", files)
	}
	lines, _ := f.artifacts.ReadSession(ctx, "t1")
	if len(lines) != 2 {
		t.Errorf("transcript lines = %d", len(lines))
	}
}

func TestAttemptTimeoutRequeues(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{
		agentChunks: []string{`{"type":"system","subtype":"init","session_id":"s"}` + "\n"},
		agentErr:    sandbox.ErrTimeoutExceeded,
	}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at lost on retry")
	}
	if len(f.broker.requeued) != 1 || len(f.broker.acked) != 0 {
		t.Errorf("requeued=%v acked=%v", f.broker.requeued, f.broker.acked)
	}
	if sb.destroyCount != 1 {
		t.Errorf("destroy count = %d", sb.destroyCount)
	}
	// The partial transcript survives the kill.
	lines, _ := f.artifacts.ReadSession(ctx, "t1")
	if len(lines) != 1 {
		t.Errorf("partial transcript lines = %d, want 1", len(lines))
	}
}

func TestAttemptRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentErr: sandbox.ErrTimeoutExceeded}
	f := newFixture(t, sb)
	f.addTask("t1")

	// Third delivery of a task that timed out twice already.
	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 2, LeaseOwner: "l3"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "retries exhausted") {
		t.Errorf("error = %q", got.Error)
	}
	if len(f.broker.acked) != 1 || len(f.broker.requeued) != 0 {
		t.Errorf("acked=%v requeued=%v", f.broker.acked, f.broker.requeued)
	}
}

func TestAgentFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: []string{
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"cannot do that","session_id":"s"}` + "\n",
	}}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "cannot do that") {
		t.Errorf("error = %q", got.Error)
	}
	// Terminal on first attempt: no retry.
	if len(f.broker.requeued) != 0 {
		t.Errorf("requeued = %v", f.broker.requeued)
	}
}

func TestPublishFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{
		agentChunks:  successChunks("sess-1"),
		pushExitCode: 1,
		pushStderr:   "remote: permission denied",
	}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "permission denied") {
		t.Errorf("error = %q", got.Error)
	}
	if got.BranchName != "" || got.Result != nil {
		t.Errorf("success fields set on failure: %+v", got)
	}
}

func TestProvisionFailureRetries(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{provisionErr: context.DeadlineExceeded}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if len(f.broker.requeued) != 1 {
		t.Errorf("requeued = %v", f.broker.requeued)
	}
	if sb.destroyCount != 0 {
		t.Errorf("destroy called for unprovisioned sandbox")
	}
}

func TestCancelledTaskDropped(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("s")}
	f := newFixture(t, sb)
	tk := f.addTask("t1")
	f.repo.tasks[tk.ID].Status = task.StatusCancelled

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	if len(f.broker.acked) != 1 {
		t.Errorf("acked = %v", f.broker.acked)
	}
	if sb.destroyCount != 0 {
		t.Error("sandbox provisioned for cancelled task")
	}
}

func TestCancellationDuringAttempt(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("s")}
	f := newFixture(t, sb)
	f.addTask("t1")

	// Cancel lands while the attempt is cloning.
	sb.cloneHook = func() {
		f.repo.mu.Lock()
		f.repo.tasks["t1"].Status = task.StatusCancelled
		f.repo.mu.Unlock()
	}

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(f.broker.acked) != 1 || len(f.broker.requeued) != 0 {
		t.Errorf("acked=%v requeued=%v", f.broker.acked, f.broker.requeued)
	}
	if sb.destroyCount != 1 {
		t.Errorf("destroy count = %d, want 1", sb.destroyCount)
	}
}

func TestCrashRedeliveryResumes(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{
		agentChunks: successChunks("sess-1"),
	}
	f := newFixture(t, sb)
	tk := f.addTask("t1")

	// A worker died mid-attempt: the task is still running when the reaper
	// hands its lease back out.
	started := time.Now().Add(-time.Minute)
	f.repo.tasks[tk.ID].Status = task.StatusRunning
	f.repo.tasks[tk.ID].StartedAt = &started

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 1, LeaseOwner: "l2"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%s)", got.Status, got.Error)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if len(f.broker.acked) != 1 || len(f.broker.requeued) != 0 {
		t.Errorf("acked=%v requeued=%v", f.broker.acked, f.broker.requeued)
	}
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{
		agentChunks: successChunks("sess-1"),
	}
	f := newFixture(t, sb)
	f.addTask("t1")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})
	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 1, LeaseOwner: "l2"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	// Second delivery acked without a second sandbox.
	if len(f.broker.acked) != 2 {
		t.Errorf("acked = %v", f.broker.acked)
	}
	if sb.destroyCount != 1 {
		t.Errorf("destroy count = %d, want 1", sb.destroyCount)
	}
}

func TestCredentialsFromVault(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("s")}
	f := newFixture(t, sb)
	tk := f.addTask("t1")

	ct, err := f.vault.Encrypt(vault.Credentials{AnthropicAPIKey: "task-key"})
	if err != nil {
		t.Fatal(err)
	}
	f.repo.tasks[tk.ID].EncryptedCredentials = ct

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	if sb.provisionEnv["ANTHROPIC_API_KEY"] != "task-key" {
		t.Errorf("env = %v", sb.provisionEnv)
	}
	// GithubToken falls back to the system default when the task has none.
	if sb.provisionEnv["GITHUB_TOKEN"] != "default-token" {
		t.Errorf("env = %v", sb.provisionEnv)
	}
}

func TestDecryptFailureFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("s")}
	f := newFixture(t, sb)
	tk := f.addTask("t1")
	f.repo.tasks[tk.ID].EncryptedCredentials = []byte("rotated-key-garbage")

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if sb.provisionEnv["ANTHROPIC_API_KEY"] != "default-key" {
		t.Errorf("env = %v", sb.provisionEnv)
	}
}

func TestFreshAttemptReplacesTranscript(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("sess-2")}
	f := newFixture(t, sb)
	f.addTask("t1")

	// Leftover transcript from a killed attempt.
	if err := f.artifacts.AppendMessage(ctx, "t1", []byte(`{"type":"system","subtype":"init","session_id":"old"}`)); err != nil {
		t.Fatal(err)
	}

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "t1", Attempt: 1, LeaseOwner: "l2"})

	lines, _ := f.artifacts.ReadSession(ctx, "t1")
	if len(lines) != 2 {
		t.Fatalf("transcript lines = %d, want 2", len(lines))
	}
	if strings.Contains(string(lines[0]), `"old"`) {
		t.Error("stale transcript not replaced")
	}
}

func TestResumeUsesParentSession(t *testing.T) {
	ctx := context.Background()
	sb := &routedSandbox{agentChunks: successChunks("sess-child")}
	f := newFixture(t, sb)

	parent := f.addTask("p1")
	f.repo.tasks[parent.ID].Status = task.StatusCompleted
	f.repo.tasks[parent.ID].SessionID = "sess-parent"
	if err := f.artifacts.AppendMessage(ctx, "p1", []byte(`{"type":"system","subtype":"init","session_id":"sess-parent"}`)); err != nil {
		t.Fatal(err)
	}

	child := f.addTask("c1")
	f.repo.tasks[child.ID].ParentTaskID = "p1"

	f.sched.handleDelivery(ctx, &queue.Delivery{TaskID: "c1", Attempt: 0, LeaseOwner: "l1"})

	got, _ := f.repo.Get(ctx, "c1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error=%s)", got.Status, got.Error)
	}
	if got.SessionID != "sess-child" {
		t.Errorf("session id = %s", got.SessionID)
	}
}
