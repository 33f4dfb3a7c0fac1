package task

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cloudagent-dev/cloudagent/internal/queue"
	"github.com/cloudagent-dev/cloudagent/internal/vault"
	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
	"github.com/cloudagent-dev/cloudagent/pkg/clog"
)

// CreateRequest is a validated task submission.
type CreateRequest struct {
	Prompt        string
	RepositoryURL string
	ParentTaskID  string
	Credentials   *vault.Credentials
}

// Service owns task creation, cancellation and read paths. Execution state
// is mutated only by the worker.
type Service struct {
	repo   Repository
	broker queue.Broker
	vault  *vault.Vault
}

func NewService(repo Repository, broker queue.Broker, v *vault.Vault) *Service {
	return &Service{repo: repo, broker: broker, vault: v}
}

// Create validates the submission, persists the task as queued and enqueues
// its id. Per-task credentials are encrypted before they touch storage.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "prompt is required", nil)
	}
	if err := validateRepositoryURL(req.RepositoryURL); err != nil {
		return nil, err
	}

	if req.ParentTaskID != "" {
		parent, err := s.repo.Get(ctx, req.ParentTaskID)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return nil, cerr.NewError(cerr.InvalidArgument,
					fmt.Sprintf("parent task %s not found", req.ParentTaskID), err)
			}
			return nil, err
		}
		if parent.Status != StatusCompleted {
			return nil, cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("parent task %s is %s, must be completed to resume", parent.ID, parent.Status), nil)
		}
	}

	now := time.Now()
	t := &Task{
		ID:            ulid.Make().String(),
		Prompt:        req.Prompt,
		RepositoryURL: req.RepositoryURL,
		Status:        StatusQueued,
		ParentTaskID:  req.ParentTaskID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Credentials != nil && !req.Credentials.Empty() {
		if s.vault == nil {
			return nil, cerr.NewError(cerr.FailedPrecondition, "per-task credentials are not enabled", nil)
		}
		ciphertext, err := s.vault.Encrypt(*req.Credentials)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "failed to encrypt credentials", err)
		}
		t.EncryptedCredentials = ciphertext
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := s.broker.Enqueue(ctx, t.ID); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to enqueue task", err)
	}
	clog.AddAttribute(ctx, "task_id", t.ID)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter Filter, limit, offset int) ([]*Task, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Cancel moves a queued or running task to cancelled. The worker observes
// the transition at its next step boundary; a task already terminal yields
// a conflict.
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	return s.repo.Transition(ctx, id, []Status{StatusQueued, StatusRunning}, StatusCancelled, nil)
}

func validateRepositoryURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return cerr.NewError(cerr.InvalidArgument, "repository_url is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("repository_url %q is not a valid http(s) git remote", raw), nil)
	}
	return nil
}
