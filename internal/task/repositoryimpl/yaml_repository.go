package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudagent-dev/cloudagent/internal/task"
	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
	"github.com/cloudagent-dev/cloudagent/pkg/storage"
)

const tasksPrefix = "tasks"

// YAMLRepository persists tasks as one YAML document per task over Storage.
// Transition is serialized with a process-wide mutex: a task is mutated only
// by the single worker holding its lease plus the API's cancel path, so
// in-process compare-and-set is sufficient.
type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
	now     func() time.Time
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s, now: time.Now}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", tasksPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "task already exists", nil)
	}
	return r.write(ctx, t)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t task.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}

func (r *YAMLRepository) List(ctx context.Context, filter task.Filter, limit, offset int) ([]*task.Task, int, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("tasks", err)
	}

	var all []*task.Task
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var t task.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		all = append(all, &t)
	}

	// Newest first. ULID ids sort chronologically, so break timestamp ties by id.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *YAMLRepository) Transition(ctx context.Context, id string, fromSet []task.Status, to task.Status, apply func(t *task.Task)) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, from := range fromSet {
		if t.Status == from {
			allowed = true
			break
		}
	}
	if !allowed || !task.CanTransition(t.Status, to) {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("task %s is %s, cannot transition to %s", id, t.Status, to), nil)
	}

	now := r.now()
	t.Status = to
	t.UpdatedAt = now
	if to == task.StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if apply != nil {
		apply(t)
	}

	if err := r.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *YAMLRepository) write(ctx context.Context, t *task.Task) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}
