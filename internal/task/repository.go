package task

import "context"

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns tasks newest first along with the total match count.
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Task, int, error)
	// Transition is a guarded compare-and-set: if the task's current status
	// is in fromSet it applies apply (which may mutate result fields and must
	// set the new status' timestamps) and persists atomically; otherwise it
	// fails with cerr.Aborted and leaves the task untouched.
	Transition(ctx context.Context, id string, fromSet []Status, to Status, apply func(t *Task)) (*Task, error)
}
