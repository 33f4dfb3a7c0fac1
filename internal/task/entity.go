package task

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed status graph. running -> queued is the internal
// retry re-entry and is never surfaced to API callers as its own event.
// running -> running is the crash-redelivery re-entry: a task whose worker
// died mid-attempt is still running when its reaped lease is redelivered.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
}

// CanTransition reports whether the status graph permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result summarizes a successful run.
type Result struct {
	Summary      string   `yaml:"summary" json:"summary"`
	BranchName   string   `yaml:"branch_name" json:"branch_name"`
	ChangedFiles []string `yaml:"changed_files" json:"changed_files"`
	NumTurns     int      `yaml:"num_turns" json:"num_turns"`
	DurationMS   int64    `yaml:"duration_ms" json:"duration_ms"`
}

type Task struct {
	ID            string `yaml:"id"`
	Prompt        string `yaml:"prompt"`
	RepositoryURL string `yaml:"repository_url"`
	Status        Status `yaml:"status"`
	ParentTaskID  string `yaml:"parent_task_id,omitempty"`

	SessionID  string  `yaml:"session_id,omitempty"`
	BranchName string  `yaml:"branch_name,omitempty"`
	Result     *Result `yaml:"result,omitempty"`
	Error      string  `yaml:"error,omitempty"`

	// EncryptedCredentials is ciphertext produced by the vault. It is
	// never included in API responses.
	EncryptedCredentials []byte `yaml:"encrypted_credentials,omitempty"`

	CreatedAt   time.Time  `yaml:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	UpdatedAt   time.Time  `yaml:"updated_at"`
}
