// Package sandbox provisions ephemeral isolated environments for agent runs.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeoutExceeded reports that a command was killed at its deadline.
// The sandbox itself stays alive, so files written before the kill remain
// readable until Destroy.
var ErrTimeoutExceeded = errors.New("sandbox: command timeout exceeded")

// ErrFileNotFound reports a ReadFile miss.
var ErrFileNotFound = errors.New("sandbox: file not found")

// Handle identifies one provisioned sandbox. A handle is never reused
// across attempts.
type Handle struct {
	ID string
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OutputFunc receives output chunks as a running command produces them.
type OutputFunc func(chunk []byte)

// Manager is a sandbox driver. Destroy is idempotent and must be called
// exactly once per provisioned handle, in a deferred release block.
type Manager interface {
	Provision(ctx context.Context, template string, env map[string]string) (*Handle, error)
	// Run blocks until the command finishes or timeout elapses. onOutput may
	// be nil; otherwise it is called zero or more times with output chunks
	// in order. On timeout the command is killed and ErrTimeoutExceeded
	// returned.
	Run(ctx context.Context, h *Handle, command string, timeout time.Duration, onOutput OutputFunc) (*CommandResult, error)
	WriteFile(ctx context.Context, h *Handle, path string, data []byte) error
	ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error)
	Destroy(ctx context.Context, h *Handle) error
}
