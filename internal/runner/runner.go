// Package runner is the sandbox protocol: provisioning an isolated
// workspace for a build job, executing commands in it, and tearing it
// down. The scheduling core only ever sees this interface; which backend
// runs the commands is wiring.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrSandboxNotFound reports an unknown sandbox id.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Sandbox is a provisioned build environment.
type Sandbox struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Workspace string `json:"workspace"`
}

// ExecResult captures one command run.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner provisions sandboxes and runs commands in them.
type Runner interface {
	Provision(ctx context.Context, jobID string) (*Sandbox, error)
	Exec(ctx context.Context, sandboxID, cmd string) (*ExecResult, error)
	Destroy(ctx context.Context, sandboxID string) error
}

// Fake is an in-memory Runner for tests and dry runs. Exec results can be
// scripted per command prefix; unscripted commands succeed with empty
// output.
type Fake struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	scripted  map[string]*ExecResult
	execErr   error

	// Execs records every (sandboxID, cmd) pair in order.
	Execs []string
}

// NewFake creates an empty fake runner.
func NewFake() *Fake {
	return &Fake{
		sandboxes: make(map[string]*Sandbox),
		scripted:  make(map[string]*ExecResult),
	}
}

// Script fixes the result returned for a command.
func (f *Fake) Script(cmd string, res *ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[cmd] = res
}

// FailExecs makes every Exec return err.
func (f *Fake) FailExecs(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
}

func (f *Fake) Provision(_ context.Context, jobID string) (*Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sbx := &Sandbox{
		ID:        "sbx-" + uuid.NewString()[:8],
		JobID:     jobID,
		Workspace: "/workspace/" + jobID,
	}
	f.sandboxes[sbx.ID] = sbx
	return sbx, nil
}

func (f *Fake) Exec(_ context.Context, sandboxID, cmd string) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sandboxes[sandboxID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	f.Execs = append(f.Execs, sandboxID+" "+cmd)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if res, ok := f.scripted[cmd]; ok {
		return res, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (f *Fake) Destroy(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sandboxes[sandboxID]; !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	delete(f.sandboxes, sandboxID)
	return nil
}

// Active returns the number of live sandboxes.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sandboxes)
}
