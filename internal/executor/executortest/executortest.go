// Package executortest provides a scriptable in-memory executor for
// tests. Responses are driven by a RunFunc hook; everything the fake
// is asked to do is recorded for assertions.
package executortest

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"buildbox/internal/executor"
)

// SyncRecord captures one SyncTo/SyncFrom call.
type SyncRecord struct {
	Source      string
	Destination string
}

// Fake implements executor.Executor for tests. It is safe for
// concurrent use; readiness probes run in parallel.
type Fake struct {
	// RunFunc, when set, produces the result for each Run call. When
	// nil every command succeeds with exit code 0.
	RunFunc func(cmd executor.Command) (*executor.Result, error)

	mu sync.Mutex

	// Recorded activity, guarded by mu.
	Commands   []executor.Command
	Files      []executor.FileSpec
	SyncedTo   []SyncRecord
	SyncedFrom []SyncRecord
}

var _ executor.Executor = (*Fake)(nil)

// Ok returns a successful zero-exit result with the given stdout.
func Ok(stdout string) *executor.Result {
	return &executor.Result{
		Success:  true,
		ExitCode: 0,
		Stdout:   stdout,
		Duration: time.Millisecond,
	}
}

// Exit returns a result for a command that ran and exited with code.
func Exit(code int, output string) *executor.Result {
	return &executor.Result{
		Success:  true,
		ExitCode: code,
		Stdout:   output,
		Duration: time.Millisecond,
	}
}

// Failure returns an infrastructure failure result.
func Failure(reason string) *executor.Result {
	return &executor.Result{
		Success:  false,
		ExitCode: -1,
		Error:    reason,
	}
}

func (f *Fake) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	f.mu.Unlock()

	if f.RunFunc != nil {
		result, err := f.RunFunc(cmd)
		if result != nil {
			result.Command = &cmd
		}
		return result, err
	}
	result := Ok("")
	result.Command = &cmd
	return result, nil
}

// Exec returns a trivially runnable command. Tests that exercise real
// process pipes should use a real executor instead.
func (f *Fake) Exec(ctx context.Context, cmd executor.Command) *exec.Cmd {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	f.mu.Unlock()
	return exec.CommandContext(ctx, "true")
}

func (f *Fake) CreateFile(ctx context.Context, spec executor.FileSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files = append(f.Files, spec)
	return nil
}

func (f *Fake) SyncTo(ctx context.Context, source, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SyncedTo = append(f.SyncedTo, SyncRecord{Source: source, Destination: destination})
	return nil
}

func (f *Fake) SyncFrom(ctx context.Context, source, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SyncedFrom = append(f.SyncedFrom, SyncRecord{Source: source, Destination: destination})
	return nil
}
