package audit

import (
	"context"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Executor wraps another executor and records every Run in the store.
// Non-Run operations pass through unrecorded; they do not execute
// arbitrary commands chosen by the caller.
type Executor struct {
	inner executor.Executor
	store *Store

	// Backend and Instance label recorded events.
	Backend  string
	Instance string

	// SessionID groups this executor's events. Generated when empty.
	SessionID string
}

// Wrap returns an auditing executor around inner.
func Wrap(inner executor.Executor, store *Store, backend, instance string) *Executor {
	return &Executor{
		inner:     inner,
		store:     store,
		Backend:   backend,
		Instance:  instance,
		SessionID: uuid.NewString(),
	}
}

// Run executes through the wrapped executor and records the outcome.
// Recording failures are logged, not returned; auditing must never
// break the build.
func (e *Executor) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.SessionID == "" {
		cmd.SessionID = e.SessionID
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	started := time.Now()
	result, err := e.inner.Run(ctx, cmd)

	event := Event{
		ID:          cmd.RequestID,
		SessionID:   cmd.SessionID,
		Backend:     e.Backend,
		Instance:    e.Instance,
		CommandLine: joinCommand(cmd.Binary, cmd.Arguments),
		ExitCode:    -1,
		Duration:    time.Since(started),
		StartedAt:   started,
	}
	if result != nil {
		event.ExitCode = result.ExitCode
		event.Killed = result.Killed
		event.Duration = result.Duration
		event.StartedAt = result.StartedAt
	}

	if recordErr := e.store.Record(event); recordErr != nil {
		logging.Get(logging.CategoryAudit).Error("failed to record event: %v", recordErr)
	} else {
		logging.AuditDebug("recorded %s (exit=%d)", event.CommandLine, event.ExitCode)
	}

	return result, err
}

// Exec passes through to the wrapped executor.
func (e *Executor) Exec(ctx context.Context, cmd executor.Command) *exec.Cmd {
	return e.inner.Exec(ctx, cmd)
}

// CreateFile passes through to the wrapped executor.
func (e *Executor) CreateFile(ctx context.Context, spec executor.FileSpec) error {
	return e.inner.CreateFile(ctx, spec)
}

// SyncTo passes through to the wrapped executor.
func (e *Executor) SyncTo(ctx context.Context, source, destination string) error {
	return e.inner.SyncTo(ctx, source, destination)
}

// SyncFrom passes through to the wrapped executor.
func (e *Executor) SyncFrom(ctx context.Context, source, destination string) error {
	return e.inner.SyncFrom(ctx, source, destination)
}
