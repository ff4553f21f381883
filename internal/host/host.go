// Package host runs commands directly on the host machine. It is the
// no-isolation backend: useful for tests, and for callers that want the
// uniform executor surface without provisioning a container or VM.
package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Executor implements executor.Executor against the host, optionally
// elevating every command via sudo for a target user.
type Executor struct {
	config executor.Config

	// sudoUser, when non-empty, wraps every command in
	// "sudo -H -u <user> --".
	sudoUser string
}

// NewExecutor creates a host executor with default config.
func NewExecutor() *Executor {
	return NewExecutorWithConfig(executor.DefaultConfig())
}

// NewExecutorWithConfig creates a host executor with custom config.
func NewExecutorWithConfig(config executor.Config) *Executor {
	logging.HostDebug("creating host executor (timeout=%s)", config.DefaultTimeout)
	return &Executor{config: config}
}

// NewSudoExecutor creates a host executor that runs every command as
// the given user via sudo.
func NewSudoExecutor(user string) *Executor {
	e := NewExecutor()
	e.sudoUser = user
	return e
}

// Exec builds an unstarted *exec.Cmd for the command.
func (e *Executor) Exec(ctx context.Context, cmd executor.Command) *exec.Cmd {
	cmd = e.config.Merge(cmd)

	name := cmd.Binary
	args := cmd.Arguments
	if e.sudoUser != "" {
		args = append([]string{"-H", "-u", e.sudoUser, "--", name}, args...)
		name = "sudo"
	}

	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Dir = cmd.WorkingDirectory
	if len(cmd.Environment) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Environment...)
	}
	return execCmd
}

// Run executes the command on the host and captures the outcome.
func (e *Executor) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}
	cmd = e.config.Merge(cmd)

	logging.Host("executing on host: %s", cmd.String())
	return executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return e.Exec(execCtx, cmd)
	}, cmd)
}

// CreateFile creates a file on the host with content, mode, and
// ownership. The content is staged in a temporary file and moved into
// place through the executor so that sudo elevation applies.
func (e *Executor) CreateFile(ctx context.Context, spec executor.FileSpec) error {
	tmp, err := os.CreateTemp("", "buildbox-file-")
	if err != nil {
		return fmt.Errorf("failed to stage file content: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(spec.Content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage file content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage file content: %w", err)
	}

	steps := []executor.Command{
		{Binary: "chown", Arguments: []string{fmt.Sprintf("%d:%d", spec.UID, spec.GID), tmpPath}},
		{Binary: "chmod", Arguments: []string{spec.Mode, tmpPath}},
		{Binary: "mv", Arguments: []string{tmpPath, spec.Destination}},
	}
	for _, step := range steps {
		if _, err := executor.RunChecked(ctx, e, step); err != nil {
			return fmt.Errorf("failed to create file %q: %w", spec.Destination, err)
		}
	}
	return nil
}

// SyncTo copies a host source into the destination path. On the host
// backend both sides are local, so this is a plain recursive copy.
func (e *Executor) SyncTo(ctx context.Context, source, destination string) error {
	return e.copy(ctx, source, destination)
}

// SyncFrom copies a source path to the host destination.
func (e *Executor) SyncFrom(ctx context.Context, source, destination string) error {
	return e.copy(ctx, source, destination)
}

func (e *Executor) copy(ctx context.Context, source, destination string) error {
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source %q not found: %w", source, err)
	}

	parent := filepath.Dir(destination)
	if _, err := executor.RunChecked(ctx, e, executor.Command{
		Binary: "mkdir", Arguments: []string{"-p", parent},
	}); err != nil {
		return err
	}

	if _, err := executor.RunChecked(ctx, e, executor.Command{
		Binary: "cp", Arguments: []string{"-r", source, destination},
	}); err != nil {
		return fmt.Errorf("failed to copy %q to %q: %w", source, destination, err)
	}
	return nil
}

// Provider yields host executors. It exists so that the host backend
// can be selected through the same provider surface as LXD and
// Multipass.
type Provider struct {
	// SudoUser, when non-empty, is applied to created executors.
	SudoUser string
}

// CreateInstance returns a host executor. There is nothing to launch.
func (p *Provider) CreateInstance() *Executor {
	if p.SudoUser != "" {
		return NewSudoExecutor(p.SudoUser)
	}
	return NewExecutor()
}

// Hostname returns a sanitized copy of name usable as an instance
// hostname: lowercased, with runs of invalid characters collapsed to
// single dashes.
func Hostname(name string) string {
	var b strings.Builder
	lastDash := true // Strip leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
