package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"buildbox/internal/logging"
)

// Executor is the interface every environment backend satisfies. It is
// how callers run commands and move data in and out of an environment,
// whether that environment is the bare host, an LXD container, or a
// Multipass VM.
type Executor interface {
	// Run executes a command and returns a comprehensive result. The
	// context can be used for cancellation. Run returns a non-nil error
	// only when the command could not be dispatched at all; a command
	// that ran and exited non-zero is reported through the Result.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// Exec builds an unstarted *exec.Cmd that runs cmd inside the
	// environment. Callers wire up pipes themselves and start it; this
	// is the streaming escape hatch used by the tar-pipe directory sync.
	Exec(ctx context.Context, cmd Command) *exec.Cmd

	// CreateFile creates a file in the environment with the given
	// content, mode, and ownership.
	CreateFile(ctx context.Context, spec FileSpec) error

	// SyncTo copies a host source file or directory into the
	// environment at destination. Standard "cp -r" rules apply.
	SyncTo(ctx context.Context, source, destination string) error

	// SyncFrom copies a source file or directory from the environment
	// to the host destination. Standard "cp -r" rules apply.
	SyncFrom(ctx context.Context, source, destination string) error
}

// RunChecked runs cmd and converts any failure (dispatch error, kill,
// or non-zero exit) into an error. It is the building block for ordered
// fail-fast step sequences.
func RunChecked(ctx context.Context, ex Executor, cmd Command) (*Result, error) {
	result, err := ex.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// IsTargetFile checks if the path is a regular file in the environment.
func IsTargetFile(ctx context.Context, ex Executor, target string) (bool, error) {
	result, err := ex.Run(ctx, Command{Binary: "test", Arguments: []string{"-f", target}})
	if err != nil {
		return false, err
	}
	if result.IsError() {
		return false, result.Err()
	}
	return result.ExitCode == 0, nil
}

// IsTargetDirectory checks if the path is a directory in the environment.
func IsTargetDirectory(ctx context.Context, ex Executor, target string) (bool, error) {
	result, err := ex.Run(ctx, Command{Binary: "test", Arguments: []string{"-d", target}})
	if err != nil {
		return false, err
	}
	if result.IsError() {
		return false, result.Err()
	}
	return result.ExitCode == 0, nil
}

// Capture runs a prepared *exec.Cmd to completion, enforcing the
// command's timeout and output limits, and classifies the outcome the
// same way for every backend. build is called with the (possibly
// timeout-bounded) context so the backend can construct the process
// under it.
func Capture(ctx context.Context, build func(context.Context) *exec.Cmd, cmd Command) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryExec, "command execution")
	defer timer.Stop()

	result := &Result{
		ExitCode: -1,
		Command:  &cmd,
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := build(execCtx)
	if execCmd == nil {
		return nil, fmt.Errorf("executor produced no command for %q", cmd.String())
	}

	if cmd.Stdin != "" && execCmd.Stdin == nil {
		execCmd.Stdin = bytes.NewReader([]byte(cmd.Stdin))
	}

	maxOutput := cmd.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultConfig().MaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.ExecWarn("command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", cmd.Timeout)
			result.Success = true // Infrastructure worked, command was killed
			logging.ExecWarn("command killed (timeout): %s after %s", cmd.Binary, cmd.Timeout)
		case execCtx.Err() == context.Canceled:
			result.Killed = true
			result.KillReason = "context canceled"
			result.Success = true
			logging.ExecDebug("command canceled: %s", cmd.Binary)
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.Success = true // Command ran, just returned non-zero
				result.ExitCode = exitErr.ExitCode()
				logging.ExecDebug("command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
			} else {
				result.Success = false
				result.Error = err.Error()
				logging.ExecError("command failed: %s - %v", cmd.Binary, err)
			}
		}
	} else {
		result.Success = true
		result.ExitCode = 0
	}

	logging.Exec("command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stdout))

	return result, nil
}
