// Package executor defines the uniform command-execution surface that all
// environment backends (host, LXD containers, Multipass VMs) implement.
// It is the lowest-level layer that physically interacts with an
// environment: running commands, creating files, and moving data in and
// out.
package executor

import (
	"fmt"
	"io"
	"time"
)

// Command represents a command to be executed inside an environment.
type Command struct {
	// Binary is the executable to run (e.g., "apt-get", "systemctl").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format). These apply to
	// the target environment, not the host.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Timeout is the maximum execution time. Zero means use the
	// executor's default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxOutputBytes limits captured stdout+stderr size. Zero means use
	// the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`

	// SessionID links this execution to a logical session (for audit).
	SessionID string `json:"session_id,omitempty"`

	// RequestID uniquely identifies this execution request.
	RequestID string `json:"request_id,omitempty"`
}

// String returns the full command as a string (for display/logging).
func (c Command) String() string {
	result := c.Binary
	for _, arg := range c.Arguments {
		result += " " + arg
	}
	return result
}

// FileSpec describes a file to create inside an environment.
type FileSpec struct {
	// Destination is the absolute path of the file in the environment.
	Destination string `json:"destination"`

	// Content is the file content.
	Content []byte `json:"-"`

	// Mode is the octal file mode string (e.g. "0644").
	Mode string `json:"mode"`

	// UID and GID own the file. Both default to 0 (root).
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// Result is the comprehensive output of command execution.
type Result struct {
	// Success indicates whether the execution infrastructure worked.
	// A command that runs but returns a non-zero exit code still has
	// Success=true; Success=false means the command could not be run at
	// all (binary missing, transport failure).
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when execution completed.
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// Command is a copy of the command that was executed (for audit).
	Command *Command `json:"command,omitempty"`
}

// IsError returns true if the execution infrastructure failed.
func (r *Result) IsError() bool {
	return !r.Success || r.Error != ""
}

// Output returns stdout and stderr combined.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Err converts the result into an error: nil when the command ran and
// exited zero, otherwise an error describing the failure. Sequenced
// provisioning steps use this to fail fast on the first bad step.
func (r *Result) Err() error {
	if r.Killed {
		return fmt.Errorf("command %q killed: %s", commandName(r), r.KillReason)
	}
	if !r.Success {
		return fmt.Errorf("command %q failed to run: %s", commandName(r), r.Error)
	}
	if r.ExitCode != 0 {
		out := r.Output()
		if out != "" {
			return fmt.Errorf("command %q exited %d: %s", commandName(r), r.ExitCode, out)
		}
		return fmt.Errorf("command %q exited %d", commandName(r), r.ExitCode)
	}
	return nil
}

func commandName(r *Result) string {
	if r.Command != nil {
		return r.Command.String()
	}
	return "<unknown>"
}

// Config is the shared configuration for executors.
type Config struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `yaml:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified. Zero disables
	// the default timeout entirely.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxOutputBytes caps output capture (default 10MB).
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// DefaultConfig returns sensible defaults. Provisioning steps like
// apt-get can be slow, so the default timeout is generous.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Minute,
		MaxOutputBytes: 10 * 1024 * 1024,
	}
}

// Merge applies config defaults to a command. Command settings override
// config defaults.
func (c Config) Merge(cmd Command) Command {
	result := cmd
	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}
	if result.Timeout == 0 {
		result.Timeout = c.DefaultTimeout
	}
	if result.MaxOutputBytes == 0 {
		result.MaxOutputBytes = c.MaxOutputBytes
	}
	return result
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
