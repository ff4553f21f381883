package executor_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"buildbox/internal/executor"
	"buildbox/internal/executor/executortest"
)

func capture(t *testing.T, cmd executor.Command, name string, args ...string) *executor.Result {
	t.Helper()
	result, err := executor.Capture(context.Background(),
		func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, name, args...)
		}, cmd)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return result
}

func TestCaptureSuccess(t *testing.T) {
	result := capture(t, executor.Command{Binary: "echo"}, "echo", "hello")
	if !result.Success || result.ExitCode != 0 {
		t.Errorf("success=%v exit=%d, want true/0", result.Success, result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hello\n")
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestCaptureNonZeroExit(t *testing.T) {
	result := capture(t, executor.Command{Binary: "sh"}, "sh", "-c", "exit 3")
	if !result.Success {
		t.Error("non-zero exit should not be an infrastructure failure")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", result.ExitCode)
	}
	if result.Err() == nil {
		t.Error("Err() should report the non-zero exit")
	}
}

func TestCaptureMissingBinary(t *testing.T) {
	result := capture(t, executor.Command{Binary: "definitely-not-a-binary"},
		"definitely-not-a-binary-7d1c")
	if result.Success {
		t.Error("missing binary should be an infrastructure failure")
	}
	if result.Error == "" {
		t.Error("infrastructure failure should carry an error message")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit = %d, want -1", result.ExitCode)
	}
}

func TestCaptureTimeout(t *testing.T) {
	cmd := executor.Command{Binary: "sleep", Timeout: 50 * time.Millisecond}
	result := capture(t, cmd, "sleep", "10")
	if !result.Killed {
		t.Fatal("command should have been killed by timeout")
	}
	if !result.Success {
		t.Error("a timeout kill is not an infrastructure failure")
	}
	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("kill reason = %q, want timeout", result.KillReason)
	}
	if result.Err() == nil {
		t.Error("Err() should report the kill")
	}
}

func TestCaptureStdin(t *testing.T) {
	result := capture(t, executor.Command{Binary: "cat", Stdin: "line in"}, "cat")
	if result.Stdout != "line in" {
		t.Errorf("stdout = %q, want stdin echoed back", result.Stdout)
	}
}

func TestCaptureTruncatesOutput(t *testing.T) {
	cmd := executor.Command{Binary: "sh", MaxOutputBytes: 64}
	result := capture(t, cmd, "sh", "-c", "head -c 1000 /dev/zero | tr '\\0' 'x'")
	if !result.Truncated {
		t.Fatal("output should have been truncated")
	}
	if len(result.Stdout) != 64 {
		t.Errorf("captured %d bytes, want 64", len(result.Stdout))
	}
	if result.TruncatedBytes != 1000-64 {
		t.Errorf("discarded %d bytes, want %d", result.TruncatedBytes, 1000-64)
	}
}

func TestRunChecked(t *testing.T) {
	fake := &executortest.Fake{}
	if _, err := executor.RunChecked(context.Background(), fake,
		executor.Command{Binary: "true"}); err != nil {
		t.Errorf("RunChecked on success = %v, want nil", err)
	}

	fake.RunFunc = func(cmd executor.Command) (*executor.Result, error) {
		return executortest.Exit(1, "bad step"), nil
	}
	if _, err := executor.RunChecked(context.Background(), fake,
		executor.Command{Binary: "false"}); err == nil {
		t.Error("RunChecked on exit 1 = nil, want error")
	}
}

func TestIsTargetFile(t *testing.T) {
	fake := &executortest.Fake{
		RunFunc: func(cmd executor.Command) (*executor.Result, error) {
			if cmd.Binary != "test" || cmd.Arguments[0] != "-f" {
				t.Errorf("unexpected probe command: %s", cmd.String())
			}
			if cmd.Arguments[1] == "/present" {
				return executortest.Ok(""), nil
			}
			return executortest.Exit(1, ""), nil
		},
	}

	present, err := executor.IsTargetFile(context.Background(), fake, "/present")
	if err != nil || !present {
		t.Errorf("IsTargetFile(/present) = (%v, %v), want (true, nil)", present, err)
	}
	absent, err := executor.IsTargetFile(context.Background(), fake, "/absent")
	if err != nil || absent {
		t.Errorf("IsTargetFile(/absent) = (%v, %v), want (false, nil)", absent, err)
	}
}
