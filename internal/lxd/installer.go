package lxd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
	"time"

	"buildbox/internal/executor"
	"buildbox/internal/host"
	"buildbox/internal/logging"
)

// waitReadyTimeout bounds "lxd waitready" for a fresh install.
const waitReadyTimeout = 120 * time.Second

// snapFallbackDir is checked when lxd is freshly installed via snap and
// the current shell has a stale PATH.
const snapFallbackDir = "/snap/bin"

// findBinary locates one of the lxd/lxc binaries, preferring PATH and
// falling back to the snap install location. Returns an empty string
// when not found.
func findBinary(name string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	fallback := snapFallbackDir + "/" + name
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// IsInstalled reports whether the LXD client tools are present.
func IsInstalled() bool {
	return findBinary("lxd") != "" && findBinary("lxc") != ""
}

// Install installs LXD on the host, initializes it with defaults, and
// waits for the daemon. Returns the installed version.
func Install(ctx context.Context) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("lxd is not supported on %s", runtime.GOOS)
	}
	logging.LXD("installing lxd")

	hostExec := host.NewExecutor()
	if _, err := executor.RunChecked(ctx, hostExec, executor.Command{
		Binary:    "sudo",
		Arguments: []string{"snap", "install", "lxd"},
	}); err != nil {
		return "", fmt.Errorf("failed to install lxd: %w", err)
	}

	if err := WaitReady(ctx); err != nil {
		return "", err
	}

	if _, err := executor.RunChecked(ctx, hostExec, executor.Command{
		Binary:    findBinary("lxd"),
		Arguments: []string{"init", "--auto"},
	}); err != nil {
		return "", fmt.Errorf("failed to initialize lxd: %w", err)
	}

	version, err := Version(ctx)
	if err != nil {
		return "", err
	}
	logging.LXD("installed lxd %s", version)
	return version, nil
}

// WaitReady blocks until the LXD daemon is ready to serve requests.
func WaitReady(ctx context.Context) error {
	logging.LXD("waiting for lxd daemon...")

	hostExec := host.NewExecutor()
	if _, err := executor.RunChecked(ctx, hostExec, executor.Command{
		Binary: findBinary("lxd"),
		Arguments: []string{"waitready",
			fmt.Sprintf("--timeout=%d", int(waitReadyTimeout.Seconds()))},
	}); err != nil {
		return fmt.Errorf("timed out waiting for lxd daemon: %w", err)
	}
	return nil
}

// Version returns the LXD version reported by "lxd version".
func Version(ctx context.Context) (string, error) {
	result, err := host.NewExecutor().Run(ctx, executor.Command{
		Binary: findBinary("lxd"), Arguments: []string{"version"},
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// EnsureUserAccess verifies the current user can talk to the daemon.
// The common failure is a user missing from the lxd group; surface that
// instead of a bare permission error.
func EnsureUserAccess(ctx context.Context, client *Client) error {
	_, err := client.ProjectList(ctx)
	if err == nil {
		return nil
	}

	current, userErr := user.Current()
	if userErr == nil && current.Uid != "0" {
		return fmt.Errorf(
			"cannot connect to the lxd daemon (is %q a member of the lxd group?): %w",
			current.Username, err)
	}
	return fmt.Errorf("cannot connect to the lxd daemon: %w", err)
}
