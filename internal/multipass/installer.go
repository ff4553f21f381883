package multipass

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"buildbox/internal/executor"
	"buildbox/internal/host"
	"buildbox/internal/logging"
)

// Minimum supported Multipass version. Older releases lack the
// transfer and mount behavior this package depends on.
const (
	MinimumVersionMajor = 1
	MinimumVersionMinor = 5
)

// Daemon readiness bounds for a fresh install. multipassd can take a
// while to come up the first time on slower hosts.
const (
	daemonWaitRetries  = 120
	daemonWaitInterval = 1 * time.Second
)

// snapFallbackPath is checked when multipass is freshly installed via
// snap and the current shell has a stale PATH.
const snapFallbackPath = "/snap/bin/multipass"

// FindBinary locates the multipass binary, preferring PATH and falling
// back to the snap install location. Returns an empty string when not
// found.
func FindBinary() string {
	if path, err := exec.LookPath("multipass"); err == nil {
		return path
	}
	if _, err := os.Stat(snapFallbackPath); err == nil {
		return snapFallbackPath
	}
	return ""
}

// IsInstalled reports whether the multipass client is present.
func IsInstalled() bool {
	return FindBinary() != ""
}

// Install installs Multipass on the host and waits for the daemon to
// answer. Returns the installed client version.
func Install(ctx context.Context) (string, error) {
	logging.Multipass("installing multipass")

	hostExec := host.NewExecutor()
	switch runtime.GOOS {
	case "linux":
		if _, err := executor.RunChecked(ctx, hostExec, executor.Command{
			Binary:    "sudo",
			Arguments: []string{"snap", "install", "multipass"},
		}); err != nil {
			return "", fmt.Errorf("failed to install multipass: %w", err)
		}
	case "darwin":
		if _, err := executor.RunChecked(ctx, hostExec, executor.Command{
			Binary:    "brew",
			Arguments: []string{"install", "multipass"},
		}); err != nil {
			return "", fmt.Errorf("failed to install multipass: %w", err)
		}
	default:
		return "", fmt.Errorf("multipass is not supported on %s", runtime.GOOS)
	}

	path := FindBinary()
	if path == "" {
		return "", fmt.Errorf("multipass not found after install")
	}

	client := NewClientWithPath(path)
	if err := waitForDaemon(ctx, client); err != nil {
		return "", err
	}

	version, _, err := client.Version(ctx)
	if err != nil {
		return "", err
	}
	logging.Multipass("installed multipass %s", version)
	return version, nil
}

// EnsureSupportedVersion verifies the installed client meets the
// minimum supported version.
func EnsureSupportedVersion(ctx context.Context, client *Client) error {
	version, _, err := client.Version(ctx)
	if err != nil {
		return err
	}

	major, minor, err := parseVersion(version)
	if err != nil {
		return err
	}
	if major < MinimumVersionMajor ||
		(major == MinimumVersionMajor && minor < MinimumVersionMinor) {
		return fmt.Errorf(
			"multipass %s is unsupported, version %d.%d or newer is required",
			version, MinimumVersionMajor, MinimumVersionMinor)
	}
	return nil
}

// parseVersion extracts major and minor components from a version
// string like "1.5.0" or "1.5.0+mac".
func parseVersion(version string) (major, minor int, err error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unable to parse multipass version %q", version)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unable to parse multipass version %q", version)
	}
	minor, err = strconv.Atoi(strings.TrimFunc(parts[1], func(r rune) bool {
		return r < '0' || r > '9'
	}))
	if err != nil {
		return 0, 0, fmt.Errorf("unable to parse multipass version %q", version)
	}
	return major, minor, nil
}

// waitForDaemon polls "multipass version" until multipassd reports a
// version, bounded by daemonWaitRetries.
func waitForDaemon(ctx context.Context, client *Client) error {
	logging.Multipass("waiting for multipass daemon...")

	for attempt := 0; attempt < daemonWaitRetries; attempt++ {
		_, daemon, err := client.Version(ctx)
		if err == nil && daemon != "" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(daemonWaitInterval):
		}
	}

	return fmt.Errorf("timed out waiting for multipass daemon")
}
