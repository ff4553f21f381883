// Package setup holds executor-level environment actions: the ordered,
// fail-fast steps that turn a freshly launched instance into a usable
// build environment, plus the readiness probes they depend on.
package setup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Readiness bounds. These mirror the polling behavior of the
// provisioning scripts this package replaces.
const (
	SystemReadyRetries  = 120
	SystemReadyInterval = 500 * time.Millisecond

	NetworkingTimeout  = 60 * time.Second
	NetworkingInterval = 500 * time.Millisecond

	// networkProbeHost is resolved to prove DNS and networking work.
	networkProbeHost = "snapcraft.io"
)

// ConfigureApt updates the apt cache and installs apt-utils.
func ConfigureApt(ctx context.Context, ex executor.Executor) error {
	logging.Setup("configuring apt")
	steps := []executor.Command{
		{Binary: "apt-get", Arguments: []string{"update"}},
		{Binary: "apt-get", Arguments: []string{"install", "-y", "apt-utils"}},
	}
	return runSteps(ctx, ex, steps)
}

// ConfigureHostname installs /etc/hostname.
func ConfigureHostname(ctx context.Context, ex executor.Executor, hostname string) error {
	logging.Setup("configuring hostname %q", hostname)
	return ex.CreateFile(ctx, executor.FileSpec{
		Destination: "/etc/hostname",
		Content:     []byte(hostname + "\n"),
		Mode:        "0644",
	})
}

// ConfigureNetworkd installs an IPv4 DHCP configuration for the given
// interface and restarts systemd-networkd.
func ConfigureNetworkd(ctx context.Context, ex executor.Executor, interfaceName string) error {
	logging.Setup("configuring systemd-networkd for %q", interfaceName)

	content := fmt.Sprintf(`[Match]
Name=%s

[Network]
DHCP=ipv4
LinkLocalAddressing=ipv6

[DHCP]
RouteMetric=100
UseMTU=true
`, interfaceName)

	if err := ex.CreateFile(ctx, executor.FileSpec{
		Destination: fmt.Sprintf("/etc/systemd/network/10-%s.network", interfaceName),
		Content:     []byte(content),
		Mode:        "0644",
	}); err != nil {
		return err
	}

	steps := []executor.Command{
		{Binary: "systemctl", Arguments: []string{"enable", "systemd-networkd"}},
		{Binary: "systemctl", Arguments: []string{"restart", "systemd-networkd"}},
	}
	return runSteps(ctx, ex, steps)
}

// ConfigureResolved points /etc/resolv.conf at systemd-resolved and
// restarts it.
func ConfigureResolved(ctx context.Context, ex executor.Executor) error {
	logging.Setup("configuring systemd-resolved")
	steps := []executor.Command{
		{Binary: "ln", Arguments: []string{"-sf", "/run/systemd/resolve/resolv.conf", "/etc/resolv.conf"}},
		{Binary: "systemctl", Arguments: []string{"enable", "systemd-resolved"}},
		{Binary: "systemctl", Arguments: []string{"restart", "systemd-resolved"}},
	}
	return runSteps(ctx, ex, steps)
}

// ConfigureSnapd installs snapd with its dependencies and waits for
// the snap seed to load.
func ConfigureSnapd(ctx context.Context, ex executor.Executor) error {
	logging.Setup("configuring snapd")
	steps := []executor.Command{
		{Binary: "apt-get", Arguments: []string{"install", "fuse", "udev", "--yes"}},
		{Binary: "systemctl", Arguments: []string{"enable", "systemd-udevd"}},
		{Binary: "systemctl", Arguments: []string{"start", "systemd-udevd"}},
		{Binary: "apt-get", Arguments: []string{"install", "snapd", "--yes"}},
		{Binary: "systemctl", Arguments: []string{"start", "snapd.socket"}},
		{Binary: "systemctl", Arguments: []string{"start", "snapd.service"}},
		{Binary: "snap", Arguments: []string{"wait", "system", "seed.loaded"}},
	}
	return runSteps(ctx, ex, steps)
}

// runSteps executes commands strictly in order, aborting on the first
// failure. The caller's operation succeeds only if every step does.
func runSteps(ctx context.Context, ex executor.Executor, steps []executor.Command) error {
	for _, step := range steps {
		if _, err := executor.RunChecked(ctx, ex, step); err != nil {
			return err
		}
	}
	return nil
}

// ReadOSRelease reads and parses /etc/os-release in the environment.
// Returns nil (no error) if the file is absent.
func ReadOSRelease(ctx context.Context, ex executor.Executor) (map[string]string, error) {
	result, err := ex.Run(ctx, executor.Command{
		Binary: "cat", Arguments: []string{"/etc/os-release"},
	})
	if err != nil {
		return nil, err
	}
	if result.IsError() {
		return nil, result.Err()
	}
	if result.ExitCode != 0 {
		return nil, nil
	}
	return ParseOSRelease(result.Stdout), nil
}

// ParseOSRelease parses os-release content into a key/value map.
// Values may be quoted; quotes are stripped.
func ParseOSRelease(content string) map[string]string {
	parsed := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"'`)
		parsed[key] = value
	}
	return parsed
}

// WaitForSystemReady polls "systemctl is-system-running" until the
// system reports running (or degraded, which still means units can be
// managed), bounded by SystemReadyRetries.
func WaitForSystemReady(ctx context.Context, ex executor.Executor) error {
	logging.Setup("waiting for environment to be ready...")

	for attempt := 0; attempt < SystemReadyRetries; attempt++ {
		result, err := ex.Run(ctx, executor.Command{
			Binary: "systemctl", Arguments: []string{"is-system-running"},
		})
		if err != nil {
			return err
		}

		state := strings.TrimSpace(result.Output())
		if result.ExitCode == 0 {
			if state == "running" || state == "degraded" {
				return nil
			}
			logging.SetupWarn("unexpected state for systemctl is-system-running: %s", state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(SystemReadyInterval):
		}
	}

	return fmt.Errorf("timed out waiting for environment to be ready")
}

// WaitForNetworkingReady polls name resolution until networking works,
// bounded by NetworkingTimeout.
func WaitForNetworkingReady(ctx context.Context, ex executor.Executor) error {
	logging.Setup("waiting for networking to be ready...")

	deadline := time.Now().Add(NetworkingTimeout)
	for time.Now().Before(deadline) {
		result, err := ex.Run(ctx, executor.Command{
			Binary: "getent", Arguments: []string{"hosts", networkProbeHost},
		})
		if err != nil {
			return err
		}
		if result.ExitCode == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(NetworkingInterval):
		}
	}

	return fmt.Errorf("timed out waiting for networking to be ready")
}
