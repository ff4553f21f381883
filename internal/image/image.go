// Package image prepares launched instances as build environments. A
// Config names the Ubuntu image an environment is built from and drives
// the ordered setup sequence that configures it. Every step must
// succeed before the next runs; the environment is usable only if the
// whole sequence is.
package image

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"buildbox/internal/executor"
	"buildbox/internal/instancecfg"
	"buildbox/internal/logging"
	"buildbox/internal/setup"
)

// DefaultCompatibilityTag marks instances configured by the current
// setup sequence. Bump it when the sequence changes in a way that makes
// previously configured instances unusable.
const DefaultCompatibilityTag = "buildbox-v1"

// CompatibilityError indicates an instance cannot be used as-is. The
// provider reacts by cleaning the instance and launching a fresh one.
type CompatibilityError struct {
	// Reason describes the incompatibility.
	Reason string
}

func (e *CompatibilityError) Error() string {
	return "incompatible instance: " + e.Reason
}

// ubuntuVersions maps supported image aliases to the VERSION_ID
// expected in the environment's os-release.
var ubuntuVersions = map[string]string{
	"xenial": "16.04",
	"bionic": "18.04",
	"focal":  "20.04",
	"jammy":  "22.04",
	"noble":  "24.04",
}

// Config describes the image an environment is built from.
type Config struct {
	// Alias is the Ubuntu release alias, e.g. "focal".
	Alias string

	// Hostname to assign inside the environment.
	Hostname string

	// CompatibilityTag overrides DefaultCompatibilityTag.
	CompatibilityTag string

	// NetworkInterface is the interface to configure for DHCP.
	// Defaults to "eth0".
	NetworkInterface string
}

// Tag returns the effective compatibility tag.
func (c Config) Tag() string {
	if c.CompatibilityTag != "" {
		return c.CompatibilityTag
	}
	return DefaultCompatibilityTag
}

// Version returns the Ubuntu VERSION_ID for the config's alias.
func (c Config) Version() (string, error) {
	version, ok := ubuntuVersions[c.Alias]
	if !ok {
		return "", fmt.Errorf("unsupported image alias %q", c.Alias)
	}
	return version, nil
}

// Setup runs the full configuration sequence on a freshly launched
// instance. Steps run strictly in order and the first failure aborts
// the rest. A *CompatibilityError return means the instance must be
// cleaned, not that setup itself is broken.
func (c Config) Setup(ctx context.Context, ex executor.Executor) error {
	timer := logging.StartTimer(logging.CategoryImage, fmt.Sprintf("setup %q", c.Alias))
	defer timer.Stop()

	if err := setup.WaitForSystemReady(ctx, ex); err != nil {
		return err
	}
	if err := c.ensureCompatible(ctx, ex); err != nil {
		return err
	}

	iface := c.NetworkInterface
	if iface == "" {
		iface = "eth0"
	}

	steps := []func(context.Context, executor.Executor) error{
		func(ctx context.Context, ex executor.Executor) error {
			return setup.ConfigureHostname(ctx, ex, c.Hostname)
		},
		setup.ConfigureResolved,
		func(ctx context.Context, ex executor.Executor) error {
			return setup.ConfigureNetworkd(ctx, ex, iface)
		},
		setup.WaitForNetworkingReady,
		setup.ConfigureApt,
		setup.ConfigureSnapd,
	}
	for _, step := range steps {
		if err := step(ctx, ex); err != nil {
			return err
		}
	}

	if err := c.waitReady(ctx, ex); err != nil {
		return err
	}

	return instancecfg.Save(ctx, ex, instancecfg.Config{
		CompatibilityTag: c.Tag(),
		SetupAt:          time.Now().UTC(),
	})
}

// Warmup prepares an existing, previously configured instance for
// reuse: verify compatibility and wait for readiness, without redoing
// configuration.
func (c Config) Warmup(ctx context.Context, ex executor.Executor) error {
	logging.Image("warming up %q environment", c.Alias)

	if err := setup.WaitForSystemReady(ctx, ex); err != nil {
		return err
	}
	if err := c.ensureCompatible(ctx, ex); err != nil {
		return err
	}

	record, err := instancecfg.Load(ctx, ex)
	if err != nil {
		return err
	}
	if record == nil {
		return &CompatibilityError{Reason: "instance was never configured"}
	}

	return c.waitReady(ctx, ex)
}

// ensureCompatible verifies the environment is the expected Ubuntu
// release and was not configured by an incompatible version.
func (c Config) ensureCompatible(ctx context.Context, ex executor.Executor) error {
	version, err := c.Version()
	if err != nil {
		return err
	}

	osRelease, err := setup.ReadOSRelease(ctx, ex)
	if err != nil {
		return err
	}
	if osRelease == nil {
		return &CompatibilityError{Reason: "missing /etc/os-release"}
	}
	if id := osRelease["ID"]; id != "ubuntu" {
		return &CompatibilityError{
			Reason: fmt.Sprintf("expected OS 'ubuntu', found %q", id),
		}
	}
	if found := osRelease["VERSION_ID"]; found != version {
		return &CompatibilityError{
			Reason: fmt.Sprintf("expected OS version %q, found %q", version, found),
		}
	}

	record, err := instancecfg.Load(ctx, ex)
	if err != nil {
		return err
	}
	if record != nil && record.CompatibilityTag != c.Tag() {
		return &CompatibilityError{
			Reason: fmt.Sprintf("expected compatibility tag %q, found %q",
				c.Tag(), record.CompatibilityTag),
		}
	}
	return nil
}

// waitReady runs the final readiness probes. They are independent, so
// they run concurrently; both must pass.
func (c Config) waitReady(ctx context.Context, ex executor.Executor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return setup.WaitForSystemReady(gctx, ex) })
	g.Go(func() error { return setup.WaitForNetworkingReady(gctx, ex) })
	return g.Wait()
}
