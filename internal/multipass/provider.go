package multipass

import (
	"context"
	"errors"
	"fmt"

	"buildbox/internal/image"
	"buildbox/internal/logging"
)

// Provider provisions Multipass-backed build environments.
type Provider struct {
	client *Client

	// InstallMissing allows the provider to install Multipass when it
	// is not present on the host.
	InstallMissing bool

	// AutoClean allows the provider to delete and relaunch an existing
	// instance that fails the compatibility check.
	AutoClean bool
}

// NewProvider returns a provider using the located multipass binary,
// or "multipass" from PATH when none is found yet.
func NewProvider() *Provider {
	path := FindBinary()
	if path == "" {
		path = "multipass"
	}
	return &Provider{
		client:         NewClientWithPath(path),
		InstallMissing: true,
		AutoClean:      true,
	}
}

// Client returns the provider's multipass client.
func (p *Provider) Client() *Client {
	return p.client
}

// EnsureReady makes sure a supported Multipass is installed and the
// daemon answers, installing it first when allowed.
func (p *Provider) EnsureReady(ctx context.Context) error {
	if !IsInstalled() {
		if !p.InstallMissing {
			return fmt.Errorf("multipass is not installed")
		}
		if _, err := Install(ctx); err != nil {
			return err
		}
		p.client = NewClientWithPath(FindBinary())
	}

	if err := waitForDaemon(ctx, p.client); err != nil {
		return err
	}
	return EnsureSupportedVersion(ctx, p.client)
}

// InstanceOptions configure environment creation.
type InstanceOptions struct {
	// Name of the instance.
	Name string

	// Image configuration for setup and compatibility checks.
	Image image.Config

	// CPUs, MemGB and DiskGB size the VM (0 = multipass defaults).
	CPUs   int
	MemGB  int
	DiskGB int
}

// launchImage maps an image alias to the multipass launch argument.
// Multipass resolves release images by version number.
func launchImage(cfg image.Config) (string, error) {
	return cfg.Version()
}

// CreateInstance returns a ready build environment, reusing a
// compatible existing instance or launching a new one. An existing
// instance that fails the compatibility check is deleted and relaunched
// when AutoClean is set.
func (p *Provider) CreateInstance(ctx context.Context, opts InstanceOptions) (*Instance, error) {
	instance := NewInstanceWithClient(opts.Name, p.client)

	exists, err := instance.Exists(ctx)
	if err != nil {
		return nil, err
	}

	if exists {
		err := p.prepareExisting(ctx, instance, opts)
		var compatErr *image.CompatibilityError
		if errors.As(err, &compatErr) && p.AutoClean {
			logging.MultipassWarn("cleaning VM %q: %v", opts.Name, compatErr)
			if err := instance.Delete(ctx, true); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		} else {
			return instance, nil
		}
	}

	if err := p.launchNew(ctx, instance, opts); err != nil {
		return nil, err
	}
	return instance, nil
}

// prepareExisting starts a stopped instance and warms it up.
func (p *Provider) prepareExisting(ctx context.Context, instance *Instance, opts InstanceOptions) error {
	logging.Multipass("reusing existing VM %q", opts.Name)

	running, err := instance.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		if err := instance.Start(ctx); err != nil {
			return err
		}
	}
	return opts.Image.Warmup(ctx, instance)
}

// launchNew launches and configures a fresh instance.
func (p *Provider) launchNew(ctx context.Context, instance *Instance, opts InstanceOptions) error {
	img, err := launchImage(opts.Image)
	if err != nil {
		return err
	}

	logging.Multipass("launching VM %q from %q", opts.Name, img)
	if err := instance.Launch(ctx, LaunchOptions{
		Image:  img,
		CPUs:   opts.CPUs,
		MemGB:  opts.MemGB,
		DiskGB: opts.DiskGB,
	}); err != nil {
		return err
	}

	if err := opts.Image.Setup(ctx, instance); err != nil {
		// A failed setup leaves a half-configured VM behind; remove it
		// so the next run starts clean.
		if delErr := instance.Delete(ctx, true); delErr != nil {
			logging.MultipassWarn("failed to clean up VM %q after failed setup: %v",
				opts.Name, delErr)
		}
		return fmt.Errorf("failed to set up VM %q: %w", opts.Name, err)
	}
	return nil
}

// Teardown stops the instance, optionally deleting it entirely.
func (p *Provider) Teardown(ctx context.Context, instance *Instance, delete bool) error {
	if delete {
		return instance.Delete(ctx, true)
	}

	running, err := instance.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return instance.Stop(ctx, 0)
}
