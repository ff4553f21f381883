package lxd

import (
	"context"
	"errors"
	"fmt"

	"buildbox/internal/image"
	"buildbox/internal/logging"
)

// Provider provisions LXD-backed build environments.
type Provider struct {
	client *Client

	// InstallMissing allows the provider to install LXD when it is not
	// present on the host.
	InstallMissing bool

	// AutoClean allows the provider to delete and relaunch an existing
	// container that fails the compatibility check.
	AutoClean bool
}

// NewProvider returns a provider for the default buildbox project.
func NewProvider() *Provider {
	client := NewClient()
	if path := findBinary("lxc"); path != "" {
		client.Path = path
	}
	return &Provider{
		client:         client,
		InstallMissing: true,
		AutoClean:      true,
	}
}

// Client returns the provider's lxc client.
func (p *Provider) Client() *Client {
	return p.client
}

// EnsureReady makes sure LXD is installed, the daemon answers, the
// current user can reach it, and the buildbox project exists.
func (p *Provider) EnsureReady(ctx context.Context) error {
	if !IsInstalled() {
		if !p.InstallMissing {
			return fmt.Errorf("lxd is not installed")
		}
		if _, err := Install(ctx); err != nil {
			return err
		}
		if path := findBinary("lxc"); path != "" {
			p.client.Path = path
		}
	}

	if err := WaitReady(ctx); err != nil {
		return err
	}
	if err := EnsureUserAccess(ctx, p.client); err != nil {
		return err
	}
	return p.ensureProject(ctx)
}

// ensureProject creates the client's project if it does not exist.
func (p *Provider) ensureProject(ctx context.Context) error {
	projects, err := p.client.ProjectList(ctx)
	if err != nil {
		return err
	}
	for _, name := range projects {
		if name == p.client.Project {
			return nil
		}
	}

	logging.LXD("creating project %q", p.client.Project)
	return p.client.ProjectCreate(ctx, p.client.Project)
}

// InstanceOptions configure environment creation.
type InstanceOptions struct {
	// Name of the container.
	Name string

	// Image configuration for setup and compatibility checks.
	Image image.Config

	// Ephemeral containers are destroyed on stop.
	Ephemeral bool
}

// launchImage maps an image alias to the lxc launch argument. Official
// Ubuntu cloud images resolve by version on the ubuntu remote.
func launchImage(cfg image.Config) (string, error) {
	version, err := cfg.Version()
	if err != nil {
		return "", err
	}
	return "ubuntu:" + version, nil
}

// CreateInstance returns a ready build environment, reusing a
// compatible existing container or launching a new one. An existing
// container that fails the compatibility check is deleted and
// relaunched when AutoClean is set.
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
			logging.LXDWarn("cleaning container %q: %v", opts.Name, compatErr)
			if err := instance.Delete(ctx); err != nil {
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

// prepareExisting starts a stopped container and warms it up.
func (p *Provider) prepareExisting(ctx context.Context, instance *Instance, opts InstanceOptions) error {
	logging.LXD("reusing existing container %q", opts.Name)

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

// launchNew launches and configures a fresh container.
func (p *Provider) launchNew(ctx context.Context, instance *Instance, opts InstanceOptions) error {
	img, err := launchImage(opts.Image)
	if err != nil {
		return err
	}

	logging.LXD("launching container %q from %q", opts.Name, img)
	if err := instance.Launch(ctx, LaunchOptions{
		Image:     img,
		Ephemeral: opts.Ephemeral,
	}); err != nil {
		return err
	}

	if err := opts.Image.Setup(ctx, instance); err != nil {
		// A failed setup leaves a half-configured container behind;
		// remove it so the next run starts clean.
		if delErr := instance.Delete(ctx); delErr != nil {
			logging.LXDWarn("failed to clean up container %q after failed setup: %v",
				opts.Name, delErr)
		}
		return fmt.Errorf("failed to set up container %q: %w", opts.Name, err)
	}
	return nil
}

// EnsureImageRemote registers an image server remote if it is not
// configured yet, so launches can reference "<name>:<image>".
func (p *Provider) EnsureImageRemote(ctx context.Context, name, addr, protocol string) error {
	remotes, err := p.client.RemoteList(ctx)
	if err != nil {
		return err
	}
	if _, ok := remotes[name]; ok {
		return nil
	}

	logging.LXD("adding image remote %q (%s)", name, addr)
	return p.client.RemoteAdd(ctx, name, addr, protocol)
}

// Purge deletes every container in the provider's project and then the
// project itself.
func (p *Provider) Purge(ctx context.Context) error {
	instances, err := p.client.List(ctx)
	if err != nil {
		return err
	}
	for name := range instances {
		logging.LXD("purging container %q", name)
		if err := p.client.Delete(ctx, name, true); err != nil {
			return err
		}
	}
	return p.client.ProjectDelete(ctx, p.client.Project)
}

// Teardown stops the container, optionally deleting it entirely.
func (p *Provider) Teardown(ctx context.Context, instance *Instance, delete bool) error {
	if delete {
		return instance.Delete(ctx)
	}

	running, err := instance.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return instance.Stop(ctx)
}
