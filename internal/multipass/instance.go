package multipass

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
	"buildbox/internal/setup"
)

// Instance is a Multipass VM implementing executor.Executor. Commands
// run as root inside the VM via "sudo -H --".
type Instance struct {
	// Name of the VM.
	Name string

	client *Client
	config executor.Config
}

// NewInstance returns an instance handle using the default client.
func NewInstance(name string) *Instance {
	return NewInstanceWithClient(name, NewClient())
}

// NewInstanceWithClient returns an instance handle using the given
// client.
func NewInstanceWithClient(name string, client *Client) *Instance {
	return &Instance{
		Name:   name,
		client: client,
		config: executor.DefaultConfig(),
	}
}

// remoteCommand translates an executor.Command into the argument list
// passed after "multipass exec <name> --". Commands run as root;
// environment variables are applied with env(1) since multipass exec
// has no environment passthrough. Multipass cannot set a remote
// working directory, so WorkingDirectory is rejected.
func (i *Instance) remoteCommand(cmd executor.Command) []string {
	remote := []string{"sudo", "-H", "--"}
	if len(cmd.Environment) > 0 {
		remote = append(remote, "env")
		remote = append(remote, cmd.Environment...)
	}
	remote = append(remote, cmd.Binary)
	remote = append(remote, cmd.Arguments...)
	return remote
}

// Exec builds an unstarted *exec.Cmd running cmd inside the VM.
func (i *Instance) Exec(ctx context.Context, cmd executor.Command) *exec.Cmd {
	cmd = i.config.Merge(cmd)
	return i.client.Exec(ctx, i.Name, i.remoteCommand(cmd))
}

// Run executes cmd inside the VM and captures the outcome.
func (i *Instance) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}
	if cmd.WorkingDirectory != "" {
		return nil, fmt.Errorf("multipass exec does not support a working directory")
	}
	cmd = i.config.Merge(cmd)

	return executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return i.client.Exec(execCtx, i.Name, i.remoteCommand(cmd))
	}, cmd)
}

// CreateFile creates a file in the VM with content, mode, and
// ownership. Multipass cannot transfer or execute as root directly, so
// the content is staged under /tmp and moved into place with sudo.
func (i *Instance) CreateFile(ctx context.Context, spec executor.FileSpec) error {
	tmpPath := "/tmp/" + strings.ReplaceAll(strings.TrimPrefix(spec.Destination, "/"), "/", "_")

	if err := i.client.TransferIn(ctx, bytes.NewReader(spec.Content),
		fmt.Sprintf("%s:%s", i.Name, tmpPath)); err != nil {
		return err
	}

	steps := []executor.Command{
		{Binary: "chown", Arguments: []string{fmt.Sprintf("%d:%d", spec.UID, spec.GID), tmpPath}},
		{Binary: "chmod", Arguments: []string{spec.Mode, tmpPath}},
		{Binary: "mv", Arguments: []string{tmpPath, spec.Destination}},
	}
	for _, step := range steps {
		if _, err := executor.RunChecked(ctx, i, step); err != nil {
			return fmt.Errorf("failed to create file %q in VM %q: %w", spec.Destination, i.Name, err)
		}
	}
	return nil
}

// SyncTo copies a host source file/directory into the VM at
// destination. Files go through multipass transfer; directories use
// the tar pipe since transfer is not recursive.
func (i *Instance) SyncTo(ctx context.Context, source, destination string) error {
	logging.Multipass("syncing host:%s -> %s:%s", source, i.Name, destination)

	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source %q not found: %w", source, err)
	}

	if info.IsDir() {
		return setup.DirectorySyncTo(ctx, i, source, destination, true)
	}

	if _, err := executor.RunChecked(ctx, i, executor.Command{
		Binary: "mkdir", Arguments: []string{"-p", filepath.Dir(destination)},
	}); err != nil {
		return err
	}

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	return i.client.TransferIn(ctx, f, fmt.Sprintf("%s:%s", i.Name, destination))
}

// SyncFrom copies a source file/directory from the VM to the host
// destination.
func (i *Instance) SyncFrom(ctx context.Context, source, destination string) error {
	logging.Multipass("syncing %s:%s -> host:%s", i.Name, source, destination)

	isFile, err := executor.IsTargetFile(ctx, i, source)
	if err != nil {
		return err
	}
	if isFile {
		if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return err
		}
		f, err := os.Create(destination)
		if err != nil {
			return err
		}
		defer f.Close()
		return i.client.TransferOut(ctx, fmt.Sprintf("%s:%s", i.Name, source), f)
	}

	isDir, err := executor.IsTargetDirectory(ctx, i, source)
	if err != nil {
		return err
	}
	if isDir {
		return setup.DirectorySyncFrom(ctx, i, source, destination, false)
	}

	return fmt.Errorf("source %q not found in VM %q", source, i.Name)
}

// Exists checks if the instance exists.
func (i *Instance) Exists(ctx context.Context) (bool, error) {
	info, err := i.client.Info(ctx, i.Name)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// IsRunning checks if the instance is running.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	info, err := i.client.Info(ctx, i.Name)
	if err != nil {
		return false, err
	}
	return info != nil && info.State == "Running", nil
}

// IsMounted checks if the host source is mounted at destination.
func (i *Instance) IsMounted(ctx context.Context, source, destination string) (bool, error) {
	info, err := i.client.Info(ctx, i.Name)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	for mountPoint, mount := range info.Mounts {
		if mountPoint == destination && mount.SourcePath == source {
			return true, nil
		}
	}
	return false, nil
}

// Launch creates the VM from the given image.
func (i *Instance) Launch(ctx context.Context, opts LaunchOptions) error {
	opts.Name = i.Name
	return i.client.Launch(ctx, opts)
}

// Mount mounts the host source directory at destination, mapping the
// current user to root inside the VM. Already-mounted paths are left
// alone.
func (i *Instance) Mount(ctx context.Context, source, destination string) error {
	mounted, err := i.IsMounted(ctx, source, destination)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	uidMap := map[string]string{fmt.Sprintf("%d", os.Getuid()): "0"}
	gidMap := map[string]string{fmt.Sprintf("%d", os.Getgid()): "0"}
	return i.client.Mount(ctx, source,
		fmt.Sprintf("%s:%s", i.Name, destination), uidMap, gidMap)
}

// Start starts the VM.
func (i *Instance) Start(ctx context.Context) error {
	return i.client.Start(ctx, i.Name)
}

// Stop stops the VM.
func (i *Instance) Stop(ctx context.Context, delayMins int) error {
	return i.client.Stop(ctx, i.Name, delayMins)
}

// Delete deletes the VM.
func (i *Instance) Delete(ctx context.Context, purge bool) error {
	return i.client.Delete(ctx, i.Name, purge)
}
