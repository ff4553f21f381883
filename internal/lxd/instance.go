package lxd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Instance is an LXD container implementing executor.Executor.
// Commands run as root, which is the default for lxc exec.
type Instance struct {
	// Name of the container.
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

// Exec builds an unstarted *exec.Cmd running cmd inside the container.
func (i *Instance) Exec(ctx context.Context, cmd executor.Command) *exec.Cmd {
	cmd = i.config.Merge(cmd)
	remote := append([]string{cmd.Binary}, cmd.Arguments...)
	return i.client.Exec(ctx, i.Name, remote, ExecOptions{
		WorkingDirectory: cmd.WorkingDirectory,
		Environment:      cmd.Environment,
	})
}

// Run executes cmd inside the container and captures the outcome.
func (i *Instance) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}
	cmd = i.config.Merge(cmd)

	return executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return i.Exec(execCtx, cmd)
	}, cmd)
}

// CreateFile creates a file in the container with content, mode, and
// ownership. lxc file push applies all three directly.
func (i *Instance) CreateFile(ctx context.Context, spec executor.FileSpec) error {
	tmp, err := os.CreateTemp("", "buildbox-file-")
	if err != nil {
		return fmt.Errorf("failed to stage file content: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(spec.Content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage file content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage file content: %w", err)
	}

	return i.client.FilePush(ctx, i.Name, tmpPath, spec.Destination, FilePushOptions{
		Mode:       spec.Mode,
		UID:        spec.UID,
		GID:        spec.GID,
		CreateDirs: true,
	})
}

// SyncTo copies a host source file/directory into the container at
// destination.
func (i *Instance) SyncTo(ctx context.Context, source, destination string) error {
	logging.LXD("syncing host:%s -> %s:%s", source, i.Name, destination)

	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source %q not found: %w", source, err)
	}

	if info.IsDir() {
		// lxc file push --recursive nests the source under the target,
		// so push into the parent after clearing the destination.
		if _, err := executor.RunChecked(ctx, i, executor.Command{
			Binary: "rm", Arguments: []string{"-rf", destination},
		}); err != nil {
			return err
		}
		if _, err := executor.RunChecked(ctx, i, executor.Command{
			Binary: "mkdir", Arguments: []string{"-p", filepath.Dir(destination)},
		}); err != nil {
			return err
		}
		if err := i.client.FilePush(ctx, i.Name, source, filepath.Dir(destination)+"/", FilePushOptions{
			UID: -1, GID: -1, Recursive: true,
		}); err != nil {
			return err
		}
		pushed := filepath.Join(filepath.Dir(destination), filepath.Base(source))
		if pushed == destination {
			return nil
		}
		_, err := executor.RunChecked(ctx, i, executor.Command{
			Binary: "mv", Arguments: []string{pushed, destination},
		})
		return err
	}

	return i.client.FilePush(ctx, i.Name, source, destination, FilePushOptions{
		UID: -1, GID: -1, CreateDirs: true,
	})
}

// SyncFrom copies a source file/directory from the container to the
// host destination.
func (i *Instance) SyncFrom(ctx context.Context, source, destination string) error {
	logging.LXD("syncing %s:%s -> host:%s", i.Name, source, destination)

	isFile, err := executor.IsTargetFile(ctx, i, source)
	if err != nil {
		return err
	}
	if isFile {
		if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return err
		}
		return i.client.FilePull(ctx, i.Name, source, destination, false)
	}

	isDir, err := executor.IsTargetDirectory(ctx, i, source)
	if err != nil {
		return err
	}
	if isDir {
		// lxc file pull --recursive nests the source under the target,
		// so pull into the parent and rename.
		if err := os.RemoveAll(destination); err != nil {
			return fmt.Errorf("failed to remove %q: %w", destination, err)
		}
		parent := filepath.Dir(destination)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return err
		}
		if err := i.client.FilePull(ctx, i.Name, source, parent, true); err != nil {
			return err
		}
		pulled := filepath.Join(parent, filepath.Base(source))
		if pulled == destination {
			return nil
		}
		return os.Rename(pulled, destination)
	}

	return fmt.Errorf("source %q not found in container %q", source, i.Name)
}

// Exists checks if the container exists.
func (i *Instance) Exists(ctx context.Context) (bool, error) {
	status, err := i.client.Info(ctx, i.Name)
	if err != nil {
		return false, err
	}
	return status != "", nil
}

// IsRunning checks if the container is running.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	status, err := i.client.Info(ctx, i.Name)
	if err != nil {
		return false, err
	}
	return status == "Running", nil
}

// Launch creates the container from the given image.
func (i *Instance) Launch(ctx context.Context, opts LaunchOptions) error {
	opts.Name = i.Name
	return i.client.Launch(ctx, opts)
}

// Start starts the container.
func (i *Instance) Start(ctx context.Context) error {
	return i.client.Start(ctx, i.Name)
}

// Stop stops the container.
func (i *Instance) Stop(ctx context.Context) error {
	return i.client.Stop(ctx, i.Name)
}

// Delete deletes the container, stopping it first if needed.
func (i *Instance) Delete(ctx context.Context) error {
	return i.client.Delete(ctx, i.Name, true)
}
