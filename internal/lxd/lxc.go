// Package lxd provisions LXD containers and runs commands inside them.
// All operations shell out to the lxc and lxd command-line clients;
// instances are scoped to a dedicated project so buildbox never touches
// containers it did not create.
package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Error describes a failed lxc client operation.
type Error struct {
	// Command is the lxc invocation that failed.
	Command string

	// ExitCode is the client's exit code (-1 if it never ran).
	ExitCode int

	// Reason is a human-readable description.
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Client is a typed wrapper for the lxc command, pinned to one project
// and one remote.
type Client struct {
	// Path is the lxc binary to invoke.
	Path string

	// Project scopes every instance operation.
	Project string

	// Remote is the LXD server remote holding the instances. "local"
	// is the default daemon on this host.
	Remote string
}

// Default scoping for buildbox-managed containers.
const (
	DefaultProject = "buildbox"
	DefaultRemote  = "local"
)

// NewClient returns a client for the default project on the local
// remote, invoking "lxc" from PATH.
func NewClient() *Client {
	return &Client{Path: "lxc", Project: DefaultProject, Remote: DefaultRemote}
}

// run executes an lxc subcommand and captures its output. The project
// flag is appended to every invocation.
func (c *Client) run(ctx context.Context, args ...string) (*executor.Result, error) {
	args = append(args, "--project", c.Project)
	cmd := executor.Command{Binary: c.Path, Arguments: args}
	logging.LXD("executing on host: %s", cmd.String())

	return executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, args...)
	}, cmd)
}

// runChecked executes an lxc subcommand and converts any failure into
// *Error with the given reason.
func (c *Client) runChecked(ctx context.Context, reason string, args ...string) (*executor.Result, error) {
	result, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if result.IsError() || result.ExitCode != 0 {
		logging.LXDWarn("%s: %s", reason, result.Output())
		return result, &Error{
			Command:  result.Command.String(),
			ExitCode: result.ExitCode,
			Reason:   reason,
		}
	}
	return result, nil
}

// qualify prefixes an instance name with the client's remote.
func (c *Client) qualify(name string) string {
	return c.Remote + ":" + name
}

// LaunchOptions configure a new container.
type LaunchOptions struct {
	// Name of the container to create.
	Name string

	// Image to launch, e.g. "ubuntu:20.04".
	Image string

	// Ephemeral containers are destroyed on stop.
	Ephemeral bool

	// ConfigKeys are instance config entries applied at launch.
	ConfigKeys map[string]string
}

// Launch creates and starts a new container.
func (c *Client) Launch(ctx context.Context, opts LaunchOptions) error {
	args := []string{"launch", opts.Image, c.qualify(opts.Name)}
	if opts.Ephemeral {
		args = append(args, "--ephemeral")
	}
	for key, value := range opts.ConfigKeys {
		args = append(args, "--config", key+"="+value)
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to launch container %q", opts.Name), args...); err != nil {
		return err
	}
	return nil
}

// Delete removes a container. Force stops a running container first.
func (c *Client) Delete(ctx context.Context, name string, force bool) error {
	args := []string{"delete", c.qualify(name)}
	if force {
		args = append(args, "--force")
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to delete container %q", name), args...); err != nil {
		return err
	}
	return nil
}

// Start starts a stopped container.
func (c *Client) Start(ctx context.Context, name string) error {
	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to start container %q", name),
		"start", c.qualify(name)); err != nil {
		return err
	}
	return nil
}

// Stop stops a container.
func (c *Client) Stop(ctx context.Context, name string) error {
	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to stop container %q", name),
		"stop", c.qualify(name)); err != nil {
		return err
	}
	return nil
}

// ExecOptions adjust remote execution.
type ExecOptions struct {
	// WorkingDirectory inside the container.
	WorkingDirectory string

	// Environment entries as KEY=VALUE.
	Environment []string
}

// Exec builds an unstarted *exec.Cmd running the remote command inside
// the named container via "lxc exec".
func (c *Client) Exec(ctx context.Context, name string, remote []string, opts ExecOptions) *exec.Cmd {
	args := []string{"exec", c.qualify(name), "--project", c.Project}
	if opts.WorkingDirectory != "" {
		args = append(args, "--cwd", opts.WorkingDirectory)
	}
	for _, env := range opts.Environment {
		args = append(args, "--env", env)
	}
	args = append(args, "--")
	args = append(args, remote...)

	logging.LXDDebug("executing in container %s: %s", name, strings.Join(remote, " "))
	return exec.CommandContext(ctx, c.Path, args...)
}

// FilePushOptions adjust file transfers into a container.
type FilePushOptions struct {
	// Mode, when non-empty, is the octal file mode to set.
	Mode string

	// UID and GID set ownership when non-negative.
	UID int
	GID int

	// Recursive transfers directories.
	Recursive bool

	// CreateDirs creates missing parent directories.
	CreateDirs bool
}

// FilePush copies a host path into the container.
func (c *Client) FilePush(ctx context.Context, name, source, destination string, opts FilePushOptions) error {
	args := []string{"file", "push", source, c.qualify(name) + destination}
	if opts.Mode != "" {
		args = append(args, "--mode", opts.Mode)
	}
	if opts.UID >= 0 {
		args = append(args, "--uid", fmt.Sprintf("%d", opts.UID))
	}
	if opts.GID >= 0 {
		args = append(args, "--gid", fmt.Sprintf("%d", opts.GID))
	}
	if opts.Recursive {
		args = append(args, "--recursive")
	}
	if opts.CreateDirs {
		args = append(args, "--create-dirs")
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to push %q to container %q", source, name), args...); err != nil {
		return err
	}
	return nil
}

// FilePull copies a container path to the host.
func (c *Client) FilePull(ctx context.Context, name, source, destination string, recursive bool) error {
	args := []string{"file", "pull", c.qualify(name) + source, destination}
	if recursive {
		args = append(args, "--recursive")
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to pull %q from container %q", source, name), args...); err != nil {
		return err
	}
	return nil
}

// instanceEntry is one instance from lxc list --format json.
type instanceEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// List returns the instances in the client's project.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	result, err := c.runChecked(ctx, "failed to list containers",
		"list", c.Remote+":", "--format", "json")
	if err != nil {
		return nil, err
	}

	var entries []instanceEntry
	if err := json.Unmarshal([]byte(result.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("unable to parse container list: %w", err)
	}

	instances := make(map[string]string, len(entries))
	for _, entry := range entries {
		instances[entry.Name] = entry.Status
	}
	return instances, nil
}

// Info returns the status of one container, or empty string (no error)
// when the container does not exist.
func (c *Client) Info(ctx context.Context, name string) (string, error) {
	instances, err := c.List(ctx)
	if err != nil {
		return "", err
	}
	return instances[name], nil
}

// Publish exports a stopped container as an image with the given
// alias, usable for later launches.
func (c *Client) Publish(ctx context.Context, name, alias string) error {
	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to publish container %q", name),
		"publish", c.qualify(name), "--alias", alias); err != nil {
		return err
	}
	return nil
}

// projectEntry is one project from lxc project list --format json.
type projectEntry struct {
	Name string `json:"name"`
}

// ProjectList returns the projects on the client's remote. Project
// operations are not project-scoped, so this bypasses run().
func (c *Client) ProjectList(ctx context.Context) ([]string, error) {
	cmd := executor.Command{
		Binary:    c.Path,
		Arguments: []string{"project", "list", c.Remote + ":", "--format", "json"},
	}
	result, err := executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, cmd.Arguments...)
	}, cmd)
	if err != nil {
		return nil, err
	}
	if result.IsError() || result.ExitCode != 0 {
		return nil, &Error{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Reason:   "failed to list projects",
		}
	}

	var entries []projectEntry
	if err := json.Unmarshal([]byte(result.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("unable to parse project list: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names, nil
}

// ProjectDelete deletes an empty project.
func (c *Client) ProjectDelete(ctx context.Context, name string) error {
	cmd := executor.Command{
		Binary:    c.Path,
		Arguments: []string{"project", "delete", c.Remote + ":" + name},
	}
	result, err := executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, cmd.Arguments...)
	}, cmd)
	if err != nil {
		return err
	}
	if result.IsError() || result.ExitCode != 0 {
		logging.LXDWarn("failed to delete project %q: %s", name, result.Output())
		return &Error{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Reason:   fmt.Sprintf("failed to delete project %q", name),
		}
	}
	return nil
}

// remoteEntry is one remote from lxc remote list --format json. The
// output is an object keyed by remote name.
type remoteEntry struct {
	Addr     string `json:"Addr"`
	Protocol string `json:"Protocol"`
}

// RemoteList returns the configured image/server remotes by name.
func (c *Client) RemoteList(ctx context.Context) (map[string]string, error) {
	cmd := executor.Command{
		Binary:    c.Path,
		Arguments: []string{"remote", "list", "--format", "json"},
	}
	result, err := executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, cmd.Arguments...)
	}, cmd)
	if err != nil {
		return nil, err
	}
	if result.IsError() || result.ExitCode != 0 {
		return nil, &Error{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Reason:   "failed to list remotes",
		}
	}

	var entries map[string]remoteEntry
	if err := json.Unmarshal([]byte(result.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("unable to parse remote list: %w", err)
	}

	remotes := make(map[string]string, len(entries))
	for name, entry := range entries {
		remotes[name] = entry.Addr
	}
	return remotes, nil
}

// RemoteAdd registers an image server remote.
func (c *Client) RemoteAdd(ctx context.Context, name, addr, protocol string) error {
	args := []string{"remote", "add", name, addr}
	if protocol != "" {
		args = append(args, "--protocol", protocol)
	}
	cmd := executor.Command{Binary: c.Path, Arguments: args}

	result, err := executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, cmd.Arguments...)
	}, cmd)
	if err != nil {
		return err
	}
	if result.IsError() || result.ExitCode != 0 {
		logging.LXDWarn("failed to add remote %q: %s", name, result.Output())
		return &Error{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Reason:   fmt.Sprintf("failed to add remote %q", name),
		}
	}
	return nil
}

// ProjectCreate creates a project sharing the default project's
// profiles, so instances get the default network and storage.
func (c *Client) ProjectCreate(ctx context.Context, name string) error {
	cmd := executor.Command{
		Binary: c.Path,
		Arguments: []string{"project", "create", c.Remote + ":" + name,
			"--config", "features.profiles=false"},
	}
	result, err := executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, cmd.Arguments...)
	}, cmd)
	if err != nil {
		return err
	}
	if result.IsError() || result.ExitCode != 0 {
		logging.LXDWarn("failed to create project %q: %s", name, result.Output())
		return &Error{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Reason:   fmt.Sprintf("failed to create project %q", name),
		}
	}
	return nil
}
