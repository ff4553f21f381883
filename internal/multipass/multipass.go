// Package multipass provisions Multipass virtual machines and runs
// commands inside them. It wraps the multipass command-line client;
// there is no daemon API in use, every operation shells out.
package multipass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// Error describes a failed multipass client operation.
type Error struct {
	// Command is the multipass invocation that failed.
	Command string

	// ExitCode is the client's exit code (-1 if it never ran).
	ExitCode int

	// Reason is a human-readable description.
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Client is a typed wrapper for the multipass command.
type Client struct {
	// Path is the multipass binary to invoke. Defaults to "multipass"
	// resolved through PATH.
	Path string
}

// NewClient returns a client invoking "multipass" from PATH.
func NewClient() *Client {
	return &Client{Path: "multipass"}
}

// NewClientWithPath returns a client invoking the given binary.
func NewClientWithPath(path string) *Client {
	return &Client{Path: path}
}

// run executes a multipass subcommand and captures its output.
func (c *Client) run(ctx context.Context, args ...string) (*executor.Result, error) {
	cmd := executor.Command{Binary: c.Path, Arguments: args}
	logging.Multipass("executing on host: %s", cmd.String())

	return executor.Capture(ctx, func(execCtx context.Context) *exec.Cmd {
		return exec.CommandContext(execCtx, c.Path, args...)
	}, cmd)
}

// runChecked executes a multipass subcommand and converts any failure
// into *Error with the given reason.
func (c *Client) runChecked(ctx context.Context, reason string, args ...string) (*executor.Result, error) {
	result, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if result.IsError() || result.ExitCode != 0 {
		logging.MultipassWarn("%s: %s", reason, result.Output())
		return result, &Error{
			Command:  result.Command.String(),
			ExitCode: result.ExitCode,
			Reason:   reason,
		}
	}
	return result, nil
}

// LaunchOptions configure a new VM.
type LaunchOptions struct {
	// Name of the instance to create.
	Name string

	// Image to create the instance with, e.g. "snapcraft:core20" or
	// "20.04".
	Image string

	// CPUs is the number of virtual CPUs (0 = multipass default).
	CPUs int

	// MemGB is the RAM allocation in gigabytes (0 = default).
	MemGB int

	// DiskGB is the disk allocation in gigabytes (0 = default).
	DiskGB int
}

// Launch creates and starts a new VM.
func (c *Client) Launch(ctx context.Context, opts LaunchOptions) error {
	args := []string{"launch", opts.Image, "--name", opts.Name}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", opts.CPUs))
	}
	if opts.MemGB > 0 {
		args = append(args, "--mem", fmt.Sprintf("%dG", opts.MemGB))
	}
	if opts.DiskGB > 0 {
		args = append(args, "--disk", fmt.Sprintf("%dG", opts.DiskGB))
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to launch VM %q", opts.Name), args...); err != nil {
		return err
	}
	return nil
}

// Delete removes an instance, purging its image when purge is set.
func (c *Client) Delete(ctx context.Context, name string, purge bool) error {
	args := []string{"delete", name}
	if purge {
		args = append(args, "--purge")
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to delete VM %q", name), args...); err != nil {
		return err
	}
	return nil
}

// Start starts a stopped instance.
func (c *Client) Start(ctx context.Context, name string) error {
	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to start VM %q", name), "start", name); err != nil {
		return err
	}
	return nil
}

// Stop stops an instance, optionally delaying shutdown by delayMins.
func (c *Client) Stop(ctx context.Context, name string, delayMins int) error {
	args := []string{"stop"}
	if delayMins > 0 {
		args = append(args, "--time", fmt.Sprintf("%d", delayMins))
	}
	args = append(args, name)

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to stop VM %q", name), args...); err != nil {
		return err
	}
	return nil
}

// InstanceInfo is the parsed state of one instance from multipass info.
type InstanceInfo struct {
	State  string               `json:"state"`
	Mounts map[string]MountInfo `json:"mounts"`
}

// MountInfo describes one mount entry reported by multipass info.
type MountInfo struct {
	SourcePath string `json:"source_path"`
}

// infoOutput is the envelope of multipass info --format json.
type infoOutput struct {
	Info map[string]InstanceInfo `json:"info"`
}

// Info queries configuration and state for an instance. Returns nil
// (no error) if the instance does not exist.
func (c *Client) Info(ctx context.Context, name string) (*InstanceInfo, error) {
	result, err := c.run(ctx, "info", name, "--format", "json")
	if err != nil {
		return nil, err
	}
	if result.IsError() || result.ExitCode != 0 {
		if strings.Contains(result.Output(), "does not exist") {
			return nil, nil
		}
		return nil, &Error{
			Command:  result.Command.String(),
			ExitCode: result.ExitCode,
			Reason:   fmt.Sprintf("failed to query info for VM %q", name),
		}
	}

	var parsed infoOutput
	if err := json.Unmarshal([]byte(result.Stdout), &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse VM info for %q: %w", name, err)
	}

	info, ok := parsed.Info[name]
	if !ok {
		return nil, fmt.Errorf("unable to parse VM info for %q: instance missing from output", name)
	}
	return &info, nil
}

// Exec builds an unstarted *exec.Cmd running the remote command inside
// the named instance via "multipass exec <name> --".
func (c *Client) Exec(ctx context.Context, name string, remote []string) *exec.Cmd {
	args := append([]string{"exec", name, "--"}, remote...)
	logging.MultipassDebug("executing in VM %s: %s", name, strings.Join(remote, " "))
	return exec.CommandContext(ctx, c.Path, args...)
}

// Mount mounts a host source directory into the instance. uidMap and
// gidMap translate host IDs to instance IDs.
func (c *Client) Mount(ctx context.Context, source, target string, uidMap, gidMap map[string]string) error {
	args := []string{"mount", source, target}
	for hostID, instanceID := range uidMap {
		args = append(args, "--uid-map", fmt.Sprintf("%s:%s", hostID, instanceID))
	}
	for hostID, instanceID := range gidMap {
		args = append(args, "--gid-map", fmt.Sprintf("%s:%s", hostID, instanceID))
	}

	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to mount %q to %q", source, target), args...); err != nil {
		return err
	}
	return nil
}

// Umount unmounts a mount point given as "<instance>:<path>".
func (c *Client) Umount(ctx context.Context, mount string) error {
	if _, err := c.runChecked(ctx,
		fmt.Sprintf("failed to unmount %q", mount), "umount", mount); err != nil {
		return err
	}
	return nil
}

// TransferIn streams source into the instance path given as
// "<instance>:<path>" using "multipass transfer - <dest>".
func (c *Client) TransferIn(ctx context.Context, source io.Reader, destination string) error {
	cmd := exec.CommandContext(ctx, c.Path, "transfer", "-", destination)
	cmd.Stdin = source

	if out, err := cmd.CombinedOutput(); err != nil {
		logging.MultipassWarn("transfer to %s failed: %s", destination, string(out))
		return &Error{
			Command:  fmt.Sprintf("%s transfer - %s", c.Path, destination),
			ExitCode: exitCode(cmd),
			Reason:   fmt.Sprintf("failed to transfer to %q", destination),
		}
	}
	logging.MultipassDebug("finished streaming to %s", destination)
	return nil
}

// TransferOut streams the instance path given as "<instance>:<path>"
// to destination using "multipass transfer <src> -".
func (c *Client) TransferOut(ctx context.Context, source string, destination io.Writer) error {
	cmd := exec.CommandContext(ctx, c.Path, "transfer", source, "-")
	cmd.Stdout = destination

	if err := cmd.Run(); err != nil {
		return &Error{
			Command:  fmt.Sprintf("%s transfer %s -", c.Path, source),
			ExitCode: exitCode(cmd),
			Reason:   fmt.Sprintf("failed to transfer from %q", source),
		}
	}
	logging.MultipassDebug("finished streaming from %s", source)
	return nil
}

// exitCode reports the process exit code, or -1 if it never ran.
func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// Version returns the client and daemon versions reported by
// "multipass version". The daemon version is empty if multipassd is
// not yet answering.
func (c *Client) Version(ctx context.Context) (client string, daemon string, err error) {
	result, err := c.run(ctx, "version")
	if err != nil {
		return "", "", err
	}
	if result.IsError() {
		return "", "", result.Err()
	}

	// Output looks like: "multipass 1.5.0\nmultipassd 1.5.0\n";
	// multipassd may be absent while the daemon is starting.
	fields := strings.Fields(result.Stdout)
	for i := 0; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "multipass":
			client = fields[i+1]
		case "multipassd":
			daemon = fields[i+1]
		}
	}
	if client == "" {
		return "", "", fmt.Errorf("unable to parse version output %q", result.Stdout)
	}
	return client, daemon, nil
}
