package multipass

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildbox/internal/executor"
)

// stubClient builds a client backed by a shell script standing in for
// the multipass binary. The script can record its arguments in the
// "args" file next to itself.
func stubClient(t *testing.T, script string) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "multipass")
	content := "#!/bin/sh\n" + script + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return NewClientWithPath(path), dir
}

func recordedArgs(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestVersion(t *testing.T) {
	client, _ := stubClient(t, `echo "multipass 1.8.1"
echo "multipassd 1.8.1"`)

	clientVersion, daemonVersion, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.8.1", clientVersion)
	assert.Equal(t, "1.8.1", daemonVersion)
}

func TestVersionDaemonNotUp(t *testing.T) {
	client, _ := stubClient(t, `echo "multipass 1.8.1"`)

	clientVersion, daemonVersion, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.8.1", clientVersion)
	assert.Empty(t, daemonVersion)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in           string
		major, minor int
		wantErr      bool
	}{
		{"1.5.0", 1, 5, false},
		{"1.8.1+mac", 1, 8, false},
		{"2.0", 2, 0, false},
		{"garbage", 0, 0, true},
		{"1", 0, 0, true},
	}
	for _, tc := range tests {
		major, minor, err := parseVersion(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.major, major, tc.in)
		assert.Equal(t, tc.minor, minor, tc.in)
	}
}

func TestEnsureSupportedVersion(t *testing.T) {
	old, _ := stubClient(t, `echo "multipass 1.4.2"`)
	err := EnsureSupportedVersion(context.Background(), old)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1.4.2")

	supported, _ := stubClient(t, `echo "multipass 1.5.0"`)
	assert.NoError(t, EnsureSupportedVersion(context.Background(), supported))
}

func TestInfoMissingInstance(t *testing.T) {
	client, _ := stubClient(t, `echo 'info failed: The following errors occurred:
instance "box" does not exist' >&2
exit 1`)

	info, err := client.Info(context.Background(), "box")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestInfoParses(t *testing.T) {
	client, _ := stubClient(t, `cat <<'EOF'
{"errors":[],"info":{"box":{"state":"Running","mounts":{"/root/project":{"source_path":"/home/user/project"}}}}}
EOF`)

	info, err := client.Info(context.Background(), "box")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Running", info.State)
	require.Contains(t, info.Mounts, "/root/project")
	assert.Equal(t, "/home/user/project", info.Mounts["/root/project"].SourcePath)
}

func TestInfoFailure(t *testing.T) {
	client, _ := stubClient(t, `echo "cannot connect to the multipass socket" >&2
exit 1`)

	_, err := client.Info(context.Background(), "box")
	var mpErr *Error
	require.ErrorAs(t, err, &mpErr)
	assert.Equal(t, 1, mpErr.ExitCode)
}

func TestLaunchArgs(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"`)

	err := client.Launch(context.Background(), LaunchOptions{
		Name:   "box",
		Image:  "20.04",
		CPUs:   2,
		MemGB:  4,
		DiskGB: 64,
	})
	require.NoError(t, err)

	args := recordedArgs(t, dir)
	assert.Equal(t, "launch 20.04 --name box --cpus 2 --mem 4G --disk 64G", args)
}

func TestLaunchFailure(t *testing.T) {
	client, _ := stubClient(t, `echo "launch failed" >&2
exit 2`)

	err := client.Launch(context.Background(), LaunchOptions{Name: "box", Image: "20.04"})
	var mpErr *Error
	require.ErrorAs(t, err, &mpErr)
	assert.Contains(t, mpErr.Reason, "box")
	assert.Equal(t, 2, mpErr.ExitCode)
}

func TestStopWithDelay(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"`)

	require.NoError(t, client.Stop(context.Background(), "box", 10))
	assert.Equal(t, "stop --time 10 box", recordedArgs(t, dir))
}

func TestDeletePurge(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"`)

	require.NoError(t, client.Delete(context.Background(), "box", true))
	assert.Equal(t, "delete box --purge", recordedArgs(t, dir))
}

func TestMountArgs(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"`)

	err := client.Mount(context.Background(), "/home/user/project", "box:/root/project",
		map[string]string{"1000": "0"}, map[string]string{"1000": "0"})
	require.NoError(t, err)
	assert.Equal(t,
		"mount /home/user/project box:/root/project --uid-map 1000:0 --gid-map 1000:0",
		recordedArgs(t, dir))
}

func TestUmountArgs(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"`)

	require.NoError(t, client.Umount(context.Background(), "box:/root/project"))
	assert.Equal(t, "umount box:/root/project", recordedArgs(t, dir))
}

func TestUmountFailure(t *testing.T) {
	client, _ := stubClient(t, `echo "path is not mounted" >&2
exit 1`)

	err := client.Umount(context.Background(), "box:/root/project")
	var mpErr *Error
	require.ErrorAs(t, err, &mpErr)
	assert.Contains(t, mpErr.Reason, "box:/root/project")
}

func TestRemoteCommand(t *testing.T) {
	instance := NewInstance("box")

	remote := instance.remoteCommand(executor.Command{
		Binary:    "apt-get",
		Arguments: []string{"update"},
	})
	assert.Equal(t, []string{"sudo", "-H", "--", "apt-get", "update"}, remote)

	withEnv := instance.remoteCommand(executor.Command{
		Binary:      "env",
		Environment: []string{"FOO=bar"},
	})
	assert.Equal(t, []string{"sudo", "-H", "--", "env", "FOO=bar", "env"}, withEnv)
}

func TestInstanceRunRejectsWorkingDirectory(t *testing.T) {
	instance := NewInstance("box")
	_, err := instance.Run(context.Background(), executor.Command{
		Binary:           "ls",
		WorkingDirectory: "/root",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working directory")
}

func TestInstanceRunThroughClient(t *testing.T) {
	client, dir := stubClient(t, `echo "$@" > "$(dirname "$0")/args"
echo "remote output"`)
	instance := NewInstanceWithClient("box", client)

	result, err := instance.Run(context.Background(), executor.Command{
		Binary: "echo", Arguments: []string{"hi"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "remote output\n", result.Stdout)
	assert.Equal(t, "exec box -- sudo -H -- echo hi", recordedArgs(t, dir))
}
