package image

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildbox/internal/executor"
	"buildbox/internal/executor/executortest"
	"buildbox/internal/instancecfg"
)

const focalOSRelease = `NAME="Ubuntu"
ID=ubuntu
VERSION_ID="20.04"
`

// envFake simulates a focal environment. The record string is the
// instance config content, empty meaning a fresh instance. failBinary,
// when set, makes that binary exit non-zero.
func envFake(osRelease, record, failBinary string) *executortest.Fake {
	return &executortest.Fake{
		RunFunc: func(cmd executor.Command) (*executor.Result, error) {
			if cmd.Binary == failBinary {
				return executortest.Exit(100, "step failed"), nil
			}
			switch {
			case cmd.Binary == "systemctl" && cmd.Arguments[0] == "is-system-running":
				return executortest.Ok("running\n"), nil
			case cmd.Binary == "cat" && cmd.Arguments[0] == "/etc/os-release":
				if osRelease == "" {
					return executortest.Exit(1, ""), nil
				}
				return executortest.Ok(osRelease), nil
			case cmd.Binary == "cat" && cmd.Arguments[0] == instancecfg.DefaultPath:
				if record == "" {
					return executortest.Exit(1, ""), nil
				}
				return executortest.Ok(record), nil
			default:
				return executortest.Ok(""), nil
			}
		},
	}
}

func TestSetupFreshInstance(t *testing.T) {
	fake := envFake(focalOSRelease, "", "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	require.NoError(t, cfg.Setup(context.Background(), fake))

	// First thing touched is the readiness probe.
	require.NotEmpty(t, fake.Commands)
	assert.Equal(t, "systemctl", fake.Commands[0].Binary)
	assert.Equal(t, "is-system-running", fake.Commands[0].Arguments[0])

	// Hostname, networkd unit, and the final record are written.
	var destinations []string
	for _, file := range fake.Files {
		destinations = append(destinations, file.Destination)
	}
	assert.Contains(t, destinations, "/etc/hostname")
	assert.Contains(t, destinations, "/etc/systemd/network/10-eth0.network")

	// The record is the last file written; setup is only marked done
	// once everything else succeeded.
	require.NotEmpty(t, fake.Files)
	last := fake.Files[len(fake.Files)-1]
	assert.Equal(t, instancecfg.DefaultPath, last.Destination)
	assert.Contains(t, string(last.Content), DefaultCompatibilityTag)
}

func TestSetupAbortsOnFailedStep(t *testing.T) {
	fake := envFake(focalOSRelease, "", "apt-get")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	err := cfg.Setup(context.Background(), fake)
	require.Error(t, err)

	// Nothing after the failed step may run: no snapd install, and the
	// record must not be written.
	for _, cmd := range fake.Commands {
		assert.NotEqual(t, "snap", cmd.Binary, "snapd setup ran after a failed step")
	}
	for _, file := range fake.Files {
		assert.NotEqual(t, instancecfg.DefaultPath, file.Destination,
			"record written for a failed setup")
	}
}

func TestSetupRejectsWrongOS(t *testing.T) {
	osRelease := strings.ReplaceAll(focalOSRelease, "ubuntu", "debian")
	fake := envFake(osRelease, "", "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	err := cfg.Setup(context.Background(), fake)
	var compatErr *CompatibilityError
	require.ErrorAs(t, err, &compatErr)
	assert.Contains(t, compatErr.Reason, "ubuntu")
}

func TestSetupRejectsWrongVersion(t *testing.T) {
	osRelease := strings.ReplaceAll(focalOSRelease, "20.04", "18.04")
	fake := envFake(osRelease, "", "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	err := cfg.Setup(context.Background(), fake)
	var compatErr *CompatibilityError
	require.ErrorAs(t, err, &compatErr)
	assert.Contains(t, compatErr.Reason, "20.04")
}

func TestSetupRejectsForeignTag(t *testing.T) {
	fake := envFake(focalOSRelease, "compatibility_tag: buildbox-v0\n", "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	err := cfg.Setup(context.Background(), fake)
	var compatErr *CompatibilityError
	require.ErrorAs(t, err, &compatErr)
}

func TestSetupUnsupportedAlias(t *testing.T) {
	fake := envFake(focalOSRelease, "", "")
	cfg := Config{Alias: "warty", Hostname: "builder"}

	err := cfg.Setup(context.Background(), fake)
	require.Error(t, err)
	var compatErr *CompatibilityError
	assert.False(t, errors.As(err, &compatErr),
		"an unknown alias is caller error, not an incompatible instance")
}

func TestWarmupCompatibleInstance(t *testing.T) {
	record := "compatibility_tag: " + DefaultCompatibilityTag + "\n"
	fake := envFake(focalOSRelease, record, "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	require.NoError(t, cfg.Warmup(context.Background(), fake))

	// Warmup never reconfigures.
	assert.Empty(t, fake.Files)
	for _, cmd := range fake.Commands {
		assert.NotEqual(t, "apt-get", cmd.Binary)
	}
}

func TestWarmupUnconfiguredInstance(t *testing.T) {
	fake := envFake(focalOSRelease, "", "")
	cfg := Config{Alias: "focal", Hostname: "builder"}

	err := cfg.Warmup(context.Background(), fake)
	var compatErr *CompatibilityError
	require.ErrorAs(t, err, &compatErr)
	assert.Contains(t, compatErr.Reason, "never configured")
}

func TestConfigTag(t *testing.T) {
	assert.Equal(t, DefaultCompatibilityTag, Config{}.Tag())
	assert.Equal(t, "custom-v9", Config{CompatibilityTag: "custom-v9"}.Tag())
}

func TestConfigVersion(t *testing.T) {
	version, err := Config{Alias: "jammy"}.Version()
	require.NoError(t, err)
	assert.Equal(t, "22.04", version)

	_, err = Config{Alias: "warty"}.Version()
	assert.Error(t, err)
}
