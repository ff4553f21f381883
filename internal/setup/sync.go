package setup

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"buildbox/internal/executor"
	"buildbox/internal/logging"
)

// DirectorySyncTo copies a host directory into the environment at
// destination using a tar pipe: host tar writes the archive to stdout,
// the environment's tar unpacks it from stdin. This relies only on the
// Executor interface, so it works for every backend. When delete is
// set, an existing destination is removed first.
func DirectorySyncTo(ctx context.Context, ex executor.Executor, source, destination string, delete bool) error {
	logging.Setup("directory sync host:%s -> env:%s", source, destination)

	if delete {
		if _, err := executor.RunChecked(ctx, ex, executor.Command{
			Binary: "rm", Arguments: []string{"-rf", destination},
		}); err != nil {
			return err
		}
	}

	if _, err := executor.RunChecked(ctx, ex, executor.Command{
		Binary: "mkdir", Arguments: []string{"-p", destination},
	}); err != nil {
		return err
	}

	archive := exec.CommandContext(ctx, "tar", "cpf", "-", "-C", source, ".")
	unpack := ex.Exec(ctx, executor.Command{
		Binary:    "tar",
		Arguments: []string{"xpf", "-", "-C", destination},
	})

	pipe, err := archive.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create archive pipe: %w", err)
	}
	unpack.Stdin = pipe
	unpack.Stderr = os.Stderr

	if err := archive.Start(); err != nil {
		return fmt.Errorf("failed to start host tar: %w", err)
	}
	if err := unpack.Start(); err != nil {
		_ = archive.Process.Kill()
		_ = archive.Wait()
		return fmt.Errorf("failed to start environment tar: %w", err)
	}

	unpackErr := unpack.Wait()
	archiveErr := archive.Wait()
	if archiveErr != nil {
		return fmt.Errorf("host tar failed for %q: %w", source, archiveErr)
	}
	if unpackErr != nil {
		return fmt.Errorf("environment tar failed for %q: %w", destination, unpackErr)
	}
	return nil
}

// DirectorySyncFrom copies a directory from the environment to the
// host destination using the reverse tar pipe. When delete is set, an
// existing host destination is removed first.
func DirectorySyncFrom(ctx context.Context, ex executor.Executor, source, destination string, delete bool) error {
	logging.Setup("directory sync env:%s -> host:%s", source, destination)

	if delete {
		if err := os.RemoveAll(destination); err != nil {
			return fmt.Errorf("failed to remove %q: %w", destination, err)
		}
	}
	if err := os.MkdirAll(destination, 0755); err != nil {
		return fmt.Errorf("failed to create %q: %w", destination, err)
	}

	archive := ex.Exec(ctx, executor.Command{
		Binary:    "tar",
		Arguments: []string{"cpf", "-", "-C", source, "."},
	})
	unpack := exec.CommandContext(ctx, "tar", "xpf", "-", "-C", destination)

	pipe, err := archive.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create archive pipe: %w", err)
	}
	unpack.Stdin = pipe
	unpack.Stderr = os.Stderr

	if err := archive.Start(); err != nil {
		return fmt.Errorf("failed to start environment tar: %w", err)
	}
	if err := unpack.Start(); err != nil {
		_ = archive.Process.Kill()
		_ = archive.Wait()
		return fmt.Errorf("failed to start host tar: %w", err)
	}

	unpackErr := unpack.Wait()
	archiveErr := archive.Wait()
	if archiveErr != nil {
		return fmt.Errorf("environment tar failed for %q: %w", source, archiveErr)
	}
	if unpackErr != nil {
		return fmt.Errorf("host tar failed for %q: %w", destination, unpackErr)
	}
	return nil
}
