package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"buildbox/internal/audit"
	"buildbox/internal/executor"
	"buildbox/internal/host"
	"buildbox/internal/image"
	"buildbox/internal/lxd"
	"buildbox/internal/multipass"
	"buildbox/internal/prompt"
)

var (
	// launch flags
	launchImage string
	launchCPUs  int
	launchMem   int
	launchDisk  int

	// exec flags
	execEnv     []string
	execWorkdir string
	execTimeout time.Duration

	// delete flags
	deleteYes bool

	// sessions flags
	sessionID string
)

// imageConfig builds the image configuration for an instance.
func imageConfig(alias, name string) image.Config {
	return image.Config{
		Alias:    alias,
		Hostname: host.Hostname(name),
	}
}

// defaultInstanceName derives an instance name from the image alias.
func defaultInstanceName(alias string) string {
	return "buildbox-" + alias
}

// resolveInstance returns an executor for an existing instance of the
// selected provider. The host provider always resolves.
func resolveInstance(ctx context.Context, name string) (executor.Executor, error) {
	switch cfg.Provider {
	case "lxd":
		instance := lxd.NewInstance(name)
		exists, err := instance.Exists(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("container %q does not exist, launch it first", name)
		}
		return instance, nil
	case "multipass":
		instance := multipass.NewInstance(name)
		exists, err := instance.Exists(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("VM %q does not exist, launch it first", name)
		}
		return instance, nil
	case "host":
		return host.NewExecutor(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// audited wraps an executor with the audit trail. The store stays open
// until the command finishes; the returned closer must be called.
func audited(ex executor.Executor, name string) (executor.Executor, func(), error) {
	store, err := openAuditStore()
	if err != nil {
		return nil, nil, err
	}
	wrapped := audit.Wrap(ex, store, cfg.Provider, name)
	return wrapped, func() { _ = store.Close() }, nil
}

var launchCmd = &cobra.Command{
	Use:   "launch [name]",
	Short: "Launch and configure a build environment",
	Long: `Launches a new build environment, or reuses an existing compatible
one. Freshly launched environments go through the full configuration
sequence; environments configured by an incompatible buildbox version
are deleted and recreated when auto_clean is enabled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		alias := launchImage
		if alias == "" {
			alias = cfg.Instance.Image
		}
		name := defaultInstanceName(alias)
		if len(args) > 0 {
			name = args[0]
		}
		img := imageConfig(alias, name)

		switch cfg.Provider {
		case "lxd":
			p := lxd.NewProvider()
			p.AutoClean = cfg.Instance.AutoClean
			if err := p.EnsureReady(ctx); err != nil {
				return err
			}
			if _, err := p.CreateInstance(ctx, lxd.InstanceOptions{
				Name:  name,
				Image: img,
			}); err != nil {
				return err
			}
		case "multipass":
			p := multipass.NewProvider()
			p.AutoClean = cfg.Instance.AutoClean
			if err := p.EnsureReady(ctx); err != nil {
				return err
			}
			cpus, mem, disk := cfg.Instance.CPUs, cfg.Instance.MemGB, cfg.Instance.DiskGB
			if launchCPUs > 0 {
				cpus = launchCPUs
			}
			if launchMem > 0 {
				mem = launchMem
			}
			if launchDisk > 0 {
				disk = launchDisk
			}
			if _, err := p.CreateInstance(ctx, multipass.InstanceOptions{
				Name:   name,
				Image:  img,
				CPUs:   cpus,
				MemGB:  mem,
				DiskGB: disk,
			}); err != nil {
				return err
			}
		case "host":
			fmt.Println("host provider needs no launch; exec runs directly on this machine")
			return nil
		default:
			return fmt.Errorf("unknown provider %q", cfg.Provider)
		}

		logger.Info("environment ready",
			zap.String("name", name), zap.String("provider", cfg.Provider))
		fmt.Printf("Environment %q is ready.\n", name)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <name> -- <command> [args...]",
	Short: "Run a command inside a build environment",
	Long: `Runs a command inside an existing environment and mirrors its exit
code. Infrastructure failures (environment unreachable, command killed
by timeout) exit non-zero with an error message.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]
		remote := args[1:]

		ex, err := resolveInstance(ctx, name)
		if err != nil {
			return err
		}
		ex, closeStore, err := audited(ex, name)
		if err != nil {
			return err
		}
		defer closeStore()

		result, err := ex.Run(ctx, executor.Command{
			Binary:           remote[0],
			Arguments:        remote[1:],
			Environment:      execEnv,
			WorkingDirectory: execWorkdir,
			Timeout:          execTimeout,
		})
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stdout, result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)

		if err := result.Err(); err != nil {
			if result.ExitCode > 0 {
				return &exitCodeError{code: result.ExitCode}
			}
			return err
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a build environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]

		switch cfg.Provider {
		case "lxd":
			return lxd.NewInstance(name).Stop(ctx)
		case "multipass":
			return multipass.NewInstance(name).Stop(ctx, 0)
		case "host":
			return fmt.Errorf("host provider has nothing to stop")
		default:
			return fmt.Errorf("unknown provider %q", cfg.Provider)
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a build environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]

		if !deleteYes {
			ok, err := prompt.Confirm(os.Stdin, os.Stdout,
				fmt.Sprintf("Delete environment %q?", name), false)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		switch cfg.Provider {
		case "lxd":
			return lxd.NewInstance(name).Delete(ctx)
		case "multipass":
			return multipass.NewInstance(name).Delete(ctx, true)
		case "host":
			return fmt.Errorf("host provider has nothing to delete")
		default:
			return fmt.Errorf("unknown provider %q", cfg.Provider)
		}
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <name> <source> <destination>",
	Short: "Copy a host file or directory into an environment",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ex, err := resolveInstance(ctx, args[0])
		if err != nil {
			return err
		}
		return ex.SyncTo(ctx, args[1], args[2])
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <name> <source> <destination>",
	Short: "Copy a file or directory from an environment to the host",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ex, err := resolveInstance(ctx, args[0])
		if err != nil {
			return err
		}
		return ex.SyncFrom(ctx, args[1], args[2])
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and prepare the selected provider",
	Long: `Installs the provider's tooling if missing and waits until its
daemon is ready to serve requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		switch cfg.Provider {
		case "lxd":
			if err := lxd.NewProvider().EnsureReady(ctx); err != nil {
				return err
			}
		case "multipass":
			if err := multipass.NewProvider().EnsureReady(ctx); err != nil {
				return err
			}
		case "host":
			fmt.Println("host provider needs no installation")
			return nil
		default:
			return fmt.Errorf("unknown provider %q", cfg.Provider)
		}

		fmt.Printf("Provider %q is ready.\n", cfg.Provider)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the command audit trail",
	Long: `Lists recorded sessions, or with --session, the commands recorded
for one session in execution order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if sessionID == "" {
			sessions, err := store.Sessions()
			if err != nil {
				return err
			}
			for _, id := range sessions {
				fmt.Println(id)
			}
			return nil
		}

		events, err := store.BySession(sessionID)
		if err != nil {
			return err
		}
		for _, event := range events {
			fmt.Printf("%s  %-9s %-20s exit=%-3d %8s  %s\n",
				event.StartedAt.Local().Format("2006-01-02 15:04:05"),
				event.Backend, event.Instance, event.ExitCode,
				event.Duration.Round(time.Millisecond), event.CommandLine)
		}
		return nil
	},
}

func init() {
	launchCmd.Flags().StringVar(&launchImage, "image", "",
		"image alias, e.g. focal (defaults to config)")
	launchCmd.Flags().IntVar(&launchCPUs, "cpus", 0,
		"virtual CPUs for VM-backed environments")
	launchCmd.Flags().IntVar(&launchMem, "mem", 0,
		"memory in GB for VM-backed environments")
	launchCmd.Flags().IntVar(&launchDisk, "disk", 0,
		"disk in GB for VM-backed environments")

	execCmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil,
		"environment variables as KEY=VALUE")
	execCmd.Flags().StringVarP(&execWorkdir, "workdir", "w", "",
		"working directory inside the environment")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0,
		"command timeout (0 = default)")

	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false,
		"delete without confirmation")

	sessionsCmd.Flags().StringVar(&sessionID, "session", "",
		"show the commands recorded for this session")
}
