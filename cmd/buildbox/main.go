package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"buildbox/internal/audit"
	"buildbox/internal/config"
	"buildbox/internal/logging"
)

var (
	// Global flags
	verbose      bool
	providerName string

	// Loaded at startup
	cfg      config.Config
	stateDir string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "buildbox",
	Short: "buildbox - isolated build environments",
	Long: `buildbox provisions isolated build environments backed by LXD
containers, Multipass virtual machines, or the bare host, and runs
commands inside them through one uniform surface.

Environments are configured with a fixed, ordered sequence of steps;
a failure in any step marks the environment unusable. Instances left
behind by incompatible versions are detected and recreated.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		stateDir, err = config.StateDir()
		if err != nil {
			return err
		}
		cfg, err = config.Load(stateDir)
		if err != nil {
			return err
		}
		if providerName != "" {
			cfg.Provider = providerName
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		if err := logging.Initialize(stateDir); err != nil {
			logger.Warn("debug logging unavailable", zap.Error(err))
		}
		logging.Boot("buildbox starting (provider=%s)", cfg.Provider)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// exitCodeError carries a remote command's exit code to main.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

// openAuditStore opens the audit trail database in the state directory.
func openAuditStore() (*audit.Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return audit.Open(filepath.Join(stateDir, "audit.db"))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "",
		"provider backend: lxd, multipass, or host (overrides config)")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
