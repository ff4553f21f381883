// Package config holds the buildbox user configuration: which provider
// backs build environments, how instances are sized, and how logging
// behaves. Configuration lives as YAML in the state directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all buildbox configuration.
type Config struct {
	// Provider selects the backend: "lxd", "multipass", or "host".
	Provider string `yaml:"provider"`

	// Instance defaults for new environments.
	Instance InstanceConfig `yaml:"instance"`

	// Logging controls the debug log output.
	Logging LoggingConfig `yaml:"logging"`
}

// InstanceConfig sizes new environments.
type InstanceConfig struct {
	// Image is the Ubuntu release alias, e.g. "focal".
	Image string `yaml:"image"`

	// CPUs, MemGB, DiskGB size VM-backed environments (ignored by the
	// lxd and host backends; 0 = provider default).
	CPUs   int `yaml:"cpus"`
	MemGB  int `yaml:"mem_gb"`
	DiskGB int `yaml:"disk_gb"`

	// AutoClean allows providers to delete and relaunch incompatible
	// instances instead of failing.
	AutoClean bool `yaml:"auto_clean"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	// DebugMode enables file logging. Off by default.
	DebugMode bool `yaml:"debug_mode"`

	// Categories enables/disables individual log categories. Absent
	// categories default to enabled.
	Categories map[string]bool `yaml:"categories,omitempty"`

	// Level is the minimum level written: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Provider: "lxd",
		Instance: InstanceConfig{
			Image:     "focal",
			AutoClean: true,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// StateDir returns the buildbox state directory, honoring
// BUILDBOX_STATE_DIR for tests and non-standard setups.
func StateDir() (string, error) {
	if dir := os.Getenv("BUILDBOX_STATE_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".buildbox"), nil
}

// Path returns the config file location inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "config.yaml")
}

// Load reads the configuration from stateDir, falling back to defaults
// when no config file exists. Unknown keys are ignored; missing keys
// keep their defaults.
func Load(stateDir string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the configuration to stateDir, creating it if needed.
func Save(stateDir string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(Path(stateDir), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	switch c.Provider {
	case "lxd", "multipass", "host":
	default:
		return fmt.Errorf("unknown provider %q (expected lxd, multipass, or host)", c.Provider)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	if c.Instance.CPUs < 0 || c.Instance.MemGB < 0 || c.Instance.DiskGB < 0 {
		return fmt.Errorf("instance sizes must not be negative")
	}
	return nil
}
