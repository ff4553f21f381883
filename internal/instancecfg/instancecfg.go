// Package instancecfg reads and writes the per-instance record that
// marks an environment as configured. Providers use it to recognize
// instances prepared by an incompatible buildbox version so they can
// be cleaned instead of reused.
package instancecfg

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"buildbox/internal/executor"
)

// DefaultPath is where the record lives inside an instance.
const DefaultPath = "/etc/craft-image.conf"

// Config is the instance record.
type Config struct {
	// CompatibilityTag identifies the setup procedure that prepared the
	// instance. A mismatch means the instance layout may not be what
	// the current code expects.
	CompatibilityTag string `yaml:"compatibility_tag"`

	// SetupAt is when setup last completed.
	SetupAt time.Time `yaml:"setup_at"`
}

// Load reads the record from the environment. Returns nil (no error)
// when the record does not exist, which is the case for freshly
// launched instances.
func Load(ctx context.Context, ex executor.Executor) (*Config, error) {
	result, err := ex.Run(ctx, executor.Command{
		Binary: "cat", Arguments: []string{DefaultPath},
	})
	if err != nil {
		return nil, err
	}
	if result.IsError() {
		return nil, result.Err()
	}
	if result.ExitCode != 0 {
		return nil, nil
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(result.Stdout), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse instance config: %w", err)
	}
	return &cfg, nil
}

// Save writes the record into the environment.
func Save(ctx context.Context, ex executor.Executor, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize instance config: %w", err)
	}

	return ex.CreateFile(ctx, executor.FileSpec{
		Destination: DefaultPath,
		Content:     data,
		Mode:        "0644",
	})
}
