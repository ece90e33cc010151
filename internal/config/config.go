// Package config reads the optional strata.toml configuration used by the
// CLI and by embedders that prefer file-based setup over code.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level TOML document.
type Config struct {
	Engine EngineConfig `toml:"engine"`
	Query  QueryConfig  `toml:"query"`
	Output OutputConfig `toml:"output"`
}

// EngineConfig maps [engine].
type EngineConfig struct {
	// Path is the database directory; it is "./strata.db" when the file
	// does not set it.
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

// QueryConfig maps [query].
type QueryConfig struct {
	// DefaultTimeoutSecs is parsed and checked to be non-negative. The CLI
	// does not pass it on, so a script without :timeout runs without a time
	// limit.
	DefaultTimeoutSecs float64 `toml:"default_timeout_secs"`
}

// OutputConfig maps [output].
type OutputConfig struct {
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{Path: "./strata.db"},
		Output: OutputConfig{Format: "human"},
	}
}

// Load reads a TOML config file. A missing file is not an error: the
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Query.DefaultTimeoutSecs < 0 {
		return fmt.Errorf("query.default_timeout_secs must not be negative")
	}
	switch c.Output.Format {
	case "", "human", "json":
	default:
		return fmt.Errorf("output.format must be 'human' or 'json', got %q", c.Output.Format)
	}
	return nil
}
