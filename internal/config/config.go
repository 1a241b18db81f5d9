// Package config handles loading, validating, and writing the opsledger
// configuration from ~/.opsledger/config.yaml.
//
// The config defines:
//   - Server bind address for the dashboard/API (host:port)
//   - Storage location for the chain database
//   - Chain parameters (hash algorithm, append retry budget)
//   - Dashboard toggle
//   - Log level
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level opsledger configuration. Loaded from
// ~/.opsledger/config.yaml, with sensible defaults for fields that are
// not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Chain     ChainConfig     `yaml:"chain"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig defines where the dashboard and REST API listen.
// Default: 127.0.0.1:3900 (loopback only — never bind to 0.0.0.0 unless
// the deployment fronts it with real authentication).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig locates the chain database. An empty path means
// "ledger.db inside the config directory"; the CLI resolves it.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ChainConfig holds the chain protocol parameters.
//
// Algorithm is the chain hash function ("sha256" or "blake3"). It is part
// of the protocol: changing it on an existing chain makes every old entry
// fail verification, so pick it once, at chain creation.
//
// MaxAppendRetries bounds the optimistic retry loop when concurrent
// writers race for the tail slot.
type ChainConfig struct {
	Algorithm        string `yaml:"algorithm"`
	MaxAppendRetries int    `yaml:"maxAppendRetries"`
}

// DashboardConfig controls the web dashboard served at /.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal before
			// `opsledger config generate` creates one.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by `opsledger config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# opsledger configuration
#
# server:
#   host: Bind address for the dashboard/API (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3900)
#
# storage:
#   path: Chain database file (default: ledger.db in the config directory)
#
# chain:
#   algorithm: Chain hash function, sha256 or blake3. Part of the protocol;
#              never change it on an existing chain.
#   maxAppendRetries: Bounded retries when concurrent writers race for the tail
#
# dashboard:
#   enabled: Serve the web UI and live feed
#
# log:
#   level: debug, info, warn, or error

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3900,
		},
		Chain: ChainConfig{
			Algorithm:        "sha256",
			MaxAppendRetries: 5,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	switch cfg.Chain.Algorithm {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("chain.algorithm %q unsupported (use sha256 or blake3)", cfg.Chain.Algorithm)
	}
	if cfg.Chain.MaxAppendRetries < 1 {
		return fmt.Errorf("chain.maxAppendRetries must be at least 1")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unsupported (use debug, info, warn, or error)", cfg.Log.Level)
	}
	return nil
}
