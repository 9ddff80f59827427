package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kkeeland/trak-sub001/internal/otel"
)

// GatewayConfig holds the connection settings for the external execution gateway.
type GatewayConfig struct {
	// Addr is the host:port (or full http URL) of the gateway.
	Addr string `yaml:"addr"`

	// SpawnTimeoutSeconds is the default timeout handed to the gateway when a
	// task carries no timeout of its own.
	SpawnTimeoutSeconds int `yaml:"spawn_timeout_seconds"`

	// Cleanup names the worktree cleanup policy sent with every spawn.
	Cleanup string `yaml:"cleanup"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides the store location. Empty uses <home>/trak.db.
	// TRAK_DB_PATH takes precedence over both, which lets nested working
	// directories share one store.
	DBPath string `yaml:"db_path"`

	LogLevel string `yaml:"log_level"`

	// LockTimeoutMinutes bounds how long a workspace lock is honored before it
	// is treated as abandoned.
	LockTimeoutMinutes int `yaml:"lock_timeout_minutes"`

	// VerifyTimeoutMinutes bounds verification command execution.
	VerifyTimeoutMinutes int `yaml:"verify_timeout_minutes"`

	Gateway GatewayConfig `yaml:"gateway"`

	Otel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		LockTimeoutMinutes:   30,
		VerifyTimeoutMinutes: 15,
		Gateway: GatewayConfig{
			Addr:                "127.0.0.1:18789",
			SpawnTimeoutSeconds: int((10 * time.Minute).Seconds()),
			Cleanup:             "on-success",
		},
		Otel: otel.Config{Exporter: "none"},
	}
}

// HomeDir returns the trak data directory, honoring the TRAK_HOME override.
func HomeDir() string {
	if override := os.Getenv("TRAK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".trak")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the trak home, creating the directory if needed.
// Missing file yields defaults; env overrides are applied last.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create trak home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if override := os.Getenv("TRAK_DB_PATH"); override != "" {
		cfg.DBPath = override
	}
	if cfg.LockTimeoutMinutes <= 0 {
		cfg.LockTimeoutMinutes = 30
	}
	if cfg.VerifyTimeoutMinutes <= 0 {
		cfg.VerifyTimeoutMinutes = 15
	}
	return cfg, nil
}

// ResolveDBPath returns the effective store path for this config.
func (c Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "trak.db")
}

// LogPath returns the portable log location for a repository root.
func LogPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".trak", "tasks.jsonl")
}

// LockDir returns the directory holding workspace lock files.
func (c Config) LockDir() string {
	return filepath.Join(c.HomeDir, "locks")
}

// LockTimeout returns the workspace lock timeout as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMinutes) * time.Minute
}

// VerifyTimeout returns the verification command timeout as a duration.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutMinutes) * time.Minute
}
