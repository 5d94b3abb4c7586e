// Package config loads the daemon configuration from TOML with environment
// overrides.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Paths    PathsConfig    `toml:"paths"`
	Store    StoreConfig    `toml:"store"`
	Discord  DiscordConfig  `toml:"discord"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type PathsConfig struct {
	// DataDir is the root for everything the daemon writes; the other
	// paths default to subdirectories of it.
	DataDir    string `toml:"data_dir"`
	ScriptsDir string `toml:"scripts_dir"`
	RunLogDir  string `toml:"run_log_dir"`
	BackupDir  string `toml:"backup_dir"`
	ControlDir string `toml:"control_dir"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type DiscordConfig struct {
	WebhookURL string `toml:"webhook_url"`
	// CriticalMentionID is the user id mentioned on critical alerts.
	CriticalMentionID int64 `toml:"critical_mention_id"`
}

type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, "luffybot-data")
	return Config{
		Paths: PathsConfig{DataDir: dataDir},
		Store: StoreConfig{Backend: "sqlite"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins), then
// derives the unset paths from data_dir.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "luffybot.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LUFFYBOT_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("LUFFYBOT_SCRIPTS_DIR"); v != "" {
		cfg.Paths.ScriptsDir = v
	}
	if v := os.Getenv("LUFFYBOT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("LUFFYBOT_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("LUFFYBOT_WEBHOOK_URL"); v != "" {
		cfg.Discord.WebhookURL = v
	}
	if v := os.Getenv("LUFFYBOT_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("LUFFYBOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if os.Getenv("LUFFYBOT_OBSERVER_ENABLED") == "true" || os.Getenv("LUFFYBOT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Derived paths
	if cfg.Paths.ScriptsDir == "" {
		cfg.Paths.ScriptsDir = filepath.Join(cfg.Paths.DataDir, "scripts")
	}
	if cfg.Paths.RunLogDir == "" {
		cfg.Paths.RunLogDir = filepath.Join(cfg.Paths.DataDir, "run_logs")
	}
	if cfg.Paths.BackupDir == "" {
		cfg.Paths.BackupDir = filepath.Join(cfg.Paths.DataDir, "db_backups")
	}
	if cfg.Paths.ControlDir == "" {
		cfg.Paths.ControlDir = cfg.Paths.DataDir
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.Paths.DataDir, "luffybot.sqlite3")
	}

	return cfg
}
