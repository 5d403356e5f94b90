// Package config loads flatsync configuration: a TOML file for the
// durable settings, the environment for secrets, and an optional .env
// file for local development.
//
// Precedence, lowest to highest: built-in defaults, flatsync.toml,
// environment variables (FLATSYNC_*). Credentials (tracker token,
// Postgres DSN) are accepted from the environment only, so they never
// end up in a checked-in config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = "flatsync.toml"

// Config is the full configuration tree.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Sync      SyncConfig      `toml:"sync"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Dashboard DashboardConfig `toml:"dashboard"`
	Log       LogConfig       `toml:"log"`
}

// StoreConfig selects and locates the storage backend.
type StoreConfig struct {
	// Backend is "sqlite", "postgres", or "libsql".
	Backend string `toml:"backend"`

	// Path is the SQLite database file (sqlite backend).
	Path string `toml:"path"`

	// DSN is the Postgres connection string or libSQL URL. Environment
	// only (FLATSYNC_STORE_DSN); never written to the config file.
	DSN string `toml:"-"`

	// TypeMap is an optional YAML file overriding the field-type to
	// column-type mapping used by wide-table provisioning.
	TypeMap string `toml:"type_map,omitempty"`
}

// TrackerConfig locates and authenticates the upstream tracker.
type TrackerConfig struct {
	// BaseURL is the tracker root, e.g. "https://tracker.example.com".
	BaseURL string `toml:"base_url"`

	// Email pairs with the token for basic auth. Empty sends the token
	// as a bearer token.
	Email string `toml:"email,omitempty"`

	// Token is the API credential. Environment only
	// (FLATSYNC_TRACKER_TOKEN).
	Token string `toml:"-"`

	// Projects is the project-key allow list for the search query.
	Projects []string `toml:"projects,omitempty"`

	// Query, when set, replaces the generated search query entirely.
	Query string `toml:"query,omitempty"`

	// MaxRetries bounds retry attempts per tracker call.
	MaxRetries int `toml:"max_retries,omitempty"`
}

// SyncConfig tunes the reconcile engine.
type SyncConfig struct {
	// Prefix is prepended to every derived field name.
	Prefix string `toml:"prefix"`

	// PageSize is the fetch window requested from the tracker.
	PageSize int `toml:"page_size"`

	// BatchSize is the number of records per transaction boundary.
	BatchSize int `toml:"batch_size"`

	// OnFailure is "continue" or "abort".
	OnFailure string `toml:"on_failure"`

	// Policy is the provisioning policy, "additive" or "destructive".
	Policy string `toml:"policy"`
}

// DaemonConfig tunes daemon mode.
type DaemonConfig struct {
	// Interval between tracker polls, e.g. "5m".
	Interval duration `toml:"interval"`

	// WatchDir is the drop directory scanned for record dumps. Empty
	// disables the watcher.
	WatchDir string `toml:"watch_dir,omitempty"`

	// JournalPath is the JSONL run-history file.
	JournalPath string `toml:"journal_path"`
}

// DashboardConfig tunes the dashboard server.
type DashboardConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr"`
}

// LogConfig tunes rotating file logs for the long-running modes.
type LogConfig struct {
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty"`
	MaxAgeDays int    `toml:"max_age_days,omitempty"`
}

// duration wraps time.Duration so TOML reads and writes "5m" forms.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(".flatsync", "cells.db"),
		},
		Sync: SyncConfig{
			Prefix:    "fs_",
			PageSize:  100,
			BatchSize: 100,
			OnFailure: "continue",
			Policy:    "additive",
		},
		Daemon: DaemonConfig{
			Interval:    duration{5 * time.Minute},
			JournalPath: filepath.Join(".flatsync", "runs.jsonl"),
		},
		Dashboard: DashboardConfig{
			Addr: ":8080",
		},
	}
}

// Load reads the config file at path (or DefaultFileName when empty),
// loads a .env file when present, and applies FLATSYNC_* environment
// overrides. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	// Secrets first, so they are visible to the env overrides below.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = DefaultFileName
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FLATSYNC_* environment variables.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix("FLATSYNC")
	v.AutomaticEnv()

	if s := v.GetString("STORE_BACKEND"); s != "" {
		c.Store.Backend = s
	}
	if s := v.GetString("STORE_PATH"); s != "" {
		c.Store.Path = s
	}
	if s := v.GetString("STORE_DSN"); s != "" {
		c.Store.DSN = s
	}
	if s := v.GetString("TRACKER_URL"); s != "" {
		c.Tracker.BaseURL = s
	}
	if s := v.GetString("TRACKER_EMAIL"); s != "" {
		c.Tracker.Email = s
	}
	if s := v.GetString("TRACKER_TOKEN"); s != "" {
		c.Tracker.Token = s
	}
	if s := v.GetString("TRACKER_PROJECTS"); s != "" {
		c.Tracker.Projects = splitList(s)
	}
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the settings that every command depends on.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "postgres", "libsql":
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite, postgres, or libsql)", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite backend")
	}
	if c.Store.Backend != "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("FLATSYNC_STORE_DSN is required for the %s backend", c.Store.Backend)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive (got %d)", c.Sync.PageSize)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive (got %d)", c.Sync.BatchSize)
	}
	return nil
}

// Save writes the durable settings to path as TOML. Secrets are not
// part of the encoded tree and never land in the file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
