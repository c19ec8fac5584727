// Package config loads the server settings. Values are layered, later
// sources winning: built-in defaults, an optional JSON file, a .env file,
// NASDRIVE_* environment variables and finally command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "NASDRIVE_"

// Config is intentionally flat and JSON-friendly.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" env:"ADDR"`

	// StorageRoot holds one directory per user.
	StorageRoot string `json:"storage_root" env:"STORAGE_ROOT"`

	// TempDir holds staging files for uploads and archives.
	// Default: <storage_root>/tmp
	TempDir string `json:"temp_dir" env:"TEMP_DIR"`

	// UsersFile is the credential file, one "hash;username" record per line.
	UsersFile string `json:"users_file" env:"USERS_FILE"`

	// SecretKey signs session tokens. Empty means a random key per process,
	// so sessions do not survive a restart.
	SecretKey string `json:"secret_key" env:"SECRET_KEY"`

	SessionTTLSeconds int  `json:"session_ttl_seconds" env:"SESSION_TTL_SECONDS"`
	CookieSecure      bool `json:"cookie_secure" env:"COOKIE_SECURE"`

	SweepIntervalSeconds int `json:"sweep_interval_seconds" env:"SWEEP_INTERVAL_SECONDS"`
	TempRetentionSeconds int `json:"temp_retention_seconds" env:"TEMP_RETENTION_SECONDS"`

	// Whitelist is the complete set of characters allowed in names,
	// letters and digits included. Empty means the built-in set.
	Whitelist  string `json:"whitelist" env:"WHITELIST"`
	NameLength int    `json:"name_length" env:"NAME_LENGTH"`

	MaxUploadBytes  int64 `json:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	ArchiveMaxDepth int   `json:"archive_max_depth" env:"ARCHIVE_MAX_DEPTH"`
	ArchiveMaxBytes int64 `json:"archive_max_bytes" env:"ARCHIVE_MAX_BYTES"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" env:"LOG_LEVEL"`
}

// LoadDefaults populates c with values that work for a single-host setup.
func (c *Config) LoadDefaults() {
	c.Addr = "0.0.0.0:8080"
	c.StorageRoot = "./storage"
	c.TempDir = ""
	c.UsersFile = "./users.txt"
	c.SecretKey = ""
	c.SessionTTLSeconds = 24 * 60 * 60
	c.CookieSecure = false
	c.SweepIntervalSeconds = 60 * 60
	c.TempRetentionSeconds = 24 * 60 * 60
	c.Whitelist = ""
	c.NameLength = 128
	c.MaxUploadBytes = 10 << 30
	c.ArchiveMaxDepth = 32
	c.ArchiveMaxBytes = 50 << 30
	c.LogLevel = "info"
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) TempRetention() time.Duration {
	return time.Duration(c.TempRetentionSeconds) * time.Second
}

// Normalize makes the roots absolute and fills in the default temp dir.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return errors.New("config: storage_root is required")
	}
	root, err := filepath.Abs(c.StorageRoot)
	if err != nil {
		return fmt.Errorf("config: storage_root: %w", err)
	}
	c.StorageRoot = root
	if c.TempDir == "" {
		c.TempDir = filepath.Join(root, "tmp")
	}
	tmp, err := filepath.Abs(c.TempDir)
	if err != nil {
		return fmt.Errorf("config: temp_dir: %w", err)
	}
	c.TempDir = tmp
	if c.UsersFile != "" {
		if c.UsersFile, err = filepath.Abs(c.UsersFile); err != nil {
			return fmt.Errorf("config: users_file: %w", err)
		}
	}
	return nil
}

// Validate reports the first setting the server cannot start with. It
// expects Normalize to have run.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: addr is required")
	case c.StorageRoot == "":
		return errors.New("config: storage_root is required")
	case c.TempDir == "":
		return errors.New("config: temp_dir is required")
	case c.UsersFile == "":
		return errors.New("config: users_file is required")
	case c.SessionTTLSeconds <= 0:
		return errors.New("config: session_ttl_seconds must be positive")
	case c.SweepIntervalSeconds <= 0:
		return errors.New("config: sweep_interval_seconds must be positive")
	case c.TempRetentionSeconds < 0:
		return errors.New("config: temp_retention_seconds must not be negative")
	case c.NameLength <= 0:
		return errors.New("config: name_length must be positive")
	case c.MaxUploadBytes <= 0:
		return errors.New("config: max_upload_bytes must be positive")
	case c.ArchiveMaxDepth <= 0:
		return errors.New("config: archive_max_depth must be positive")
	case c.ArchiveMaxBytes <= 0:
		return errors.New("config: archive_max_bytes must be positive")
	}
	if user, ok := userRootOf(c.StorageRoot, c.TempDir); ok {
		if user == "." {
			return errors.New("config: temp_dir must not be the storage root")
		}
		return fmt.Errorf("config: temp_dir is inside the root of user %q", user)
	}
	return nil
}

// ReservedName returns the user name whose root would be the temp dir,
// when the temp dir sits directly under the storage root. That name must not
// be given to a user.
func (c *Config) ReservedName() (string, bool) {
	if filepath.Dir(c.TempDir) != c.StorageRoot {
		return "", false
	}
	return filepath.Base(c.TempDir), true
}

// userRootOf reports whether dir lies inside a user root under storage. The
// storage root itself counts as a collision, storage/<name> does not (see
// ReservedName).
func userRootOf(storage, dir string) (string, bool) {
	rel, err := filepath.Rel(storage, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return ".", true
	}
	first, rest, _ := strings.Cut(rel, string(filepath.Separator))
	if rest == "" {
		return "", false
	}
	return first, true
}
