package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults, the JSON file named by
// -config (or -c), the .env file named by -env-file, the process
// environment and args, in that order. Normalize has run on the result;
// Validate has not.
func Load(args []string) (*Config, error) {
	return load(args, os.Environ(), os.Stderr)
}

func load(args, environ []string, out io.Writer) (*Config, error) {
	// First pass only finds the file locations and reports bad flags.
	var scratch Config
	scratch.LoadDefaults()
	files, err := parseFlags(&scratch, args, out)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, files.config); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg, files.env, environ); err != nil {
		return nil, err
	}
	// Second pass applies only the flags present in args on top of the
	// other layers.
	if _, err := parseFlags(cfg, args, io.Discard); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type fileFlags struct {
	config string
	env    string
}

func parseFlags(c *Config, args []string, out io.Writer) (fileFlags, error) {
	var files fileFlags
	fs := flag.NewFlagSet("nasdrive", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&files.config, "config", "", "path to config json (optional)")
	fs.StringVar(&files.config, "c", "", "shorthand for -config")
	fs.StringVar(&files.env, "env-file", ".env", "dotenv file to read (ignored if missing)")

	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.StorageRoot, "root", c.StorageRoot, "storage root holding one directory per user")
	fs.StringVar(&c.TempDir, "tmp", c.TempDir, "temp dir for staging (default: <root>/tmp)")
	fs.StringVar(&c.UsersFile, "users", c.UsersFile, "credential file")
	fs.StringVar(&c.SecretKey, "secret", c.SecretKey, "session signing key (default: random per process)")
	fs.IntVar(&c.SessionTTLSeconds, "session-ttl", c.SessionTTLSeconds, "session lifetime, seconds")
	fs.BoolVar(&c.CookieSecure, "cookie-secure", c.CookieSecure, "mark the session cookie Secure")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval", c.SweepIntervalSeconds, "temp sweep interval, seconds")
	fs.IntVar(&c.TempRetentionSeconds, "retention", c.TempRetentionSeconds, "age after which temp entries are removed, seconds")
	fs.StringVar(&c.Whitelist, "whitelist", c.Whitelist, "complete set of characters allowed in names (empty: built-in set)")
	fs.IntVar(&c.NameLength, "name-length", c.NameLength, "maximum name length, bytes")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload", c.MaxUploadBytes, "maximum upload size, bytes")
	fs.IntVar(&c.ArchiveMaxDepth, "archive-depth", c.ArchiveMaxDepth, "maximum nesting of archive entries")
	fs.Int64Var(&c.ArchiveMaxBytes, "archive-max", c.ArchiveMaxBytes, "maximum expanded archive size, bytes")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return files, err
	}
	if fs.NArg() > 0 {
		return files, fmt.Errorf("config: unexpected argument %q", fs.Arg(0))
	}
	return files, nil
}

// parseJSON overlays the keys present in the file onto c. Unknown keys are
// an error so a typo does not silently fall back to a default.
func parseJSON(c *Config, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// parseEnv overlays NASDRIVE_* variables. Values from the dotenv file are
// used only where the process environment does not set the same name.
func parseEnv(c *Config, dotenv string, environ []string) error {
	vars := map[string]string{}
	if dotenv != "" {
		m, err := godotenv.Read(dotenv)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("config: read %s: %w", dotenv, err)
		default:
			vars = m
		}
	}
	for k, v := range env.ToMap(environ) {
		vars[k] = v
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
