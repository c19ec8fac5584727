package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) Config {
	t.Helper()
	var c Config
	c.LoadDefaults()
	require.NoError(t, c.Normalize())
	return c
}

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "0.0.0.0:8080", c.Addr)
	assert.Equal(t, 24*time.Hour, c.SessionTTL())
	assert.Equal(t, time.Hour, c.SweepInterval())
	assert.Equal(t, 24*time.Hour, c.TempRetention())
	assert.Equal(t, 128, c.NameLength)
	assert.Empty(t, c.TempDir)
}

func TestLoad_NoSources(t *testing.T) {
	dir := t.TempDir()
	got, err := load([]string{"-env-file", filepath.Join(dir, "missing.env")}, nil, io.Discard)
	require.NoError(t, err)

	want := defaults(t)
	assert.Empty(t, cmp.Diff(want, *got))
	assert.Equal(t, filepath.Join(got.StorageRoot, "tmp"), got.TempDir)
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "storage")

	jsonPath := filepath.Join(dir, "nasdrive.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"addr": ":9000",
		"storage_root": "`+root+`",
		"session_ttl_seconds": 60,
		"name_length": 64,
		"log_level": "debug"
	}`), 0o600))

	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte(
		"NASDRIVE_NAME_LENGTH=32\nNASDRIVE_SECRET_KEY=from-dotenv\nNASDRIVE_COOKIE_SECURE=true\n"), 0o600))

	environ := []string{
		"NASDRIVE_SECRET_KEY=from-env",
		"NASDRIVE_MAX_UPLOAD_BYTES=1024",
		"UNRELATED=1",
	}
	args := []string{"-c", jsonPath, "-env-file", envPath, "-addr", ":9100"}

	got, err := load(args, environ, io.Discard)
	require.NoError(t, err)

	want := defaults(t)
	want.Addr = ":9100"                       // flag beats json
	want.StorageRoot = root                   // json
	want.TempDir = filepath.Join(root, "tmp") // derived
	want.SessionTTLSeconds = 60               // json
	want.NameLength = 32                      // dotenv beats json
	want.SecretKey = "from-env"               // env beats dotenv
	want.CookieSecure = true                  // dotenv
	want.MaxUploadBytes = 1024                // env
	want.LogLevel = "debug"                   // json
	assert.Empty(t, cmp.Diff(want, *got))
	require.NoError(t, got.Validate())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"adr": ":1"}`), 0o600))
	noEnv := []string{"-env-file", ""}

	_, err := load(append([]string{"-config", bad}, noEnv...), nil, io.Discard)
	assert.ErrorContains(t, err, "unknown field")

	_, err = load(append([]string{"-config", filepath.Join(dir, "none.json")}, noEnv...), nil, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = load(append([]string{"-bogus"}, noEnv...), nil, io.Discard)
	assert.Error(t, err)

	_, err = load(append([]string{"serve"}, noEnv...), nil, io.Discard)
	assert.ErrorContains(t, err, "unexpected argument")

	_, err = load(noEnv, []string{"NASDRIVE_NAME_LENGTH=many"}, io.Discard)
	assert.ErrorContains(t, err, "environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no addr", func(c *Config) { c.Addr = "" }, "addr"},
		{"no users", func(c *Config) { c.UsersFile = "" }, "users_file"},
		{"ttl", func(c *Config) { c.SessionTTLSeconds = 0 }, "session_ttl"},
		{"interval", func(c *Config) { c.SweepIntervalSeconds = -1 }, "sweep_interval"},
		{"retention", func(c *Config) { c.TempRetentionSeconds = -1 }, "temp_retention"},
		{"name length", func(c *Config) { c.NameLength = 0 }, "name_length"},
		{"upload", func(c *Config) { c.MaxUploadBytes = 0 }, "max_upload"},
		{"depth", func(c *Config) { c.ArchiveMaxDepth = 0 }, "archive_max_depth"},
		{"archive", func(c *Config) { c.ArchiveMaxBytes = 0 }, "archive_max_bytes"},
		{"temp is storage", func(c *Config) { c.TempDir = c.StorageRoot }, "storage root"},
		{"temp in user root", func(c *Config) { c.TempDir = filepath.Join(c.StorageRoot, "alice", "tmp") }, `"alice"`},
		{"temp outside", func(c *Config) { c.TempDir = filepath.Join(os.TempDir(), "nasdrive") }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults(t)
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestReservedName(t *testing.T) {
	c := defaults(t)
	name, ok := c.ReservedName()
	assert.True(t, ok)
	assert.Equal(t, "tmp", name)

	c.TempDir = filepath.Join(os.TempDir(), "nasdrive-staging")
	_, ok = c.ReservedName()
	assert.False(t, ok)
}
