package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasdrive/internal/logging"
	"nasdrive/internal/staging"
)

func age(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestSweepOnce(t *testing.T) {
	dir := t.TempDir()
	area, err := staging.New(dir)
	require.NoError(t, err)

	now := time.Now()
	old := now.Add(-2 * time.Hour)

	// abandoned directory with content
	abandoned := filepath.Join(dir, "upload-abandoned")
	require.NoError(t, os.MkdirAll(filepath.Join(abandoned, "x"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(abandoned, "x", "body"), []byte("data"), 0o600))
	age(t, abandoned, old)

	// stray old file
	stray := filepath.Join(dir, "stray.part")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))
	age(t, stray, old)

	// recent entry
	fresh := filepath.Join(dir, "zip-fresh")
	require.NoError(t, os.Mkdir(fresh, 0o700))

	// old but still in use
	live, err := area.Begin(staging.KindArchive)
	require.NoError(t, err)
	defer live.Close()
	age(t, live.Path(), old)

	s, err := New(area, dir, time.Minute, time.Hour, logging.Discard())
	require.NoError(t, err)

	st := s.SweepOnce(context.Background(), now)
	assert.Equal(t, Stats{Scanned: 4, Removed: 2, Skipped: 2}, st)

	assert.False(t, exists(abandoned))
	assert.False(t, exists(stray))
	assert.True(t, exists(fresh))
	assert.True(t, exists(live.Path()))
	assert.Equal(t, Idle, s.State())
	assert.EqualValues(t, 1, s.Passes())

	// once released and aged the entry goes too
	require.NoError(t, live.Close())
	st = s.SweepOnce(context.Background(), now.Add(3*time.Hour))
	assert.Equal(t, 1, st.Removed)
	assert.False(t, exists(fresh))
}

func TestSweepOnce_MissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	area := registryFunc(func(string) bool { return false })
	s, err := New(area, dir, time.Minute, time.Hour, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, Stats{}, s.SweepOnce(context.Background(), time.Now()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old")
	require.NoError(t, os.Mkdir(old, 0o700))
	age(t, old, time.Now().Add(-time.Hour))

	s, err := New(registryFunc(func(string) bool { return false }), dir, 10*time.Millisecond, time.Minute, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !exists(old) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Passes() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(registryFunc(nil), "x", 0, time.Hour, logging.Discard())
	assert.Error(t, err)
	_, err = New(registryFunc(nil), "x", time.Second, -time.Second, logging.Discard())
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "sweeping", Sweeping.String())
}

type registryFunc func(string) bool

func (f registryFunc) InUse(name string) bool { return f(name) }
