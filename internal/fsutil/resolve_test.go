package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasdrive/internal/common"
)

// newTree creates <tmp>/storage/guest with a few entries and a sibling
// directory outside the user root.
func newTree(t *testing.T) (root, outside string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "storage", "guest")
	outside = filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	return root, outside
}

func TestSplitLogical(t *testing.T) {
	parts, err := SplitLogical("")
	require.NoError(t, err)
	assert.Empty(t, parts)

	parts, err = SplitLogical("docs/sub/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "sub"}, parts)

	for _, p := range []string{"/etc", `\etc`, "..", "a/..", "a/../b", "../x"} {
		_, err := SplitLogical(p)
		assert.True(t, errors.Is(err, common.ErrPathEscape), p)
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("/srv/a", "/srv/a"))
	assert.True(t, Contains("/srv/a", "/srv/a/b/c"))
	assert.True(t, Contains("/srv/a", "/srv/a/..b"))
	assert.False(t, Contains("/srv/a", "/srv/ab"))
	assert.False(t, Contains("/srv/a", "/srv"))
	assert.False(t, Contains("/srv/a", "/etc/passwd"))
}

func TestJoinLogical(t *testing.T) {
	assert.Equal(t, "a/b", JoinLogical("", "a", "/b/"))
	assert.Equal(t, "", JoinLogical("", ""))
}

func TestResolver_Resolve(t *testing.T) {
	root, _ := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	c, err := r.Resolve(root, "")
	require.NoError(t, err)
	assert.True(t, c.IsRoot())
	assert.True(t, c.IsDir())

	c, err = r.Resolve(root, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", c.Logical)
	assert.Equal(t, "a.txt", c.Name())
	assert.True(t, Contains(c.Root, c.Abs))

	_, err = r.Resolve(root, "docs/missing.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = r.Resolve(root, "docs/a.txt/x")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = r.Resolve(root, "docs/../../outside")
	assert.True(t, errors.Is(err, common.ErrPathEscape))

	_, err = r.Resolve(root, "docs/bad*name")
	assert.True(t, errors.Is(err, common.ErrNameInvalid))
}

func TestResolver_SymlinkEscape(t *testing.T) {
	root, outside := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "docs", "s.txt")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "gone"), filepath.Join(root, "dangling")))

	for _, p := range []string{"out", "out/secret.txt", "docs/s.txt", "dangling"} {
		_, err := r.Resolve(root, p)
		assert.True(t, errors.Is(err, common.ErrPathEscape), p)
	}

	// the parent chain of a new entry is checked too
	_, err := r.ResolveNew(root, "out/new.txt")
	assert.True(t, errors.Is(err, common.ErrPathEscape))

	// the link itself can still be addressed for delete or rename
	c, err := r.ResolveEntry(root, "docs/s.txt")
	require.NoError(t, err)
	assert.True(t, c.Info.Mode()&os.ModeSymlink != 0)
}

func TestResolver_SymlinkInsideRoot(t *testing.T) {
	root, _ := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	require.NoError(t, os.Symlink("docs", filepath.Join(root, "d")))
	require.NoError(t, os.Symlink("nowhere", filepath.Join(root, "broken")))

	c, err := r.Resolve(root, "d/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root, "docs", "a.txt"), c.Abs)

	_, err = r.Resolve(root, "broken")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestResolver_SymlinkLoop(t *testing.T) {
	root, _ := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	require.NoError(t, os.Symlink("loop-b", filepath.Join(root, "loop-a")))
	require.NoError(t, os.Symlink("loop-a", filepath.Join(root, "loop-b")))

	_, err := r.Resolve(root, "loop-a")
	assert.True(t, errors.Is(err, common.ErrNotFound), "got %v", err)
	_, err = r.ResolveNew(root, "loop-a/x.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound), "got %v", err)

	// the link itself can still be removed or renamed
	c, err := r.ResolveEntry(root, "loop-a")
	require.NoError(t, err)
	assert.True(t, c.Exists())
}

func TestResolver_ResolveNew(t *testing.T) {
	root, _ := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	c, err := r.ResolveNew(root, "docs/new.txt")
	require.NoError(t, err)
	assert.False(t, c.Exists())
	assert.Equal(t, filepath.Join(c.Root, "docs", "new.txt"), c.Abs)

	c, err = r.ResolveNew(root, "docs/a.txt")
	require.NoError(t, err)
	assert.True(t, c.Exists())

	_, err = r.ResolveNew(root, "nodir/new.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = r.ResolveNew(root, "docs/a.txt/new.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestResolver_MissingRoot(t *testing.T) {
	r := NewResolver(NewNameValidator("", 0))
	_, err := r.Resolve(filepath.Join(t.TempDir(), "nobody"), "")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestResolver_ErrorsDoNotLeakHostPaths(t *testing.T) {
	root, _ := newTree(t)
	r := NewResolver(NewNameValidator("", 0))

	_, err := r.Resolve(root, "docs/missing.txt")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), root)
	assert.Contains(t, err.Error(), "docs/missing.txt")
}
