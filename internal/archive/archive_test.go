package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/staging"
)

type zipEntry struct {
	name string
	body string
	mode fs.FileMode
}

func buildZip(t *testing.T, path string, entries []zipEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		h := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode != 0 {
			h.SetMode(e.mode)
		}
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = io.WriteString(w, e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

type fixture struct {
	root    string
	scratch string
	opts    Options
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "guest")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "in"), 0o755))
	area, err := staging.New(filepath.Join(base, "tmp"))
	require.NoError(t, err)
	return fixture{
		root:    root,
		scratch: base,
		opts: Options{
			Resolver: fsutil.NewResolver(fsutil.NewNameValidator("", 0)),
			Staging:  area,
			MaxDepth: 8,
			MaxBytes: 1 << 20,
		},
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if p == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		out[rel] = string(b)
		return nil
	}))
	return out
}

func TestWriteThenExpand_RoundTrip(t *testing.T) {
	fx := newFixture(t)
	src := filepath.Join(fx.root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "deep.txt"), []byte("deep"), 0o644))

	zipPath := filepath.Join(fx.scratch, "out.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	sum, err := Write(context.Background(), f, src)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 3, sum.Dirs)
	assert.EqualValues(t, 7, sum.Bytes)

	require.NoError(t, os.Mkdir(filepath.Join(fx.root, "copy"), 0o755))
	rep, err := Expand(context.Background(), zipPath, fx.root, "copy", fx.opts)
	require.NoError(t, err)
	assert.Empty(t, rep.Rejected)
	assert.Contains(t, rep.Written, "copy/a/b/deep.txt")

	assert.Equal(t, readTree(t, src), readTree(t, filepath.Join(fx.root, "copy")))
	assert.Zero(t, fx.opts.Staging.Active())
}

func TestWrite_Symlinks(t *testing.T) {
	fx := newFixture(t)
	src := filepath.Join(fx.root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "real.txt"), []byte("real"), 0o644))
	outside := filepath.Join(fx.scratch, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(src, "inside-link")))
	require.NoError(t, os.Symlink(outside, filepath.Join(src, "outside-link")))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".nasdrive-1.part"), []byte("half"), 0o644))

	var buf bytes.Buffer
	sum, err := Write(context.Background(), &buf, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"outside-link"}, sum.Skipped)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.NotContains(t, string(b), "secret")
	}
	sort.Strings(names)
	assert.Equal(t, []string{"inside-link", "real.txt"}, names)
}

func TestWrite_Cancelled(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(fx.root, "in", "x"), []byte("x"), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Write(ctx, io.Discard, filepath.Join(fx.root, "in"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpand_SkipAndContinue(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(fx.root, "in", "exists.txt"), []byte("keep"), 0o644))

	zipPath := filepath.Join(fx.scratch, "mixed.zip")
	buildZip(t, zipPath, []zipEntry{
		{name: "ok.txt", body: "ok"},
		{name: "../evil.txt", body: "evil"},
		{name: "/abs.txt", body: "abs"},
		{name: `dir\win.txt`, body: "win"},
		{name: "sub/nested.txt", body: "nested"},
		{name: "exists.txt", body: "overwrite"},
		{name: "link", body: "/etc/passwd", mode: fs.ModeSymlink | 0o777},
		{name: "bad*name.txt", body: "x"},
		{name: "a/b/c/d/e/f/g/h/i.txt", body: "deep"},
	})

	rep, err := Expand(context.Background(), zipPath, fx.root, "in", fx.opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrArchiveEntryRejected))

	assert.ElementsMatch(t, []string{"in/ok.txt", "in/sub/nested.txt"}, rep.Written)
	reasons := map[string]string{}
	for _, r := range rep.Rejected {
		reasons[r.Name] = r.Reason
	}
	assert.Equal(t, map[string]string{
		"../evil.txt":           "escapes destination",
		"/abs.txt":              "escapes destination",
		`dir\win.txt`:           "invalid name",
		"exists.txt":            "already exists",
		"link":                  "symlink entry",
		"bad*name.txt":          "invalid name",
		"a/b/c/d/e/f/g/h/i.txt": "too deep",
	}, reasons)

	b, err := os.ReadFile(filepath.Join(fx.root, "in", "exists.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
	_, err = os.Lstat(filepath.Join(fx.root, "evil.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = os.Lstat(filepath.Join(fx.root, "in", "link"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Zero(t, fx.opts.Staging.Active())
}

func TestExpand_SizeLimit(t *testing.T) {
	fx := newFixture(t)
	fx.opts.MaxBytes = 10

	zipPath := filepath.Join(fx.scratch, "big.zip")
	buildZip(t, zipPath, []zipEntry{
		{name: "small.txt", body: "12345"},
		{name: "big.txt", body: strings.Repeat("x", 100)},
		{name: "fits.txt", body: "12345"},
	})

	rep, err := Expand(context.Background(), zipPath, fx.root, "in", fx.opts)
	assert.ErrorIs(t, err, common.ErrArchiveEntryRejected)
	assert.Equal(t, []string{"in/small.txt", "in/fits.txt"}, rep.Written)
	require.Len(t, rep.Rejected, 1)
	assert.Equal(t, Rejection{Name: "big.txt", Reason: "size limit exceeded"}, rep.Rejected[0])

	_, err = os.Stat(filepath.Join(fx.root, "in", "big.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestExpand_LinkPlantedInDestination(t *testing.T) {
	fx := newFixture(t)
	outside := filepath.Join(fx.scratch, "outside")
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(fx.root, "in", "sub")))

	zipPath := filepath.Join(fx.scratch, "planted.zip")
	buildZip(t, zipPath, []zipEntry{{name: "sub/payload.txt", body: "x"}})

	rep, err := Expand(context.Background(), zipPath, fx.root, "in", fx.opts)
	assert.ErrorIs(t, err, common.ErrArchiveEntryRejected)
	assert.Empty(t, rep.Written)
	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExpand_NotAZip(t *testing.T) {
	fx := newFixture(t)
	p := filepath.Join(fx.scratch, "junk.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))

	_, err := Expand(context.Background(), p, fx.root, "in", fx.opts)
	require.Error(t, err)
	assert.False(t, errors.Is(err, common.ErrArchiveEntryRejected))
}
