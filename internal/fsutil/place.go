package fsutil

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// partialPrefix marks the scratch files copyBeside creates. The name
// validator refuses it so user entries never look like one.
const partialPrefix = ".nasdrive-"

// IsPartial reports whether name is a scratch file left by Place.
func IsPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix) && strings.HasSuffix(name, ".part")
}

// Place moves src to dst. Without overwrite an existing dst is never
// replaced and the error satisfies errors.Is(err, fs.ErrExist). When src and
// dst live on different filesystems the data is copied next to dst first so
// the final step is still a rename.
func Place(src, dst string, overwrite bool) error {
	err := move(src, dst, overwrite)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp, err := copyBeside(src, dst)
	if err != nil {
		return err
	}
	if err := move(tmp, dst, overwrite); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Remove(src)
	return nil
}

// Rename renames an entry within one filesystem without replacing dst.
func Rename(src, dst string) error {
	return renameNoReplace(src, dst)
}

func move(src, dst string, overwrite bool) error {
	if overwrite {
		return os.Rename(src, dst)
	}
	return renameNoReplace(src, dst)
}

// renameChecked is the fallback when the kernel cannot rename exclusively.
// The window between the check and the rename is accepted.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(src, dst)
}

func copyBeside(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), partialPrefix+"*.part")
	if err != nil {
		return "", err
	}
	tmp := out.Name()
	fail := func(err error) (string, error) {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// CopyContext copies src to dst and stops at the next read once ctx is done.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, ctxReader{ctx: ctx, r: src})
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
