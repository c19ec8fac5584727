package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/staging"
)

// Options bound what Expand will write.
type Options struct {
	Resolver *fsutil.Resolver
	Staging  *staging.Area
	// MaxDepth is the maximum number of components in an entry name.
	MaxDepth int
	// MaxBytes caps the total uncompressed bytes written. Zero means no limit.
	MaxBytes int64
}

// Rejection is an archive entry that was not written.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report lists the outcome of every entry. Written holds logical paths.
type Report struct {
	Written  []string    `json:"written"`
	Rejected []Rejection `json:"rejected"`
}

var (
	errTooLarge = errors.New("size limit exceeded")
	errTooDeep  = errors.New("too deep")
	errSymlink  = errors.New("symlink entry")
	errSpecial  = errors.New("special file")
)

// Expand unpacks the zip at zipPath into the existing directory dest (a
// logical path under root). Entries are handled one at a time: a bad entry is
// recorded in the report and skipped while the rest continue. If any entry
// was rejected the returned error wraps common.ErrArchiveEntryRejected.
func Expand(ctx context.Context, zipPath, root, dest string, opts Options) (Report, error) {
	var rep Report

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return rep, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	scratch, err := opts.Staging.Begin(staging.KindUnpack)
	if err != nil {
		return rep, err
	}
	defer scratch.Close()

	x := &expander{opts: opts, root: root, dest: dest, scratch: scratch}
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		logical, err := x.entry(ctx, i, f)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Rejected = append(rep.Rejected, Rejection{Name: f.Name, Reason: reason(err)})
			continue
		}
		rep.Written = append(rep.Written, logical)
	}

	if n := len(rep.Rejected); n > 0 {
		return rep, fmt.Errorf("%w: %d of %d entries", common.ErrArchiveEntryRejected, n, len(zr.File))
	}
	return rep, nil
}

type expander struct {
	opts    Options
	root    string
	dest    string
	scratch *staging.Entry
	written int64
}

func (x *expander) entry(ctx context.Context, idx int, f *zip.File) (string, error) {
	parts, isDir, err := x.split(f.Name)
	if err != nil {
		return "", err
	}
	mode := f.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return "", errSymlink
	case isDir || mode.IsDir():
		isDir = true
	case !mode.IsRegular():
		return "", errSpecial
	}

	if err := x.mkdirs(parts[:len(parts)-1]); err != nil {
		return "", err
	}
	logical := fsutil.JoinLogical(append([]string{x.dest}, parts...)...)
	if isDir {
		return logical, x.mkdir(logical)
	}

	target, err := x.opts.Resolver.ResolveNew(x.root, logical)
	if err != nil {
		return "", err
	}
	if target.Exists() {
		return "", common.ErrAlreadyExists
	}
	if x.opts.MaxBytes > 0 && x.written+int64(f.UncompressedSize64) > x.opts.MaxBytes {
		return "", errTooLarge
	}
	if err := x.writeFile(ctx, idx, f, target.Abs); err != nil {
		return "", err
	}
	return logical, nil
}

// split checks an entry name and returns its components.
func (x *expander) split(name string) ([]string, bool, error) {
	if strings.Contains(name, `\`) {
		return nil, false, common.ErrNameInvalid
	}
	if strings.HasPrefix(name, "/") {
		return nil, false, common.ErrPathEscape
	}
	isDir := strings.HasSuffix(name, "/")
	parts, err := fsutil.SplitLogical(name)
	if err != nil {
		return nil, false, err
	}
	if len(parts) == 0 {
		return nil, false, common.ErrNameInvalid
	}
	if x.opts.MaxDepth > 0 && len(parts) > x.opts.MaxDepth {
		return nil, false, errTooDeep
	}
	names := x.opts.Resolver.Names()
	for _, p := range parts {
		if err := names.Check(p); err != nil {
			return nil, false, err
		}
	}
	return parts, isDir, nil
}

// mkdirs creates each missing intermediate directory, resolving one level at
// a time so a link planted by an earlier entry is caught.
func (x *expander) mkdirs(parts []string) error {
	for i := range parts {
		if err := x.mkdir(fsutil.JoinLogical(append([]string{x.dest}, parts[:i+1]...)...)); err != nil {
			return err
		}
	}
	return nil
}

func (x *expander) mkdir(logical string) error {
	c, err := x.opts.Resolver.ResolveNew(x.root, logical)
	if err != nil {
		return err
	}
	if c.Exists() {
		if c.IsDir() {
			return nil
		}
		return common.ErrAlreadyExists
	}
	if err := os.Mkdir(c.Abs, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

func (x *expander) writeFile(ctx context.Context, idx int, f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp := x.scratch.File(fmt.Sprintf("entry-%06d", idx))
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	var src io.Reader = rc
	var limit int64 = -1
	if x.opts.MaxBytes > 0 {
		limit = x.opts.MaxBytes - x.written
		src = io.LimitReader(rc, limit+1)
	}
	n, err := fsutil.CopyContext(ctx, out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if limit >= 0 && n > limit {
		return errTooLarge
	}
	if err := fsutil.Place(tmp, dst, false); err != nil {
		return err
	}
	x.written += n
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, errTooLarge), errors.Is(err, errTooDeep), errors.Is(err, errSymlink), errors.Is(err, errSpecial):
		return err.Error()
	case errors.Is(err, common.ErrPathEscape):
		return "escapes destination"
	case errors.Is(err, common.ErrNameInvalid):
		return "invalid name"
	case errors.Is(err, common.ErrAlreadyExists), errors.Is(err, fs.ErrExist):
		return "already exists"
	case errors.Is(err, zip.ErrChecksum), errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrAlgorithm):
		return "corrupt entry"
	case errors.Is(err, common.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "parent missing"
	}
	return "write failed"
}
