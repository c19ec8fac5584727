// Package archive converts between directory subtrees and zip archives.
package archive

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"nasdrive/internal/fsutil"
)

// Summary describes what Write put into an archive.
type Summary struct {
	Files   int
	Dirs    int
	Bytes   int64
	Skipped []string // relative paths left out (special files, links leaving the tree)
}

// Write streams a zip of dir to w. Entry names are slash paths relative to
// dir and directories get their own entries, so empty ones survive a round
// trip. Symlinks are included only when they resolve to a regular file
// inside dir.
func Write(ctx context.Context, w io.Writer, dir string) (Summary, error) {
	var sum Summary
	base, err := fsutil.CanonicalRoot(dir)
	if err != nil {
		return sum, err
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == base {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if fsutil.IsPartial(d.Name()) {
			return nil
		}

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			h := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: info.ModTime()}
			h.SetMode(fs.ModeDir | 0o755)
			if _, err := zw.CreateHeader(h); err != nil {
				return err
			}
			sum.Dirs++
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			target, err := filepath.EvalSymlinks(p)
			if err != nil || !fsutil.Contains(base, target) {
				sum.Skipped = append(sum.Skipped, name)
				return nil
			}
			info, err := os.Stat(target)
			if err != nil || !info.Mode().IsRegular() {
				sum.Skipped = append(sum.Skipped, name)
				return nil
			}
			return addFile(ctx, zw, name, target, info, &sum)

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return addFile(ctx, zw, name, p, info, &sum)

		default:
			sum.Skipped = append(sum.Skipped, name)
			return nil
		}
	})
	if err != nil {
		_ = zw.Close()
		return sum, err
	}
	return sum, zw.Close()
}

func addFile(ctx context.Context, zw *zip.Writer, name, src string, info fs.FileInfo, sum *Summary) error {
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	h.Name = name
	h.Method = zip.Deflate

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	n, err := fsutil.CopyContext(ctx, wr, f)
	if err != nil {
		return err
	}
	sum.Files++
	sum.Bytes += n
	return nil
}
