package storage

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"nasdrive/internal/archive"
	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/staging"
)

// Content is a readable download. The caller must Close it.
type Content struct {
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
	io.ReadSeekCloser
}

// Upload streams r into a new file at logical. The data lands in a temp
// entry first and only appears at logical once it is complete. Without
// overwrite an existing entry is never replaced.
func (s *Service) Upload(ctx context.Context, user, logical string, r io.Reader, overwrite bool) (Entry, error) {
	const op = "upload"
	root, err := s.userRoot(op, user)
	if err != nil {
		return Entry{}, err
	}
	dst, err := s.checkUploadTarget(op, root, logical, overwrite)
	if err != nil {
		return Entry{}, err
	}

	scratch, err := s.staging.Begin(staging.KindUpload)
	if err != nil {
		return Entry{}, s.fail(ctx, op, logical, err)
	}
	defer scratch.Close()

	body := scratch.File("body")
	if _, err := s.receive(ctx, body, r, s.maxUpload); err != nil {
		return Entry{}, s.fail(ctx, op, logical, err)
	}

	// the tree may have changed while the body was streaming
	dst, err = s.checkUploadTarget(op, root, dst.Logical, overwrite)
	if err != nil {
		return Entry{}, err
	}
	if err := fsutil.Place(body, dst.Abs, overwrite); err != nil {
		return Entry{}, s.fail(ctx, op, logical, err)
	}

	info, err := os.Lstat(dst.Abs)
	if err != nil {
		return Entry{}, s.fail(ctx, op, logical, err)
	}
	s.logger.Info(ctx, "file uploaded", "user", user, "path", dst.Logical, "size", info.Size(), "overwrite", overwrite)
	return entryFrom(dst.Logical, info), nil
}

func (s *Service) checkUploadTarget(op, root, logical string, overwrite bool) (fsutil.Confined, error) {
	dst, err := s.resolver.ResolveNew(root, logical)
	if err != nil {
		return fsutil.Confined{}, common.Wrap(op, logical, err)
	}
	if dst.IsRoot() || dst.IsDir() {
		return fsutil.Confined{}, common.NewPathError(op, logical, common.ErrAlreadyExists).WithDetail("is a directory")
	}
	if dst.Exists() && !overwrite {
		return fsutil.Confined{}, common.NewPathError(op, logical, common.ErrAlreadyExists)
	}
	return dst, nil
}

// receive copies r into a new file at path, stopping at limit bytes (0 means
// no limit) or when ctx is done.
func (s *Service) receive(ctx context.Context, path string, r io.Reader, limit int64) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := fsutil.CopyContext(ctx, out, src)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if limit > 0 && n > limit {
		return n, common.ErrTooLarge
	}
	return n, nil
}

// Download opens the regular file at logical, following symlinks that stay
// inside the user root.
func (s *Service) Download(ctx context.Context, user, logical string) (*Content, error) {
	const op = "download"
	root, err := s.userRoot(op, user)
	if err != nil {
		return nil, err
	}
	c, err := s.resolver.Resolve(root, logical)
	if err != nil {
		return nil, common.Wrap(op, logical, err)
	}
	if !c.Info.Mode().IsRegular() {
		return nil, common.NewPathError(op, logical, common.ErrNotFound).WithDetail("not a regular file")
	}
	f, err := os.Open(c.Abs)
	if err != nil {
		return nil, s.fail(ctx, op, logical, err)
	}
	name := c.Name()
	return &Content{
		Name:           name,
		Size:           c.Info.Size(),
		ModTime:        c.Info.ModTime(),
		ContentType:    ContentType(name),
		ReadSeekCloser: f,
	}, nil
}

// DownloadArchive zips the directory at logical. The archive is built
// completely before it is returned, so failures surface before any byte is
// sent. Closing the content releases its temp entry.
func (s *Service) DownloadArchive(ctx context.Context, user, logical string) (*Content, error) {
	const op = "zip"
	root, err := s.userRoot(op, user)
	if err != nil {
		return nil, err
	}
	c, err := s.resolver.Resolve(root, logical)
	if err != nil {
		return nil, common.Wrap(op, logical, err)
	}
	if !c.IsDir() {
		return nil, common.NewPathError(op, logical, common.ErrNotFound).WithDetail("not a directory")
	}

	scratch, err := s.staging.Begin(staging.KindArchive)
	if err != nil {
		return nil, s.fail(ctx, op, logical, err)
	}
	f, err := os.Create(scratch.File("archive.zip"))
	if err != nil {
		_ = scratch.Close()
		return nil, s.fail(ctx, op, logical, err)
	}
	release := func() {
		_ = f.Close()
		_ = scratch.Close()
	}

	sum, err := archive.Write(ctx, f, c.Abs)
	if err != nil {
		release()
		return nil, s.fail(ctx, op, logical, err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		release()
		return nil, s.fail(ctx, op, logical, err)
	}
	if len(sum.Skipped) > 0 {
		s.logger.Warn(ctx, "archive skipped entries", "user", user, "path", c.Logical, "skipped", len(sum.Skipped))
	}

	name := c.Name()
	if c.IsRoot() {
		name = user
	}
	return &Content{
		Name:           name + ".zip",
		Size:           size,
		ModTime:        time.Now(),
		ContentType:    "application/zip",
		ReadSeekCloser: &stagedFile{File: f, entry: scratch},
	}, nil
}

// stagedFile removes its temp entry on Close.
type stagedFile struct {
	*os.File
	entry *staging.Entry
}

func (f *stagedFile) Close() error {
	err := f.File.Close()
	if rerr := f.entry.Close(); err == nil {
		err = rerr
	}
	return err
}

// UploadArchive expands a zip read from r into the existing directory dir.
// Bad entries are skipped; see archive.Expand.
func (s *Service) UploadArchive(ctx context.Context, user, dir string, r io.Reader) (archive.Report, error) {
	const op = "unzip"
	root, err := s.userRoot(op, user)
	if err != nil {
		return archive.Report{}, err
	}
	c, err := s.resolver.Resolve(root, dir)
	if err != nil {
		return archive.Report{}, common.Wrap(op, dir, err)
	}
	if !c.IsDir() {
		return archive.Report{}, common.NewPathError(op, dir, common.ErrNotFound).WithDetail("not a directory")
	}

	scratch, err := s.staging.Begin(staging.KindUpload)
	if err != nil {
		return archive.Report{}, s.fail(ctx, op, dir, err)
	}
	defer scratch.Close()

	zipPath := scratch.File("upload.zip")
	if _, err := s.receive(ctx, zipPath, r, s.maxUpload); err != nil {
		return archive.Report{}, s.fail(ctx, op, dir, err)
	}
	return s.expand(ctx, op, user, zipPath, root, c.Logical)
}

// UnpackArchive expands the zip at zipLogical into a new sibling directory
// named after it without the extension. It refuses if that directory exists.
// It returns the logical path of the new directory.
func (s *Service) UnpackArchive(ctx context.Context, user, zipLogical string) (string, archive.Report, error) {
	const op = "unpack"
	root, err := s.userRoot(op, user)
	if err != nil {
		return "", archive.Report{}, err
	}
	c, err := s.resolver.Resolve(root, zipLogical)
	if err != nil {
		return "", archive.Report{}, common.Wrap(op, zipLogical, err)
	}
	name := c.Name()
	if !c.Info.Mode().IsRegular() || len(name) <= len(".zip") || !strings.EqualFold(name[len(name)-4:], ".zip") {
		return "", archive.Report{}, common.NewPathError(op, zipLogical, common.ErrNameInvalid).WithDetail("not a zip archive")
	}
	base := strings.TrimRight(name[:len(name)-4], ". ")
	target := fsutil.JoinLogical(parentOf(c.Logical), base)

	d, err := s.resolver.ResolveNew(root, target)
	if err != nil {
		return "", archive.Report{}, common.Wrap(op, target, err)
	}
	if d.Exists() {
		return "", archive.Report{}, common.NewPathError(op, target, common.ErrAlreadyExists)
	}
	if err := os.Mkdir(d.Abs, 0o755); err != nil {
		return "", archive.Report{}, s.fail(ctx, op, target, err)
	}

	rep, err := s.expand(ctx, op, user, c.Abs, root, d.Logical)
	if err != nil && len(rep.Written) == 0 {
		// nothing landed; drop the empty directory again
		_ = os.Remove(d.Abs)
	}
	return d.Logical, rep, err
}

func (s *Service) expand(ctx context.Context, op, user, zipPath, root, dest string) (archive.Report, error) {
	rep, err := archive.Expand(ctx, zipPath, root, dest, archive.Options{
		Resolver: s.resolver,
		Staging:  s.staging,
		MaxDepth: s.maxDepth,
		MaxBytes: s.maxArchive,
	})
	s.logger.Info(ctx, "archive expanded", "user", user, "dest", dest,
		"written", len(rep.Written), "rejected", len(rep.Rejected))
	if err != nil {
		if errors.Is(err, common.ErrArchiveEntryRejected) {
			return rep, common.Wrap(op, dest, err)
		}
		if errors.Is(err, zip.ErrFormat) {
			return rep, common.NewPathError(op, dest, common.ErrArchiveEntryRejected).WithDetail("not a zip archive")
		}
		return rep, s.fail(ctx, op, dest, err)
	}
	return rep, nil
}
