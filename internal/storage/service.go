// Package storage implements the file operations a signed-in user can run
// against their own root directory. Every path argument is a logical path
// relative to that root; every error is a *common.PathError.
package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/logging"
	"nasdrive/internal/staging"
)

type Options struct {
	// Root holds one directory per user.
	Root     string
	Resolver *fsutil.Resolver
	Staging  *staging.Area
	Logger   logging.Logger

	MaxUploadBytes  int64 // 0 means unlimited
	ArchiveMaxDepth int
	ArchiveMaxBytes int64
}

type Service struct {
	root     string
	resolver *fsutil.Resolver
	staging  *staging.Area
	logger   logging.Logger

	maxUpload  int64
	maxDepth   int
	maxArchive int64
}

func New(opts Options) (*Service, error) {
	if opts.Root == "" {
		return nil, errors.New("storage: empty root")
	}
	if opts.Resolver == nil || opts.Staging == nil {
		return nil, errors.New("storage: resolver and staging area are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		root:       opts.Root,
		resolver:   opts.Resolver,
		staging:    opts.Staging,
		logger:     logger.With("module", "storage"),
		maxUpload:  opts.MaxUploadBytes,
		maxDepth:   opts.ArchiveMaxDepth,
		maxArchive: opts.ArchiveMaxBytes,
	}, nil
}

type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
	KindOther   Kind = "other"
)

// Entry is one row of a directory listing.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Kind     Kind      `json:"kind"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Category Category  `json:"category"`
}

func entryFrom(logical string, info fs.FileInfo) Entry {
	e := Entry{
		Name:    info.Name(),
		Path:    logical,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	switch m := info.Mode(); {
	case m.IsDir():
		e.Kind = KindDir
		e.Category = CategoryDir
		e.Size = 0
	case m&fs.ModeSymlink != 0:
		e.Kind = KindSymlink
		e.Category = CategoryOf(e.Name)
	case m.IsRegular():
		e.Kind = KindFile
		e.Category = CategoryOf(e.Name)
	default:
		e.Kind = KindOther
		e.Category = CategoryFile
	}
	return e
}

// userRoot returns the host directory of user. It is never created here.
func (s *Service) userRoot(op, user string) (string, error) {
	if err := s.resolver.Names().Check(user); err != nil {
		return "", common.NewPathError(op, "", common.ErrPermissionDenied).WithDetail("invalid user")
	}
	return filepath.Join(s.root, user), nil
}

// CheckName validates a single name supplied by a client, e.g. the file
// name of a multipart upload.
func (s *Service) CheckName(op, name string) error {
	if err := s.resolver.Names().Check(name); err != nil {
		return common.Wrap(op, name, err)
	}
	return nil
}

// List returns the entries of the directory at logical, directories first,
// then by case-insensitive name.
func (s *Service) List(ctx context.Context, user, logical string) ([]Entry, error) {
	const op = "list"
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
	ents, err := os.ReadDir(c.Abs)
	if err != nil {
		return nil, s.fail(ctx, op, logical, err)
	}

	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if fsutil.IsPartial(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		items = append(items, entryFrom(fsutil.JoinLogical(c.Logical, e.Name()), info))
	}
	sortEntries(items)
	return items, nil
}

func sortEntries(items []Entry) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ad, bd := a.Kind == KindDir, b.Kind == KindDir; ad != bd {
			return ad
		}
		if al, bl := strings.ToLower(a.Name), strings.ToLower(b.Name); al != bl {
			return al < bl
		}
		return a.Name < b.Name
	})
}

// Stat describes a single entry without following a final symlink.
func (s *Service) Stat(ctx context.Context, user, logical string) (Entry, error) {
	const op = "stat"
	root, err := s.userRoot(op, user)
	if err != nil {
		return Entry{}, err
	}
	c, err := s.resolver.ResolveEntry(root, logical)
	if err != nil {
		return Entry{}, common.Wrap(op, logical, err)
	}
	return entryFrom(c.Logical, c.Info), nil
}

// StatTarget is Stat with a final symlink followed. Links that leave the
// user root fail with ErrPathEscape.
func (s *Service) StatTarget(ctx context.Context, user, logical string) (Entry, error) {
	const op = "stat"
	root, err := s.userRoot(op, user)
	if err != nil {
		return Entry{}, err
	}
	c, err := s.resolver.Resolve(root, logical)
	if err != nil {
		return Entry{}, common.Wrap(op, logical, err)
	}
	e := entryFrom(c.Logical, c.Info)
	if !c.IsRoot() {
		e.Name = c.Name()
	}
	return e, nil
}

// MakeDir creates a single directory. The parent must exist.
func (s *Service) MakeDir(ctx context.Context, user, logical string) error {
	const op = "mkdir"
	root, err := s.userRoot(op, user)
	if err != nil {
		return err
	}
	c, err := s.resolver.ResolveNew(root, logical)
	if err != nil {
		return common.Wrap(op, logical, err)
	}
	if c.Exists() {
		return common.NewPathError(op, logical, common.ErrAlreadyExists)
	}
	if err := os.Mkdir(c.Abs, 0o755); err != nil {
		return s.fail(ctx, op, logical, err)
	}
	s.logger.Info(ctx, "directory created", "user", user, "path", c.Logical)
	return nil
}

// Delete removes a file, a symlink (not its target) or a whole directory
// tree. The user root itself cannot be deleted.
func (s *Service) Delete(ctx context.Context, user, logical string) error {
	const op = "delete"
	root, err := s.userRoot(op, user)
	if err != nil {
		return err
	}
	c, err := s.resolver.ResolveEntry(root, logical)
	if err != nil {
		return common.Wrap(op, logical, err)
	}
	if c.IsRoot() {
		return common.NewPathError(op, logical, common.ErrPermissionDenied).WithDetail("user root")
	}
	if c.Info.IsDir() {
		err = os.RemoveAll(c.Abs)
	} else {
		err = os.Remove(c.Abs)
	}
	if err != nil {
		return s.fail(ctx, op, logical, err)
	}
	s.logger.Info(ctx, "entry deleted", "user", user, "path", c.Logical)
	return nil
}

// Rename gives the entry at logical a new name in the same directory.
func (s *Service) Rename(ctx context.Context, user, logical, newName string) error {
	const op = "rename"
	if err := s.resolver.Names().Check(newName); err != nil {
		return common.Wrap(op, newName, err)
	}
	return s.move(ctx, op, user, logical, fsutil.JoinLogical(parentOf(logical), newName))
}

// Move relocates the entry at from to the new path to. Neither replaces an
// existing entry.
func (s *Service) Move(ctx context.Context, user, from, to string) error {
	return s.move(ctx, "move", user, from, to)
}

func (s *Service) move(ctx context.Context, op, user, from, to string) error {
	root, err := s.userRoot(op, user)
	if err != nil {
		return err
	}
	src, err := s.resolver.ResolveEntry(root, from)
	if err != nil {
		return common.Wrap(op, from, err)
	}
	if src.IsRoot() {
		return common.NewPathError(op, from, common.ErrPermissionDenied).WithDetail("user root")
	}
	dst, err := s.resolver.ResolveNew(root, to)
	if err != nil {
		return common.Wrap(op, to, err)
	}
	if dst.Exists() {
		return common.NewPathError(op, to, common.ErrAlreadyExists)
	}
	if src.Info.IsDir() && fsutil.Contains(src.Abs, dst.Abs) {
		return common.NewPathError(op, to, common.ErrNameInvalid).WithDetail("destination inside source")
	}
	if err := fsutil.Rename(src.Abs, dst.Abs); err != nil {
		return s.fail(ctx, op, to, err)
	}
	s.logger.Info(ctx, "entry moved", "user", user, "from", src.Logical, "to", dst.Logical)
	return nil
}

// fail wraps an unexpected OS error and logs its cause, which may carry host
// paths the client must not see.
func (s *Service) fail(ctx context.Context, op, logical string, err error) error {
	wrapped := common.Wrap(op, logical, err)
	if errors.Is(wrapped, common.ErrIOFailure) || errors.Is(wrapped, common.ErrPermissionDenied) {
		s.logger.Error(ctx, "storage operation failed", "op", op, "path", logical, "err", err)
	}
	return wrapped
}

func parentOf(logical string) string {
	logical = strings.TrimSuffix(logical, "/")
	if i := strings.LastIndex(logical, "/"); i >= 0 {
		return logical[:i]
	}
	return ""
}
