package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"nasdrive/internal/common"
)

// Confined is a host path proven to lie inside a user root.
type Confined struct {
	Root    string // canonical user root
	Abs     string
	Logical string
	// Info is nil when the target does not exist (ResolveNew only).
	Info fs.FileInfo
}

func (c Confined) IsRoot() bool { return c.Abs == c.Root }
func (c Confined) Exists() bool { return c.Info != nil }
func (c Confined) IsDir() bool  { return c.Info != nil && c.Info.IsDir() }

// Name returns the final logical component ("" for the root).
func (c Confined) Name() string {
	if c.Logical == "" {
		return ""
	}
	return filepath.Base(filepath.FromSlash(c.Logical))
}

// Resolver maps logical paths under a user root to host paths. Every
// component is validated and every symlink on the way is followed and
// re-checked, so a link can never lead a resolved path outside the root.
type Resolver struct {
	names *NameValidator
}

func NewResolver(names *NameValidator) *Resolver {
	return &Resolver{names: names}
}

func (r *Resolver) Names() *NameValidator { return r.names }

// Resolve follows the path completely, including a final symlink. The target
// must exist.
func (r *Resolver) Resolve(root, logical string) (Confined, error) {
	parts, rootCanon, err := r.prepare(root, logical)
	if err != nil {
		return Confined{}, err
	}
	abs, err := r.follow(rootCanon, parts)
	if err != nil {
		return Confined{}, common.Wrap("resolve", logical, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Confined{}, common.Wrap("resolve", logical, err)
	}
	return Confined{Root: rootCanon, Abs: abs, Logical: JoinLogical(parts...), Info: info}, nil
}

// ResolveEntry resolves the parent completely but leaves the final component
// as is, so operations like delete and rename act on a symlink itself rather
// than its target. The entry must exist.
func (r *Resolver) ResolveEntry(root, logical string) (Confined, error) {
	c, err := r.resolveLeaf(root, logical)
	if err != nil {
		return Confined{}, err
	}
	if !c.Exists() {
		return Confined{}, common.Wrap("resolve", logical, fs.ErrNotExist)
	}
	return c, nil
}

// ResolveNew resolves a destination that may not exist yet. The parent must
// exist and be a directory inside the root.
func (r *Resolver) ResolveNew(root, logical string) (Confined, error) {
	return r.resolveLeaf(root, logical)
}

func (r *Resolver) resolveLeaf(root, logical string) (Confined, error) {
	parts, rootCanon, err := r.prepare(root, logical)
	if err != nil {
		return Confined{}, err
	}
	if len(parts) == 0 {
		info, err := os.Stat(rootCanon)
		if err != nil {
			return Confined{}, common.Wrap("resolve", logical, err)
		}
		return Confined{Root: rootCanon, Abs: rootCanon, Info: info}, nil
	}

	parent, err := r.follow(rootCanon, parts[:len(parts)-1])
	if err != nil {
		return Confined{}, common.Wrap("resolve", logical, err)
	}
	pinfo, err := os.Stat(parent)
	if err != nil {
		return Confined{}, common.Wrap("resolve", logical, err)
	}
	if !pinfo.IsDir() {
		return Confined{}, common.NewPathError("resolve", logical, common.ErrNotFound).WithDetail("parent is not a directory")
	}

	abs := filepath.Join(parent, parts[len(parts)-1])
	c := Confined{Root: rootCanon, Abs: abs, Logical: JoinLogical(parts...)}
	info, err := os.Lstat(abs)
	switch {
	case err == nil:
		c.Info = info
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Confined{}, common.Wrap("resolve", logical, err)
	}
	return c, nil
}

// prepare validates every component and canonicalises the root.
func (r *Resolver) prepare(root, logical string) ([]string, string, error) {
	parts, err := SplitLogical(logical)
	if err != nil {
		return nil, "", err
	}
	for _, p := range parts {
		if err := r.names.Check(p); err != nil {
			return nil, "", common.Wrap("resolve", logical, err)
		}
	}
	rootCanon, err := CanonicalRoot(root)
	if err != nil {
		return nil, "", common.Wrap("resolve", logical, err)
	}
	return parts, rootCanon, nil
}

// CanonicalRoot returns the absolute, symlink-free form of root.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// follow walks parts below rootCanon one at a time, resolving symlinks and
// checking containment after every step.
func (r *Resolver) follow(rootCanon string, parts []string) (string, error) {
	cur := rootCanon
	for _, p := range parts {
		next := filepath.Join(cur, p)
		fi, err := os.Lstat(next)
		if err != nil {
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(next)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", danglingLink(rootCanon, next)
				}
				// EvalSymlinks gives up on cycles without ELOOP; stat reports it
				if _, serr := os.Stat(next); errors.Is(serr, syscall.ELOOP) {
					return "", common.NewPathError("resolve", "", common.ErrNotFound).WithDetail("symlink loop")
				}
				return "", err
			}
			next = target
		}
		if !Contains(rootCanon, next) {
			return "", common.NewPathError("resolve", "", common.ErrPathEscape).WithDetail("symlink leaves root")
		}
		cur = next
	}
	return cur, nil
}

// danglingLink reports a broken link as not found when it points inside the
// root and as an escape otherwise.
func danglingLink(rootCanon, link string) error {
	target, err := os.Readlink(link)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	if Contains(rootCanon, filepath.Clean(target)) {
		return fs.ErrNotExist
	}
	return common.NewPathError("resolve", "", common.ErrPathEscape).WithDetail("symlink leaves root")
}
