package fsutil

import (
	"path/filepath"
	"strings"

	"nasdrive/internal/common"
)

// SplitLogical splits a slash-separated logical path ("" means the user root)
// into its components. It rejects absolute paths and parent segments before
// anything touches the filesystem. Components are not validated here.
func SplitLogical(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return nil, common.NewPathError("resolve", p, common.ErrPathEscape).WithDetail("absolute path")
	}
	// one trailing slash is tolerated ("docs/")
	p = strings.TrimSuffix(p, "/")
	parts := strings.Split(p, "/")
	for _, c := range parts {
		if c == ".." {
			return nil, common.NewPathError("resolve", p, common.ErrPathEscape).WithDetail("parent segment")
		}
	}
	return parts, nil
}

// JoinLogical joins components back into a logical path, skipping empty ones.
func JoinLogical(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Contains reports whether p lies inside root (or is root). Both must be
// absolute and already canonical for the answer to mean anything.
func Contains(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
