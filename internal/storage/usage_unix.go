//go:build linux || darwin || freebsd

package storage

import (
	"context"

	"golang.org/x/sys/unix"

	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
)

// Usage reports the capacity of the filesystem holding the user's root.
func (s *Service) Usage(ctx context.Context, user string) (Usage, error) {
	const op = "usage"
	root, err := s.userRoot(op, user)
	if err != nil {
		return Usage{}, err
	}
	canon, err := fsutil.CanonicalRoot(root)
	if err != nil {
		return Usage{}, common.Wrap(op, "", err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(canon, &st); err != nil {
		return Usage{}, s.fail(ctx, op, "", err)
	}
	bsize := uint64(st.Bsize)
	return newUsage(uint64(st.Blocks)*bsize, uint64(st.Bfree)*bsize, uint64(st.Bavail)*bsize), nil
}
