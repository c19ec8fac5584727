//go:build !(linux || darwin || freebsd)

package storage

import (
	"context"

	"nasdrive/internal/common"
)

func (s *Service) Usage(ctx context.Context, user string) (Usage, error) {
	const op = "usage"
	if _, err := s.userRoot(op, user); err != nil {
		return Usage{}, err
	}
	return Usage{}, common.NewPathError(op, "", common.ErrIOFailure).WithDetail("not supported on this platform")
}
