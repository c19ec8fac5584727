// Package common defines the error taxonomy shared by the storage core and
// its transports. Callers should match with errors.Is against the sentinels.
package common

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	// Session errors.
	ErrAuthInvalid = errors.New("not authenticated")
	ErrAuthExpired = errors.New("session expired")

	// Validation errors. Never retried.
	ErrNameInvalid = errors.New("invalid name")
	ErrPathEscape  = errors.New("path escapes user root")

	// Filesystem errors.
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIOFailure        = errors.New("i/o failure")
	ErrTooLarge         = errors.New("size limit exceeded")

	// Archive errors.
	ErrArchiveEntryRejected = errors.New("archive entry rejected")
)

// PathError reports a failed operation on a logical path. Its message only
// ever carries the logical path and a category, so it is safe to hand to a
// client. The underlying cause is kept for server-side logging.
type PathError struct {
	Op     string
	Path   string
	Kind   error
	Detail string
	cause  error
}

func (e *PathError) Error() string {
	msg := e.Op + " " + fmt.Sprintf("%q", e.Path) + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *PathError) Unwrap() error { return e.Kind }

// Cause returns the original error, which may contain host paths.
func (e *PathError) Cause() error { return e.cause }

// NewPathError builds a PathError of the given kind.
func NewPathError(op, logical string, kind error) *PathError {
	return &PathError{Op: op, Path: logical, Kind: kind}
}

// WithDetail sets a short client-safe explanation.
func (e *PathError) WithDetail(detail string) *PathError {
	e.Detail = detail
	return e
}

// Wrap converts err into a PathError for op on logical. Errors that already
// belong to the taxonomy keep their kind; OS errors are classified.
func Wrap(op, logical string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		if pe.Path == logical && pe.Op == op {
			return pe
		}
		return &PathError{Op: op, Path: logical, Kind: pe.Kind, Detail: pe.Detail, cause: pe.cause}
	}
	return &PathError{Op: op, Path: logical, Kind: Classify(err), cause: err}
}

// Classify maps an arbitrary error onto one of the sentinel kinds.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthInvalid):
		return ErrAuthInvalid
	case errors.Is(err, ErrAuthExpired):
		return ErrAuthExpired
	case errors.Is(err, ErrNameInvalid):
		return ErrNameInvalid
	case errors.Is(err, ErrPathEscape):
		return ErrPathEscape
	case errors.Is(err, ErrArchiveEntryRejected):
		return ErrArchiveEntryRejected
	case errors.Is(err, ErrTooLarge):
		return ErrTooLarge
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ELOOP):
		return ErrNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, fs.ErrExist), errors.Is(err, syscall.ENOTEMPTY):
		return ErrAlreadyExists
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	default:
		return ErrIOFailure
	}
}

// IsValidation reports whether err is a validation failure (bad name or
// confinement violation).
func IsValidation(err error) bool {
	return errors.Is(err, ErrNameInvalid) || errors.Is(err, ErrPathEscape)
}
