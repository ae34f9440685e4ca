package types

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// ErrorCode classifies a failure. Codes are stored verbatim on FileRecords.
type ErrorCode string

const (
	// Per-file codes, recorded on the record and never fatal to the run.
	CodePermissionDenied  ErrorCode = "permission_denied"
	CodePathTooLong       ErrorCode = "path_too_long"
	CodeTransientLock     ErrorCode = "transient_lock" // Retried with backoff
	CodeIOFailure         ErrorCode = "io_failure"
	CodeNotFound          ErrorCode = "not_found"
	CodeTimeout           ErrorCode = "timeout"
	CodeChangedDuringRead ErrorCode = "changed_during_read"

	// Sweep code, counted but resolved by resetting the record.
	CodeIntegrityViolation ErrorCode = "integrity_violation"

	// Fatal codes, surfaced to the caller.
	CodeConfigInvalid  ErrorCode = "config_invalid"
	CodeStorageFailure ErrorCode = "storage_failure"
)

// Error is a classified failure, optionally bound to a path.
type Error struct {
	Code ErrorCode
	Path string
	Err  error
}

// NewError wraps err with a code and path.
func NewError(code ErrorCode, path string, err error) *Error {
	return &Error{Code: code, Path: path, Err: err}
}

// Errorf builds a path-less classified error from a format string.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error from the filesystem or a context into an *Error.
// Errors that are already classified are returned unchanged.
func Classify(path string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(classifyCode(err), path, err)
}

func classifyCode(err error) ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case isTransientErrno(err):
		return CodeTransientLock
	case isNameTooLong(err):
		return CodePathTooLong
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	}
	return CodeIOFailure
}

// CodeOf returns the code of a classified error, or "" for anything else.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return CodeOf(err) == CodeTransientLock }

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	code := CodeOf(err)
	return code == CodeStorageFailure || code == CodeConfigInvalid
}
