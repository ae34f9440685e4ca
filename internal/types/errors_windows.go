//go:build windows

package types

import (
	"errors"
	"syscall"
)

const (
	errSharingViolation   syscall.Errno = 32
	errLockViolation      syscall.Errno = 33
	errFilenameExcedRange syscall.Errno = 206
)

func isTransientErrno(err error) bool {
	return errors.Is(err, errSharingViolation) || errors.Is(err, errLockViolation)
}

func isNameTooLong(err error) bool {
	return errors.Is(err, errFilenameExcedRange)
}
