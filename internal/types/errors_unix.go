//go:build unix

package types

import (
	"errors"
	"syscall"
)

func isTransientErrno(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN)
}

func isNameTooLong(err error) bool {
	return errors.Is(err, syscall.ENAMETOOLONG)
}
