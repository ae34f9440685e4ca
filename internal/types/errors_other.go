//go:build !unix && !windows

package types

func isTransientErrno(error) bool { return false }

func isNameTooLong(error) bool { return false }
