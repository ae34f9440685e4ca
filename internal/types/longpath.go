//go:build !windows

package types

// LongPath returns p unchanged; only Windows needs extended-length addressing.
func LongPath(p string) string { return p }
