//go:build !windows

package extractor

import (
	"os"
	"os/user"
	"strconv"
)

// lookupOwner resolves uid to a user name, falling back to the number.
func lookupOwner(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

// flagString renders the permission bits, e.g. "-rw-r--r--".
func flagString(info os.FileInfo) string { return info.Mode().String() }
