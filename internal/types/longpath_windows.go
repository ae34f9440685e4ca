//go:build windows

package types

import (
	"path/filepath"
	"strings"
)

// LongPath rewrites an absolute path into extended-length form so paths
// beyond MAX_PATH can be opened. UNC shares use the \\?\UNC\ prefix.
func LongPath(p string) string {
	if strings.HasPrefix(p, `\\?\`) || !filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, `\\`) {
		return `\\?\UNC\` + filepath.Clean(p)[2:]
	}
	return `\\?\` + filepath.Clean(p)
}
