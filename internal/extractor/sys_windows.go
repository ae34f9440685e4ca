package extractor

import (
	"os"
	"syscall"
	"time"

	"github.com/ivoronin/dupecat/internal/types"
)

// fillSys copies the creation time. Windows has no uid, so no owner.
func fillSys(fi *types.FileInfo, info os.FileInfo) (uid uint32, ok bool) {
	if d, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		fi.CreateTime = time.Unix(0, d.CreationTime.Nanoseconds())
	}
	return 0, false
}

func lookupOwner(uint32) string { return "" }

// flagString renders the Windows attribute letters (R, H, S, A).
func flagString(info os.FileInfo) string {
	d, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return ""
	}
	var b []byte
	for _, a := range []struct {
		bit    uint32
		letter byte
	}{
		{syscall.FILE_ATTRIBUTE_READONLY, 'R'},
		{syscall.FILE_ATTRIBUTE_HIDDEN, 'H'},
		{syscall.FILE_ATTRIBUTE_SYSTEM, 'S'},
		{syscall.FILE_ATTRIBUTE_ARCHIVE, 'A'},
	} {
		if d.FileAttributes&a.bit != 0 {
			b = append(b, a.letter)
		}
	}
	return string(b)
}
