package extractor

import (
	"os"
	"syscall"
	"time"

	"github.com/ivoronin/dupecat/internal/types"
)

// fillSys copies platform facts into fi, using the birth time.
func fillSys(fi *types.FileInfo, info os.FileInfo) (uid uint32, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	fi.CreateTime = time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec)
	fi.Dev = uint64(st.Dev)
	fi.Ino = st.Ino
	fi.Nlink = uint32(st.Nlink)
	return st.Uid, true
}
