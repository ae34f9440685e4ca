package extractor

import (
	"os"
	"syscall"
	"time"

	"github.com/ivoronin/dupecat/internal/types"
)

// fillSys copies platform facts into fi. Linux has no portable birth time,
// so the change time stands in.
func fillSys(fi *types.FileInfo, info os.FileInfo) (uid uint32, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	fi.CreateTime = time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)) //nolint:unconvert // platform-dependent type
	fi.Dev = uint64(st.Dev)                                              //nolint:unconvert // platform-dependent type
	fi.Ino = st.Ino
	fi.Nlink = uint32(st.Nlink)
	return st.Uid, true
}
