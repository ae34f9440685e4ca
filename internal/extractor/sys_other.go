//go:build !linux && !darwin && !windows

package extractor

import (
	"os"

	"github.com/ivoronin/dupecat/internal/types"
)

func fillSys(*types.FileInfo, os.FileInfo) (uint32, bool) { return 0, false }
