//go:build unix

package testfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cespare/xxhash/v2"
)

// TakeSnapshot walks root and records every file and symlink below it.
// Paths in the result are relative to root. Directories are not recorded;
// a path inside skip is left out along with its subtree.
func TakeSnapshot(root string, skip ...string) (Snapshot, error) {
	snap := make(Snapshot)
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[filepath.Clean(s)] = true
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skipped[path] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("cannot get stat for %s", path)
		}
		e := Entry{
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    uint32(info.Mode()),
			Inode:   stat.Ino,
			Nlink:   uint64(stat.Nlink), //nolint:unconvert // platform-dependent type
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if e.Target, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		} else if info.Mode().IsRegular() {
			// Unreadable files keep a zero digest; their metadata still counts
			e.Digest, _ = digest(path)
		}
		snap[rel] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func digest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Diff lists every difference between two snapshots, one line per path.
func Diff(before, after Snapshot) []string {
	var out []string
	for p, b := range before {
		a, ok := after[p]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("%s: removed", p))
		case a != b:
			out = append(out, fmt.Sprintf("%s: changed %+v -> %+v", p, b, a))
		}
	}
	for p := range after {
		if _, ok := before[p]; !ok {
			out = append(out, fmt.Sprintf("%s: added", p))
		}
	}
	return out
}
