package testfs

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const defaultMode = 0o644

// SowFileTree creates the tree under root. Each volume's MountPoint becomes a
// subdirectory of root.
func SowFileTree(root string, tree FileTree) error {
	for _, vol := range tree.Volumes {
		if err := sowVolume(root, vol); err != nil {
			return fmt.Errorf("sow volume %s: %w", vol.MountPoint, err)
		}
	}
	return nil
}

func sowVolume(root string, vol Volume) error {
	volPath := filepath.Join(root, vol.MountPoint)
	if err := os.MkdirAll(volPath, 0o755); err != nil {
		return fmt.Errorf("create volume dir: %w", err)
	}
	for _, f := range vol.Files {
		if err := sowFile(volPath, f); err != nil {
			return err
		}
	}
	for _, sym := range vol.Symlinks {
		link := filepath.Join(volPath, sym.Path)
		if err := mkParent(link); err != nil {
			return err
		}
		if err := os.Symlink(sym.Target, link); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", link, sym.Target, err)
		}
	}
	return nil
}

// sowFile creates one file entry with its hardlinks, then applies mode and
// mtime so every link observes them.
func sowFile(volPath string, f File) error {
	if len(f.Path) == 0 {
		return nil
	}

	first := filepath.Join(volPath, f.Path[0])
	if err := WriteChunks(first, f.Chunks); err != nil {
		return fmt.Errorf("create %s: %w", first, err)
	}
	if !f.ModTime.IsZero() {
		if err := os.Chtimes(first, f.ModTime, f.ModTime); err != nil {
			return fmt.Errorf("chtimes %s: %w", first, err)
		}
	}
	for _, p := range f.Path[1:] {
		link := filepath.Join(volPath, p)
		if err := mkParent(link); err != nil {
			return err
		}
		if err := os.Link(first, link); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", link, first, err)
		}
	}
	if f.Mode != 0 && f.Mode != defaultMode {
		if err := os.Chmod(first, fs.FileMode(f.Mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", first, err)
		}
	}
	return nil
}

// WriteChunks (re)writes path with the chunked content, creating parents.
func WriteChunks(path string, chunks []Chunk) (err error) {
	if err := mkParent(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultMode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, c := range chunks {
		if err := writeChunk(f, c); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk streams one pattern-filled region with a buffer of at most 1MiB.
func writeChunk(f *os.File, c Chunk) error {
	const maxBufSize = 1 << 20

	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("parse chunk size %q: %w", c.Size, err)
	}

	buf := bytes.Repeat([]byte{byte(c.Pattern)}, int(min(size, maxBufSize)))
	for remaining := int64(size); remaining > 0; {
		n := min(remaining, int64(len(buf)))
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func mkParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
