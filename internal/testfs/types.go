// Package testfs builds file trees for tests and proves a scan left them
// untouched.
//
// # Declaring Trees
//
// Trees are declared as data and sown under a temporary root:
//
//	given := testfs.FileTree{
//	    Volumes: []Volume{
//	        {
//	            MountPoint: "/photos",
//	            Files: []File{
//	                {Path: []string{"a.jpg", "backup/a.jpg"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	                {Path: []string{"b.jpg"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	            },
//	            Symlinks: []Symlink{{Path: "latest.jpg", Target: "a.jpg"}},
//	        },
//	    },
//	}
//
// Subdirectories are created automatically from file paths (mkdir -p semantics).
// File paths are relative to the volume mount point. Multiple paths in one
// File are hardlinks of the first.
//
//	h := testfs.New(t, given)
//	before := h.Snapshot()
//	// ... scan h.Path("/photos")
//	h.AssertUnchanged(before)
//
// # Field Usage
//
//	| Field          | Effect                                   |
//	|----------------|------------------------------------------|
//	| File.Path      | Create file, hardlink the rest           |
//	| File.Chunks    | Generate content                         |
//	| File.Mode      | Permission bits (default 0644)           |
//	| File.ModTime   | Modification time (default: write time)  |
//	| Symlink.Path   | Create symlink                           |
//	| Symlink.Target | Symlink target                           |
package testfs

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FileTree describes a filesystem to create.
type FileTree struct {
	Volumes []Volume `json:"volumes"`
}

// Volume is a directory tree rooted at MountPoint below the harness root.
type Volume struct {
	// MountPoint is the volume path relative to the harness root.
	// Examples: "/data", "/data/subdir", "/vol1"
	MountPoint string `json:"mountPoint"`

	Files    []File    `json:"files,omitempty"`
	Symlinks []Symlink `json:"symlinks,omitempty"`
}

// File defines a regular file, possibly with hardlinks.
//
// Content is specified via Chunks: each chunk fills a region with its pattern
// byte. Same chunks means same content.
type File struct {
	// Path[0] is created; Path[1:] are hardlinked to it.
	Path []string `json:"path"`

	Chunks []Chunk `json:"chunks,omitempty"`

	// Mode is applied after writing. Zero means 0644.
	Mode uint32 `json:"mode,omitempty"`

	// ModTime is applied after writing. Zero keeps the write time.
	ModTime time.Time `json:"modTime,omitempty"`
}

// Chunk defines a region of file content filled with a pattern byte.
type Chunk struct {
	// Pattern is the fill byte for this chunk region.
	Pattern rune `json:"pattern"`

	// Size in IEC units (1024-based): "1KiB", "1MiB", "1GiB".
	Size string `json:"size"`
}

// TotalSize calculates the sum of all chunk sizes in bytes.
func (f *File) TotalSize() int64 {
	var total int64
	for _, c := range f.Chunks {
		size, _ := humanize.ParseBytes(c.Size)
		total += int64(size)
	}
	return total
}

// Symlink defines a symbolic link.
type Symlink struct {
	// Path is relative to the volume mount point.
	Path string `json:"path"`

	// Target is stored verbatim.
	Target string `json:"target"`
}

// Entry is the observed state of one path in a Snapshot.
type Entry struct {
	Size    int64
	ModTime time.Time
	Mode    uint32
	Inode   uint64
	Nlink   uint64
	Digest  uint64 // xxh64 of the content; zero for symlinks and unreadable files
	Target  string // Symlink target
}

// Snapshot maps root-relative paths to their observed state.
type Snapshot map[string]Entry
