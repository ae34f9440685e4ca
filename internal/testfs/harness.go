//go:build unix

package testfs

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// Harness owns a sown tree in t.TempDir().
//
// Usage:
//
//	h := testfs.New(t, given)
//	before := h.Snapshot()
//	summary, err := eng.Scan(ctx, []string{h.Path("/photos")}, false)
//	h.AssertUnchanged(before)
type Harness struct {
	t    *testing.T
	root string
	skip []string // Paths excluded from snapshots (catalog files)
}

// New creates the tree in a fresh temporary directory. The directory is
// removed by t.TempDir() mechanics.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	h := &Harness{t: t, root: t.TempDir()}
	if err := SowFileTree(h.root, given); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}
	return h
}

// Root returns the temporary directory root path.
func (h *Harness) Root() string { return h.root }

// Path joins rel onto the root.
func (h *Harness) Path(rel string) string { return filepath.Join(h.root, rel) }

// Ignore keeps paths (and their subtrees) out of snapshots. Use it for state
// the code under test is allowed to write, such as a catalog under the root.
func (h *Harness) Ignore(paths ...string) {
	h.skip = append(h.skip, paths...)
}

// Snapshot records the current state of the tree.
func (h *Harness) Snapshot() Snapshot {
	h.t.Helper()
	snap, err := TakeSnapshot(h.root, h.skip...)
	if err != nil {
		h.t.Fatalf("snapshot %s: %v", h.root, err)
	}
	return snap
}

// AssertUnchanged fails the test if any file or symlink differs from before
// in content, size, mtime, mode or inode, or was added or removed.
func (h *Harness) AssertUnchanged(before Snapshot) {
	h.t.Helper()
	diff := Diff(before, h.Snapshot())
	sort.Strings(diff)
	for _, d := range diff {
		h.t.Errorf("tree modified: %s", d)
	}
}

// Write replaces the content of rel and sets its mtime, so that the change
// is visible even on filesystems with coarse timestamps.
func (h *Harness) Write(rel string, chunks []Chunk, mtime time.Time) {
	h.t.Helper()
	path := h.Path(rel)
	if err := WriteChunks(path, chunks); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		h.t.Fatalf("chtimes %s: %v", rel, err)
	}
}

// Remove deletes rel.
func (h *Harness) Remove(rel string) {
	h.t.Helper()
	if err := os.Remove(h.Path(rel)); err != nil {
		h.t.Fatalf("remove %s: %v", rel, err)
	}
}
