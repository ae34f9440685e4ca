package types

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Section 1: Generic Sorted[T, K] Tests
// =============================================================================

// TestSortedBasic tests basic sorting with string keys.
func TestSortedBasic(t *testing.T) {
	items := []string{"charlie", "alpha", "bravo"}
	sorted := NewSorted(items, func(s string) string { return s })

	if sorted.Len() != 3 {
		t.Errorf("expected Len() = 3, got %d", sorted.Len())
	}

	expected := []string{"alpha", "bravo", "charlie"}
	for i, item := range sorted.Items() {
		if item != expected[i] {
			t.Errorf("Items()[%d] = %q, want %q", i, item, expected[i])
		}
	}
}

// TestSortedFirst tests First() returns smallest key element.
func TestSortedFirst(t *testing.T) {
	items := []int{30, 10, 20}
	sorted := NewSorted(items, func(i int) int { return i })

	if sorted.First() != 10 {
		t.Errorf("First() = %d, want 10", sorted.First())
	}
}

// TestSortedFirstEmpty tests First() returns zero value on empty.
func TestSortedFirstEmpty(t *testing.T) {
	sorted := NewSorted([]string{}, func(s string) string { return s })

	if sorted.First() != "" {
		t.Errorf("First() on empty = %q, want empty string", sorted.First())
	}
}

// TestSortedLenEmpty tests Len() on empty collection.
func TestSortedLenEmpty(t *testing.T) {
	sorted := NewSorted([]int{}, func(i int) int { return i })

	if sorted.Len() != 0 {
		t.Errorf("Len() on empty = %d, want 0", sorted.Len())
	}
}

// TestSortedDoesNotMutateInput tests that input slice is not modified.
func TestSortedDoesNotMutateInput(t *testing.T) {
	original := []string{"charlie", "alpha", "bravo"}
	originalCopy := make([]string, len(original))
	copy(originalCopy, original)

	_ = NewSorted(original, func(s string) string { return s })

	for i := range original {
		if original[i] != originalCopy[i] {
			t.Errorf("Input was mutated: original[%d] = %q, was %q", i, original[i], originalCopy[i])
		}
	}
}

// TestSortedIntKeys tests sorting by integer key.
func TestSortedIntKeys(t *testing.T) {
	type item struct {
		name  string
		value int
	}
	items := []item{
		{name: "c", value: 30},
		{name: "a", value: 10},
		{name: "b", value: 20},
	}

	sorted := NewSorted(items, func(i item) int { return i.value })

	expected := []string{"a", "b", "c"}
	for i, item := range sorted.Items() {
		if item.name != expected[i] {
			t.Errorf("Items()[%d].name = %q, want %q", i, item.name, expected[i])
		}
	}
}

// TestSortedDeterminism tests that same input always produces same output.
func TestSortedDeterminism(t *testing.T) {
	items := []string{"delta", "alpha", "charlie", "bravo"}

	// Run multiple times, verify same result
	var firstResult []string
	for i := 0; i < 10; i++ {
		sorted := NewSorted(items, func(s string) string { return s })
		if firstResult == nil {
			firstResult = sorted.Items()
		} else {
			for j, item := range sorted.Items() {
				if item != firstResult[j] {
					t.Errorf("Run %d: Items()[%d] = %q, want %q (non-deterministic)", i, j, item, firstResult[j])
				}
			}
		}
	}
}

// TestSortedSingleItem tests behavior with single item.
func TestSortedSingleItem(t *testing.T) {
	sorted := NewSorted([]string{"only"}, func(s string) string { return s })

	if sorted.Len() != 1 {
		t.Errorf("Len() = %d, want 1", sorted.Len())
	}
	if sorted.First() != "only" {
		t.Errorf("First() = %q, want %q", sorted.First(), "only")
	}
}

// =============================================================================
// Section 2: FileGroup Tests
// =============================================================================

// TestNewFileGroup tests FileGroup sorts by Path.
func TestNewFileGroup(t *testing.T) {
	records := []*FileRecord{
		{Path: "/z/file.txt"},
		{Path: "/a/file.txt"},
		{Path: "/m/file.txt"},
	}

	group := NewFileGroup(records)

	expected := []string{"/a/file.txt", "/m/file.txt", "/z/file.txt"}
	for i, r := range group.Items() {
		if r.Path != expected[i] {
			t.Errorf("Items()[%d].Path = %q, want %q", i, r.Path, expected[i])
		}
	}
}

// TestNewFileGroupEmpty tests FileGroup with no records.
func TestNewFileGroupEmpty(t *testing.T) {
	group := NewFileGroup(nil)
	if group.Len() != 0 {
		t.Errorf("Len() = %d, want 0", group.Len())
	}
	if group.First() != nil {
		t.Errorf("First() on empty = %v, want nil", group.First())
	}
}

// =============================================================================
// Section 3: FileRecord Tests
// =============================================================================

// TestNewFileRecordFacts tests derived fields of a new record.
func TestNewFileRecordFacts(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	mtime := time.Date(2023, 6, 1, 12, 0, 0, 123, time.FixedZone("X", 3600))
	fi := &FileInfo{Path: "/data/photos/IMG_0001.JPG", Size: 4096, ModTime: mtime, Owner: "alice"}

	r := NewFileRecord(fi, "run-1", now)

	if r.Dir != "/data/photos" {
		t.Errorf("Dir = %q, want /data/photos", r.Dir)
	}
	if r.Name != "IMG_0001.JPG" {
		t.Errorf("Name = %q, want IMG_0001.JPG", r.Name)
	}
	if r.Ext != ".jpg" {
		t.Errorf("Ext = %q, want .jpg", r.Ext)
	}
	if r.State != StatePending {
		t.Errorf("State = %q, want pending", r.State)
	}
	if r.ModTime.Location() != time.UTC {
		t.Errorf("ModTime not UTC: %v", r.ModTime)
	}
	if r.ScanRunID != "run-1" || !r.LastSeenAt.Equal(now) {
		t.Errorf("run/seen not set: %q %v", r.ScanRunID, r.LastSeenAt)
	}
	if r.QuickHash != "" || r.HasFullHash() {
		t.Error("new record must carry no hashes")
	}
}

// TestFileRecordMatches tests the (size, mtime) change guard.
func TestFileRecordMatches(t *testing.T) {
	mtime := time.Unix(1700000000, 500)
	r := &FileRecord{Size: 100, ModTime: mtime.UTC()}

	tests := []struct {
		name string
		fi   FileInfo
		want bool
	}{
		{"identical", FileInfo{Size: 100, ModTime: mtime}, true},
		{"other zone same instant", FileInfo{Size: 100, ModTime: mtime.In(time.FixedZone("Y", -7200))}, true},
		{"size differs", FileInfo{Size: 101, ModTime: mtime}, false},
		{"mtime differs by 1ns", FileInfo{Size: 100, ModTime: mtime.Add(time.Nanosecond)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Matches(&tt.fi); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestStateValidTerminal tests state predicates.
func TestStateValidTerminal(t *testing.T) {
	for _, s := range States {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if State("hashing").Valid() {
		t.Error("unknown state reported valid")
	}
	if !StateDone.Terminal() || !StateError.Terminal() {
		t.Error("done and error must be terminal")
	}
	if StateSHAPending.Terminal() || StatePending.Terminal() || StateQuickHashed.Terminal() {
		t.Error("active states must not be terminal")
	}
}

// TestNewScanRun tests scan run identity.
func TestNewScanRun(t *testing.T) {
	a, err := NewScanRun([]string{"/a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewScanRun([]string{"/a"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("run ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

// =============================================================================
// Section 4: Error Classification Tests
// =============================================================================

// TestClassify tests mapping of filesystem errors to codes.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, CodePermissionDenied},
		{"not exist", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, CodeNotFound},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), CodeTimeout},
		{"other", errors.New("boom"), CodeIOFailure},
		{"already classified", NewError(CodeTransientLock, "/y", errors.New("locked")), CodeTransientLock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("/x", tt.err)
			if got.Code != tt.want {
				t.Errorf("Classify() code = %q, want %q", got.Code, tt.want)
			}
			if !errors.Is(got, tt.err) && got != tt.err {
				t.Errorf("Classify() lost the wrapped error")
			}
		})
	}
}

// TestClassifyNil tests that nil stays nil.
func TestClassifyNil(t *testing.T) {
	if Classify("/x", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

// TestErrorPredicates tests IsTransient / IsFatal / CodeOf through wrapping.
func TestErrorPredicates(t *testing.T) {
	transient := fmt.Errorf("attempt 3: %w", NewError(CodeTransientLock, "/f", errors.New("busy")))
	fatal := fmt.Errorf("commit: %w", Errorf(CodeStorageFailure, "disk full"))

	if !IsTransient(transient) || IsTransient(fatal) {
		t.Error("IsTransient mismatch")
	}
	if !IsFatal(fatal) || IsFatal(transient) {
		t.Error("IsFatal mismatch")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
	if !strings.Contains(transient.Error(), "/f") {
		t.Errorf("message should carry path: %v", transient)
	}
}

// =============================================================================
// Section 5: Semaphore Tests
// =============================================================================

// TestSemaphoreBasic tests basic semaphore acquire/release.
func TestSemaphoreBasic(t *testing.T) {
	sem := NewSemaphore(2)

	// Should be able to acquire twice without blocking
	sem.Acquire()
	sem.Acquire()

	// Release one
	sem.Release()

	// Should be able to acquire again
	sem.Acquire()

	// Clean up
	sem.Release()
	sem.Release()
}
