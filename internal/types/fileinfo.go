// Package types provides shared types used across the dupecat codebase.
package types

import (
	"cmp"
	"slices"
	"time"
)

// FileInfo holds the stat facts observed for a file on disk.
type FileInfo struct {
	Path       string
	Size       int64
	ModTime    time.Time
	CreateTime time.Time // Birth time where the platform has one, else change time
	Owner      string
	Flags      string
	Dev        uint64
	Ino        uint64
	Nlink      uint32
}

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type.
// Once constructed, items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
// Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// FileGroup contains records sharing a grouping key (quick or verified hash).
// Records are always sorted by Path for deterministic iteration.
type FileGroup = Sorted[*FileRecord, string]

// NewFileGroup creates a FileGroup sorted by record path.
func NewFileGroup(records []*FileRecord) FileGroup {
	return NewSorted(records, func(r *FileRecord) string { return r.Path })
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
