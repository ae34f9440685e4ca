// Package scanner walks directory trees and hands candidate files to a visitor.
//
// # Architecture Overview
//
// The scanner uses a concurrent fan-out architecture to traverse directory
// trees while respecting system resource limits. Symbolic links are never
// followed and non-regular files are never yielded: cycles are avoided by
// policy, not detected.
//
// # Concurrency Model
//
//  1. WALKER GOROUTINES (fan-out)
//     - One goroutine spawned per directory discovered
//     - Concurrency limited by semaphore (walkerSem)
//     - Each walker: acquires semaphore → lists directory → visits files →
//     spawns child walkers → releases semaphore
//
//  2. VISITOR (caller supplied)
//     - Called once per directory with the candidate files directly inside
//     - Runs on the walker goroutine, so a slow visitor slows the walk
//     (backpressure from the hash pipeline reaches the directory reads)
//
//  3. MAIN GOROUTINE (orchestrator)
//     - Spawns a walker per root and waits for all walkers (walkerWg.Wait)
//
// # Checkpointing
//
// Every directory node counts itself plus its unfinished children. When the
// count drops to zero the subtree is finished and, unless any part of it
// failed, the walker marks it complete in the Cursor. A directory whose files
// were all visited gets a separate "files" mark right after its visit.
// A resumed walk skips complete subtrees without descending and lists
// files-marked directories for subdirectories only.
//
// # Synchronization Primitives
//
//	┌─────────────────┬────────────────────────────────────────────────┐
//	│ Primitive       │ Purpose                                        │
//	├─────────────────┼────────────────────────────────────────────────┤
//	│ walkerSem       │ Limits concurrent directory reads (backpressure)│
//	│ walkerWg        │ Tracks active walker goroutines                │
//	│ node.pending    │ Counts unfinished work of one subtree          │
//	│ node.failed     │ Poisons the subtree mark of every ancestor     │
//	└─────────────────┴────────────────────────────────────────────────┘
//
// # Data Flow
//
//	Run() starts
//	    │
//	    ├──► for each root path:
//	    │        └──► walkDirectory(root)
//	    │                 │
//	    │                 ├──► cursor.TreeDone? → skip subtree
//	    │                 ├──► acquire semaphore (blocks if at limit)
//	    │                 ├──► listDirectory() → files, subdirs
//	    │                 ├──► cursor.FilesDone? no → visit(files) → MarkFiles
//	    │                 ├──► for each subdir: walkDirectory(subdir)  [recursive fan-out]
//	    │                 └──► finish(node) → MarkTree when the subtree drains
//	    │
//	    └──► walkerWg.Wait() [all directories processed]
package scanner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

// Cursor remembers finished directories across runs.
type Cursor interface {
	FilesDone(dir string) bool
	TreeDone(dir string) bool
	MarkFiles(dir string)
	MarkTree(dir string)
}

// VisitFunc receives the candidate files directly inside dir. When it returns
// nil every file must have been handed to the catalog; a non-nil error leaves
// dir unmarked so a resumed walk visits it again.
type VisitFunc func(ctx context.Context, dir string, files []string) error

// Result summarizes a walk.
type Result struct {
	Dirs       int64                     // Directories listed
	Files      int64                     // Candidate files visited
	SkippedDir int64                     // Directories skipped as already complete
	Failures   map[types.ErrorCode]int64 // Directory listing failures by code
	Complete   bool                      // Every root finished without failures
}

// Scanner discovers candidate files using parallel directory traversal.
//
// The scanner is designed for single-use: create with New(), call Run() once.
type Scanner struct {
	// Config (immutable, set by New)
	roots   []string            // Absolute root paths
	rules   *compiled           // Include/exclude rules
	workers int                 // Max concurrent directory reads
	cursor  Cursor              // Walk checkpoint (never nil)
	visit   VisitFunc           // Per-directory callback
	agg     *progress.Aggregator // Progress counters (nil = disabled)
	logger  *zap.Logger

	// Runtime (initialized in Run)
	walkerWg  sync.WaitGroup  // Tracks in-flight walker goroutines
	walkerSem types.Semaphore // Limits concurrent directory reads
	dirs      atomic.Int64
	files     atomic.Int64
	skipped   atomic.Int64
	failMu    sync.Mutex
	failures  map[types.ErrorCode]int64
	rootsOK   atomic.Bool
}

// New creates a Scanner. A nil cursor disables checkpointing.
func New(roots []string, rules Rules, workers int, cursor Cursor, visit VisitFunc,
	agg *progress.Aggregator, logger *zap.Logger) *Scanner {
	if cursor == nil {
		cursor = noCursor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		roots:   roots,
		rules:   rules.compile(),
		workers: max(workers, 1),
		cursor:  cursor,
		visit:   visit,
		agg:     agg,
		logger:  logger.Named("scanner"),
	}
}

// node tracks completion of one directory subtree.
type node struct {
	dir     string
	parent  *node
	pending atomic.Int64 // Self + unfinished children
	failed  atomic.Bool  // Some part of the subtree did not finish
}

// Run walks every root and returns once all walkers have finished.
// Cancellation of ctx stops the walk; directories not finished stay unmarked.
func (s *Scanner) Run(ctx context.Context) Result {
	s.walkerSem = types.NewSemaphore(s.workers)
	s.failures = make(map[types.ErrorCode]int64)
	s.rootsOK.Store(true)

	for _, p := range s.roots {
		absPath, err := filepath.Abs(p)
		if err != nil {
			s.fail(types.Classify(p, err))
			s.rootsOK.Store(false)
			continue
		}
		info, err := os.Lstat(types.LongPath(absPath))
		if err != nil {
			s.fail(types.Classify(absPath, err))
			s.rootsOK.Store(false)
			continue
		}
		if !info.IsDir() {
			s.fail(types.NewError(types.CodeNotFound, absPath, errors.New("root is not a directory")))
			s.rootsOK.Store(false)
			continue
		}
		s.walkDirectory(ctx, &node{dir: absPath})
	}

	s.walkerWg.Wait()

	s.failMu.Lock()
	defer s.failMu.Unlock()
	return Result{
		Dirs:       s.dirs.Load(),
		Files:      s.files.Load(),
		SkippedDir: s.skipped.Load(),
		Failures:   s.failures,
		Complete:   s.rootsOK.Load() && len(s.failures) == 0 && ctx.Err() == nil,
	}
}

// walkDirectory spawns a goroutine to process one directory and recursively spawn children.
//
// Semaphore pattern:
//   - walkerWg.Add(1) BEFORE goroutine spawn (prevents race with Wait)
//   - acquire semaphore at goroutine start (blocks if at concurrency limit)
//   - children are counted in n.pending before they are spawned, so the
//     subtree can never look finished while a child is still starting
func (s *Scanner) walkDirectory(ctx context.Context, n *node) {
	if s.cursor.TreeDone(n.dir) {
		s.skipped.Add(1)
		s.logger.Debug("skip complete subtree", zap.String("dir", n.dir))
		if n.parent != nil {
			s.finish(n.parent)
		}
		return
	}
	n.pending.Store(1)

	s.walkerWg.Add(1) // Increment BEFORE spawn to prevent race with Wait()
	go func() {
		defer s.walkerWg.Done()
		defer s.finish(n)

		if ctx.Err() != nil {
			n.failed.Store(true)
			return
		}

		s.walkerSem.Acquire()
		files, subdirs, err := s.listDirectory(n.dir)
		s.walkerSem.Release()
		if err != nil {
			s.fail(types.Classify(n.dir, err))
			n.failed.Store(true)
			return
		}
		s.dirs.Add(1)
		s.agg.Add(progress.Dirs, 1)

		// Children first: they may list while this directory's files are visited
		n.pending.Add(int64(len(subdirs)))
		for _, sub := range subdirs {
			s.walkDirectory(ctx, &node{dir: sub, parent: n})
		}

		if s.cursor.FilesDone(n.dir) {
			return
		}
		if len(files) > 0 {
			if err := s.visit(ctx, n.dir, files); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("visit failed", zap.String("dir", n.dir), zap.Error(err))
				}
				n.failed.Store(true)
				return
			}
			s.files.Add(int64(len(files)))
			s.agg.Add(progress.Files, int64(len(files)))
		}
		s.cursor.MarkFiles(n.dir)
	}()
}

// finish releases one unit of n's pending work and walks up the tree while
// subtrees drain, marking each finished subtree that had no failures.
func (s *Scanner) finish(n *node) {
	for n != nil {
		if n.pending.Add(-1) != 0 {
			return
		}
		if n.failed.Load() {
			if n.parent != nil {
				n.parent.failed.Store(true)
			}
		} else {
			s.cursor.MarkTree(n.dir)
		}
		n = n.parent
	}
}

// listDirectory reads a single directory, returning candidate files and subdirectories.
//
// Uses batched ReadDir (1000 entries per batch) to bound memory on directories
// with millions of entries.
//
// Filtering:
//   - Directories → subdirs (unless excluded)
//   - Regular files → files (when the rules keep them)
//   - Symlinks, junctions, devices, etc. → skipped
func (s *Scanner) listDirectory(dirPath string) (files, subdirs []string, err error) {
	dir, err := os.Open(types.LongPath(dirPath))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}

		for _, entry := range entries {
			f, sub := s.processEntry(dirPath, entry)
			if f != "" {
				files = append(files, f)
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
	}

	return files, subdirs, nil
}

// processEntry classifies a single directory entry by its type bits alone.
// Returns ("", "") for entries that should be skipped.
func (s *Scanner) processEntry(dirPath string, entry os.DirEntry) (file, subdir string) {
	fullPath := filepath.Join(dirPath, entry.Name())
	mode := entry.Type()

	switch {
	case mode&os.ModeSymlink != 0:
		return "", ""
	case mode.IsDir():
		if s.rules.skipDir(fullPath) {
			return "", ""
		}
		return "", fullPath
	case mode.IsRegular():
		if !s.rules.keepFile(fullPath) {
			return "", ""
		}
		return fullPath, ""
	}
	return "", ""
}

func (s *Scanner) fail(err *types.Error) {
	s.logger.Warn("directory skipped", zap.String("path", err.Path), zap.String("code", string(err.Code)),
		zap.Error(err.Err))
	s.failMu.Lock()
	s.failures[err.Code]++
	s.failMu.Unlock()
}

type noCursor struct{}

func (noCursor) FilesDone(string) bool { return false }
func (noCursor) TreeDone(string) bool  { return false }
func (noCursor) MarkFiles(string)      {}
func (noCursor) MarkTree(string)       {}
