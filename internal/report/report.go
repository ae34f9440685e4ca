// Package report plans which copy of each verified duplicate group to keep.
//
// # Overview
//
// The report is the read-only counterpart of a deduplication pass. It takes
// verified duplicate groups and, for each one, names a keeper and lists the
// redundant copies with the bytes they hold. Nothing on disk is touched.
//
// # Processing Pipeline
//
//	Input: []grouper.Group (verified tier)
//	    │
//	    ├──► For each group with 2+ members:
//	    │        │
//	    │        ├──► Select keeper (priority prefix, then mtime, then path)
//	    │        │
//	    │        └──► Every other member is redundant
//	    │             (hard links were already collapsed by the grouper)
//	    │
//	    └──► Output: entries + totals (sets, files, reclaimable bytes)
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/types"
)

// Options controls keeper selection.
type Options struct {
	PathPriority []string // Preferred keeper path prefixes (first match wins)
	KeepNewest   bool     // Keep the newest copy instead of the oldest
}

// Entry is the plan for one duplicate group.
type Entry struct {
	Hash             string
	Size             int64
	Keeper           *types.FileRecord
	Redundant        []*types.FileRecord
	Links            map[string][]string // Hard links of Keeper and Redundant paths
	ReclaimableBytes int64
}

// String formats the entry for display. Hard links follow the path they
// share an inode with and hold no reclaimable bytes of their own.
func (e *Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s each, %s reclaimable)\n", e.Hash,
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.ReclaimableBytes)))
	line := func(kind, path string) {
		fmt.Fprintf(&b, "  %s %s\n", kind, escapePath(path))
		for _, l := range e.Links[path] {
			fmt.Fprintf(&b, "  link %s\n", escapePath(l))
		}
	}
	line("keep", e.Keeper.Path)
	for _, r := range e.Redundant {
		line("dupe", r.Path)
	}
	return b.String()
}

// Stats totals a plan.
type Stats struct {
	Sets             int
	RedundantFiles   int
	ReclaimableBytes int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%d redundant files in %d sets, %s reclaimable",
		s.RedundantFiles, s.Sets, humanize.IBytes(uint64(s.ReclaimableBytes)))
}

// Build plans every group. Groups with fewer than two members are skipped.
func Build(groups []grouper.Group, opts Options) ([]Entry, Stats) {
	var entries []Entry
	var st Stats
	for _, g := range groups {
		if g.Count() < 2 {
			continue
		}
		keeper := selectKeeper(g.Files, opts)
		e := Entry{Hash: g.Hash, Size: g.Size, Keeper: keeper, Links: g.Links}
		for _, r := range g.Files.Items() {
			if r == keeper {
				continue
			}
			e.Redundant = append(e.Redundant, r)
			e.ReclaimableBytes += r.Size
		}
		entries = append(entries, e)
		st.Sets++
		st.RedundantFiles += len(e.Redundant)
		st.ReclaimableBytes += e.ReclaimableBytes
	}
	return entries, st
}

// Write prints entries followed by the totals line.
func Write(w io.Writer, entries []Entry, st Stats) error {
	for i := range entries {
		if _, err := io.WriteString(w, entries[i].String()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, st)
	return err
}

// selectKeeper chooses which copy to keep.
//
// Selection priority:
//  1. First file matching any PathPriority prefix
//  2. Oldest mtime (newest with KeepNewest)
//  3. Lexicographically first path on a tie
//
// Files are sorted by path by construction (types.NewFileGroup), so the first
// best candidate found is also the lexicographically first one.
func selectKeeper(files types.FileGroup, opts Options) *types.FileRecord {
	for _, pref := range opts.PathPriority {
		for _, f := range files.Items() {
			if strings.HasPrefix(f.Path, pref) {
				return f
			}
		}
	}

	var best *types.FileRecord
	for _, f := range files.Items() {
		if best == nil {
			best = f
			continue
		}
		if opts.KeepNewest && f.ModTime.After(best.ModTime) || !opts.KeepNewest && f.ModTime.Before(best.ModTime) {
			best = f
		}
	}
	return best
}

// escapePath escapes special characters in paths for safe terminal output.
func escapePath(path string) string {
	r := strings.NewReplacer(
		"\t", "\\t",
		"\n", "\\n",
		"\r", "\\r",
	)
	return r.Replace(path)
}
