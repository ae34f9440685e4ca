package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/resume"
	"github.com/ivoronin/dupecat/internal/scanner"
	"github.com/ivoronin/dupecat/internal/types"
)

// Summary describes one finished (or interrupted) scan.
type Summary struct {
	RunID           string
	Roots           []string
	Resumed         bool
	Interrupted     bool
	IntegrityResets int64
	Requeued        int64 // Done records sent back for a full hash
	Resume          resume.Result
	Walk            scanner.Result
	Classify        catalog.ClassifyResult
	States          map[types.State]int64 // Whole catalog after the scan
	Errors          map[types.ErrorCode]int64
	Progress        progress.Snapshot
}

// Outstanding returns the number of records with work left.
func (s *Summary) Outstanding() int64 {
	return s.States[types.StatePending] + s.States[types.StateQuickHashed] + s.States[types.StateSHAPending]
}

func (s *Summary) String() string {
	var b strings.Builder
	status := "complete"
	if s.Interrupted {
		status = "interrupted"
	}
	fmt.Fprintf(&b, "Scan %s (%s) in %.1fs\n", s.RunID, status, s.Progress.Elapsed.Seconds())
	if s.Resumed {
		fmt.Fprintf(&b, "  %s\n", s.Resume)
	}
	if s.IntegrityResets > 0 {
		fmt.Fprintf(&b, "  Reset %d records failing integrity checks\n", s.IntegrityResets)
	}
	if s.Requeued > 0 {
		fmt.Fprintf(&b, "  Requeued %d records for a full hash\n", s.Requeued)
	}
	fmt.Fprintf(&b, "  Walked %d dirs (%d skipped), %d files (%d new, %d changed, %d unchanged)\n",
		s.Walk.Dirs, s.Walk.SkippedDir, s.Walk.Files,
		s.Progress.Get(progress.NewFiles), s.Progress.Get(progress.Changed), s.Progress.Get(progress.Unchanged))
	fmt.Fprintf(&b, "  Hashed %d quick, %d full, %d probed unique, read %s\n",
		s.Progress.Get(progress.QuickHashed), s.Progress.Get(progress.FullHashed),
		s.Progress.Get(progress.ProbedUnique), humanize.IBytes(uint64(s.Progress.Get(progress.BytesRead))))
	fmt.Fprintf(&b, "  Classified %d unique, %d ambiguous, %d demoted\n",
		s.Classify.Unique, s.Classify.Ambiguous, s.Classify.Demoted)

	b.WriteString("  Catalog:")
	for _, st := range types.States {
		fmt.Fprintf(&b, " %s=%d", st, s.States[st])
	}
	b.WriteString("\n")

	if len(s.Errors) > 0 {
		codes := make([]string, 0, len(s.Errors))
		for c := range s.Errors {
			codes = append(codes, string(c))
		}
		sort.Strings(codes)
		b.WriteString("  Errors:")
		for _, c := range codes {
			fmt.Fprintf(&b, " %s=%d", c, s.Errors[types.ErrorCode(c)])
		}
		b.WriteString("\n")
	}
	return b.String()
}
