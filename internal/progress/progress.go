package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

const renderInterval = 100 * time.Millisecond

// Renderer draws snapshots as a terminal spinner.
// A disabled Renderer draws nothing.
type Renderer struct {
	bar *progressbar.ProgressBar
	w   io.Writer
}

// NewRenderer creates a spinner writing to w.
func NewRenderer(w io.Writer, enabled bool) *Renderer {
	if !enabled {
		return &Renderer{}
	}
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionThrottle(renderInterval),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetElapsedTime(false),
	)
	return &Renderer{bar: bar, w: w}
}

// Update shows s. The spinner counts files seen while walking and files
// hashed afterwards.
func (r *Renderer) Update(s Snapshot) {
	if r.bar == nil {
		return
	}
	_ = r.bar.Set64(s.processed())
	r.bar.Describe(s.String())
}

// Finish clears the spinner and prints s as the final line.
func (r *Renderer) Finish(s Snapshot) {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	mark := "✔"
	if s.Get(Errors) > 0 {
		mark = "!"
	}
	fmt.Fprintln(r.w, mark+" "+s.String())
}

func (s Snapshot) processed() int64 {
	switch s.Phase {
	case PhaseIdle, PhaseSweep, PhaseWalk:
		return s.Get(Files)
	}
	return s.Get(QuickHashed) + s.Get(FullHashed) + s.Get(ProbedUnique)
}
