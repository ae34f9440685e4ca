package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Phase names the pipeline step a scan is in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSweep    Phase = "sweep"    // Integrity sweep and resume re-verification
	PhaseWalk     Phase = "walk"     // Directory walk and fact extraction
	PhaseQuick    Phase = "quick"    // Quick hashes
	PhaseClassify Phase = "classify" // Quick group cardinality
	PhaseFull     Phase = "full"     // Full hashes
	PhaseDone     Phase = "done"
)

// Counter identifies one progress counter.
type Counter int

const (
	Dirs         Counter = iota // Directories listed
	Files                       // Candidate files yielded by the walker
	NewFiles                    // Records created
	Changed                     // Records reset by the change guard
	Unchanged                   // Records only touched
	Skipped                     // Paths that stopped being regular files
	QuickHashed                 // Quick hashes committed
	FullHashed                  // Full hashes committed
	ProbedUnique                // Records proven unique by the progressive probe
	BytesRead                   // File bytes read by the hash stages
	Errors                      // Records moved to error
	Retries                     // Transient failures retried
	numCounters
)

var counterNames = [numCounters]string{
	Dirs:         "dirs_scanned",
	Files:        "files_seen",
	NewFiles:     "files_new",
	Changed:      "files_changed",
	Unchanged:    "files_unchanged",
	Skipped:      "files_skipped",
	QuickHashed:  "quick_hashed",
	FullHashed:   "full_hashed",
	ProbedUnique: "probed_unique",
	BytesRead:    "bytes_read",
	Errors:       "errors",
	Retries:      "retries",
}

// String returns the counter's metric-style name.
func (c Counter) String() string { return counterNames[c] }

const eventBuffer = 64

// Aggregator collects progress from every worker with atomics only.
// All methods are safe on a nil receiver.
type Aggregator struct {
	counters [numCounters]atomic.Int64
	phase    atomic.Value // Phase
	paused   atomic.Bool
	start    atomic.Int64 // Unix ns of the current scan start
	events   chan Snapshot

	descs       [numCounters]*prometheus.Desc
	pausedDesc  *prometheus.Desc
	elapsedDesc *prometheus.Desc
}

// NewAggregator creates an idle aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{events: make(chan Snapshot, eventBuffer)}
	a.phase.Store(PhaseIdle)
	a.start.Store(time.Now().UnixNano())
	for c := Counter(0); c < numCounters; c++ {
		a.descs[c] = prometheus.NewDesc("dupecat_scan_"+counterNames[c]+"_total",
			"Scan progress counter "+counterNames[c]+".", nil, nil)
	}
	a.pausedDesc = prometheus.NewDesc("dupecat_scan_paused", "1 while the scan is paused.", nil, nil)
	a.elapsedDesc = prometheus.NewDesc("dupecat_scan_elapsed_seconds", "Time since the scan started.",
		[]string{"phase"}, nil)
	return a
}

// Reset zeroes every counter and restarts the clock.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	for i := range a.counters {
		a.counters[i].Store(0)
	}
	a.paused.Store(false)
	a.start.Store(time.Now().UnixNano())
	a.SetPhase(PhaseIdle)
}

// Add increments counter c by n.
func (a *Aggregator) Add(c Counter, n int64) {
	if a == nil {
		return
	}
	a.counters[c].Add(n)
}

// Get returns the current value of counter c.
func (a *Aggregator) Get(c Counter) int64 {
	if a == nil {
		return 0
	}
	return a.counters[c].Load()
}

// SetPhase records the current phase and publishes a snapshot.
func (a *Aggregator) SetPhase(p Phase) {
	if a == nil {
		return
	}
	a.phase.Store(p)
	a.Publish()
}

// SetPaused records the pause state and publishes a snapshot.
func (a *Aggregator) SetPaused(paused bool) {
	if a == nil {
		return
	}
	a.paused.Store(paused)
	a.Publish()
}

// Snapshot returns an immutable copy of the current progress.
func (a *Aggregator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{Phase: PhaseIdle}
	}
	s := Snapshot{
		Phase:   a.phase.Load().(Phase),
		Paused:  a.paused.Load(),
		Elapsed: time.Since(time.Unix(0, a.start.Load())),
	}
	for i := range a.counters {
		s.counts[i] = a.counters[i].Load()
	}
	return s
}

// Publish offers the current snapshot to Events. Never blocks: when no one
// is listening the snapshot is dropped.
func (a *Aggregator) Publish() {
	if a == nil {
		return
	}
	select {
	case a.events <- a.Snapshot():
	default:
	}
}

// Events returns the stream of published snapshots. The channel is never closed.
func (a *Aggregator) Events() <-chan Snapshot {
	if a == nil {
		return nil
	}
	return a.events
}

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range a.descs {
		ch <- d
	}
	ch <- a.pausedDesc
	ch <- a.elapsedDesc
}

// Collect implements prometheus.Collector.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	s := a.Snapshot()
	for c := Counter(0); c < numCounters; c++ {
		ch <- prometheus.MustNewConstMetric(a.descs[c], prometheus.CounterValue, float64(s.Get(c)))
	}
	var paused float64
	if s.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(a.pausedDesc, prometheus.GaugeValue, paused)
	ch <- prometheus.MustNewConstMetric(a.elapsedDesc, prometheus.GaugeValue, s.Elapsed.Seconds(), string(s.Phase))
}

// Snapshot is an immutable view of scan progress.
type Snapshot struct {
	Phase   Phase
	Paused  bool
	Elapsed time.Duration
	counts  [numCounters]int64
}

// Get returns the value of counter c at snapshot time.
func (s Snapshot) Get(c Counter) int64 { return s.counts[c] }

// Counts returns every counter keyed by name.
func (s Snapshot) Counts() map[string]int64 {
	m := make(map[string]int64, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		m[counterNames[c]] = s.counts[c]
	}
	return m
}

func (s Snapshot) String() string {
	var b strings.Builder
	switch s.Phase {
	case PhaseWalk:
		fmt.Fprintf(&b, "Scanned %d dirs, %d files (%d new, %d changed)",
			s.Get(Dirs), s.Get(Files), s.Get(NewFiles), s.Get(Changed))
	case PhaseQuick, PhaseClassify, PhaseFull:
		fmt.Fprintf(&b, "Hashed %d quick, %d full (%d probed unique), read %s",
			s.Get(QuickHashed), s.Get(FullHashed), s.Get(ProbedUnique),
			humanize.IBytes(uint64(s.Get(BytesRead))))
	default:
		fmt.Fprintf(&b, "%d files, %d quick, %d full, read %s",
			s.Get(Files), s.Get(QuickHashed), s.Get(FullHashed), humanize.IBytes(uint64(s.Get(BytesRead))))
	}
	if n := s.Get(Errors); n > 0 {
		fmt.Fprintf(&b, ", %d errors", n)
	}
	fmt.Fprintf(&b, " [%s] in %.1fs", s.Phase, s.Elapsed.Seconds())
	if s.Paused {
		b.WriteString(" (paused)")
	}
	return b.String()
}
