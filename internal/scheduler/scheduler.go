// Package scheduler runs per-file tasks on bounded concurrency lanes.
//
// # Overview
//
// Two lanes with independent limits share one pause gate and one stop switch:
//
//   - LIGHT lane: stat, quick hash, small files (many tasks, little I/O each)
//   - HEAVY lane: full hashes of large files (few tasks, long sequential reads)
//
// # Concurrency Model
//
//  1. SUBMITTERS (any goroutine)
//     - Wait at the pause gate, then block in errgroup.Go until the lane
//     has a free slot (backpressure reaches the producer)
//
//  2. TASK GOROUTINES (one per admitted task)
//     - Run the task with a per-attempt timeout
//     - Retry transient_lock failures with exponential backoff
//     - Record the final failure on the task's record through Task.Fail
//
//  3. CONTROL (any goroutine)
//     - Pause closes the gate: in-flight tasks finish, nothing new starts
//     - Stop cancels the scheduler context: in-flight tasks abandon their
//     reads and record nothing
//
// # Synchronization Primitives
//
//	┌─────────────────┬────────────────────────────────────────────────┐
//	│ Primitive       │ Purpose                                        │
//	├─────────────────┼────────────────────────────────────────────────┤
//	│ errgroup limit  │ Per-lane concurrency cap (SetLimit)            │
//	│ gate            │ Pause/resume: blocks Submit while closed       │
//	│ ctx / cancel    │ Stop: cooperative cancellation of all tasks    │
//	│ batch cancel    │ First fatal error aborts the rest of a batch   │
//	└─────────────────┴────────────────────────────────────────────────┘
//
// # Error Policy
//
//	transient_lock     → retry with backoff, up to the attempt budget
//	timeout            → recorded, never retried
//	other per-file     → recorded, never retried
//	storage_failure    → aborts the batch, returned by Wait
//	cancelled by Stop  → discarded, the record keeps its committed state
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

// Lane selects a concurrency lane.
type Lane int

const (
	Light Lane = iota
	Heavy
)

func (l Lane) String() string {
	if l == Heavy {
		return "heavy"
	}
	return "light"
}

// Task is one unit of per-file work.
type Task struct {
	Path string
	Lane Lane
	// Run does the work. It must check ctx between blocking reads.
	Run func(ctx context.Context) error
	// Fail records a final per-file failure. attempts counts every try.
	Fail func(ctx context.Context, err *types.Error, attempts int) error
	// Done, when set, runs once the task is finished, whatever the outcome.
	Done func()
}

// Options configures lanes and retries.
type Options struct {
	LightWorkers int
	HeavyWorkers int
	Attempts     int           // Total attempts for transient failures
	BaseDelay    time.Duration // First backoff interval
	MaxDelay     time.Duration // Backoff cap
	FileTimeout  time.Duration // Per-attempt timeout (0 = none)
}

// Scheduler owns the lanes of one scan.
type Scheduler struct {
	// Config (immutable, set by New)
	opts   Options
	agg    *progress.Aggregator
	logger *zap.Logger

	// Runtime
	ctx    context.Context    // Cancelled by Stop
	cancel context.CancelFunc
	gate   *gate
}

// New creates a scheduler bound to parent.
func New(parent context.Context, opts Options, agg *progress.Aggregator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.LightWorkers = max(opts.LightWorkers, 1)
	opts.HeavyWorkers = max(opts.HeavyWorkers, 1)
	opts.Attempts = max(opts.Attempts, 1)
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		opts:   opts,
		agg:    agg,
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		gate:   newGate(),
	}
}

// Context returns the scheduler context, cancelled by Stop.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Pause stops admitting new tasks. In-flight tasks run to completion.
func (s *Scheduler) Pause() {
	if s.gate.close() {
		s.logger.Info("paused")
		s.agg.SetPaused(true)
	}
}

// Resume re-admits tasks after Pause.
func (s *Scheduler) Resume() {
	if s.gate.open() {
		s.logger.Info("resumed")
		s.agg.SetPaused(false)
	}
}

// Paused reports whether the gate is closed.
func (s *Scheduler) Paused() bool { return s.gate.isClosed() }

// Stop cancels every in-flight and future task.
func (s *Scheduler) Stop() {
	s.cancel()
}

// Stopped reports whether Stop was called or the parent context ended.
func (s *Scheduler) Stopped() bool { return s.ctx.Err() != nil }

// Batch is a set of tasks waited for together.
type Batch struct {
	s      *Scheduler
	ctx    context.Context
	cancel context.CancelCauseFunc
	lanes  [2]*errgroup.Group
}

// NewBatch starts an empty batch.
func (s *Scheduler) NewBatch() *Batch {
	ctx, cancel := context.WithCancelCause(s.ctx)
	b := &Batch{s: s, ctx: ctx, cancel: cancel}
	for lane, limit := range []int{s.opts.LightWorkers, s.opts.HeavyWorkers} {
		g := &errgroup.Group{}
		g.SetLimit(limit)
		b.lanes[lane] = g
	}
	return b
}

// Context returns the batch context: cancelled by Stop or by a fatal task error.
func (b *Batch) Context() context.Context { return b.ctx }

// Submit admits t, blocking while paused or while its lane is full.
// Returns the context error once the batch is stopped or aborted.
func (b *Batch) Submit(t Task) error {
	if err := b.s.gate.wait(b.ctx); err != nil {
		return err
	}
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.lanes[t.Lane].Go(func() error {
		if t.Done != nil {
			defer t.Done()
		}
		if err := b.s.execute(b.ctx, t); err != nil {
			b.cancel(err)
			return err
		}
		return nil
	})
	return nil
}

// Wait blocks until every submitted task finished and returns the first fatal error.
func (b *Batch) Wait() error {
	var first error
	for _, g := range b.lanes {
		if err := g.Wait(); err != nil && first == nil {
			first = err
		}
	}
	b.cancel(nil)
	return first
}

// execute runs t with retries. Only fatal errors are returned.
func (s *Scheduler) execute(ctx context.Context, t Task) error {
	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := s.attemptContext(ctx)
		err := t.Run(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		ce := types.Classify(t.Path, err)
		if ce.Code == types.CodeTransientLock {
			return ce
		}
		return backoff.Permanent(ce)
	}
	notify := func(err error, wait time.Duration) {
		s.agg.Add(progress.Retries, 1)
		s.logger.Debug("retrying", zap.String("path", t.Path), zap.Int("attempt", attempts),
			zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.Attempts-1)), ctx), notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		// Stopped: partial work is discarded, the record keeps its committed state
		return nil
	case types.IsFatal(err):
		return err
	}

	ce := types.Classify(t.Path, err)
	s.agg.Add(progress.Errors, 1)
	s.logger.Warn("file failed", zap.String("path", t.Path), zap.String("code", string(ce.Code)),
		zap.Int("attempts", attempts), zap.Error(ce.Err))
	if t.Fail == nil {
		return nil
	}
	if ferr := t.Fail(ctx, ce, attempts); ferr != nil && ctx.Err() == nil {
		return ferr
	}
	return nil
}

func (s *Scheduler) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.FileTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.FileTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.opts.BaseDelay > 0 {
		b.InitialInterval = s.opts.BaseDelay
	}
	if s.opts.MaxDelay > 0 {
		b.MaxInterval = s.opts.MaxDelay
	}
	b.MaxElapsedTime = 0 // Bounded by attempts, not time
	b.Reset()
	return b
}

// gate is a reopenable barrier. A closed gate blocks wait.
type gate struct {
	mu     sync.Mutex
	closed bool
	ch     chan struct{} // Closed while the gate is open
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch}
}

func (g *gate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	g.ch = make(chan struct{})
	return true
}

func (g *gate) open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return false
	}
	g.closed = false
	close(g.ch)
	return true
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
