package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/extractor"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/resume"
	"github.com/ivoronin/dupecat/internal/scanner"
	"github.com/ivoronin/dupecat/internal/scheduler"
	"github.com/ivoronin/dupecat/internal/screener"
	"github.com/ivoronin/dupecat/internal/types"
	"github.com/ivoronin/dupecat/internal/verifier"
)

// scan is the state of one Scan call.
type scan struct {
	e       *Engine
	run     *types.ScanRun
	sched   *scheduler.Scheduler
	ext     *extractor.Extractor
	scope   catalog.Scope // Records the hash stages may pick up
	summary *Summary
}

// Scan walks roots, records every candidate file and hashes what needs
// hashing. With resume set, the catalog is first reconciled with the
// filesystem and complete subtrees of an earlier walk are skipped.
// Empty roots fall back to the configured ones.
//
// A stopped scan returns its Summary with Interrupted set and a nil error.
// Only fatal errors (storage_failure, config_invalid) are returned.
func (e *Engine) Scan(ctx context.Context, roots []string, resume bool) (*Summary, error) {
	if e.opts.readOnly {
		return nil, ErrReadOnly
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrScanRunning
	}
	defer e.running.Store(false)

	roots, err := absRoots(roots, e.cfg.Roots)
	if err != nil {
		return nil, err
	}
	scope, err := hashScope(e.cfg)
	if err != nil {
		return nil, err
	}
	run, err := types.NewScanRun(roots)
	if err != nil {
		return nil, err
	}
	ext, err := extractor.New(e.store, run.ID, e.cfg.RetryErrors, e.agg, e.opts.logger)
	if err != nil {
		return nil, err
	}

	e.agg.Reset()
	sched := scheduler.New(ctx, scheduler.Options{
		LightWorkers: e.cfg.LightWorkers,
		HeavyWorkers: e.cfg.MaxWorkers,
		Attempts:     e.cfg.RetryAttempts,
		BaseDelay:    e.cfg.RetryBaseDelay,
		MaxDelay:     e.cfg.RetryMaxDelay,
		FileTimeout:  e.cfg.FileTimeout,
	}, e.agg, e.opts.logger)
	e.setCurrent(sched)
	defer e.setCurrent(nil)
	defer sched.Stop()

	s := &scan{e: e, run: run, sched: sched, ext: ext, scope: scope,
		summary: &Summary{RunID: run.ID, Roots: roots, Resumed: resume}}
	e.logger.Info("scan started", zap.String("run", run.ID), zap.Strings("roots", roots), zap.Bool("resume", resume))

	err = s.pipeline(resume)
	// Teardown writes must land even after Stop cancelled the scan context
	final := context.WithoutCancel(ctx)
	if ferr := e.store.Flush(final); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil && !errors.Is(err, errInterrupted) {
		e.agg.SetPhase(progress.PhaseDone)
		return nil, err
	}

	s.summary.Interrupted = errors.Is(err, errInterrupted)
	if !s.summary.Interrupted {
		if err := e.cursor.Reset(); err != nil {
			return nil, types.NewError(types.CodeStorageFailure, "", fmt.Errorf("reset cursor: %w", err))
		}
	}
	e.agg.SetPhase(progress.PhaseDone)
	if err := s.fillSummary(final); err != nil {
		return nil, err
	}
	e.logger.Info("scan finished", zap.String("run", run.ID), zap.Bool("interrupted", s.summary.Interrupted),
		zap.Duration("elapsed", s.summary.Progress.Elapsed))
	return s.summary, nil
}

// errInterrupted marks a pipeline ended by Stop or by the caller's context.
var errInterrupted = errors.New("scan interrupted")

// settle maps a phase error: after a stop, a cancellation (however wrapped)
// becomes errInterrupted; otherwise fatal errors pass through and anything
// else after a stop becomes errInterrupted.
func (s *scan) settle(err error) error {
	switch {
	case s.sched.Stopped() && (err == nil || errors.Is(err, context.Canceled)):
		return errInterrupted
	case err != nil && types.IsFatal(err):
		return err
	case s.sched.Stopped():
		return errInterrupted
	}
	return err
}

func (s *scan) pipeline(resuming bool) error {
	ctx := s.sched.Context()
	if err := s.e.store.BeginRun(ctx, s.run); err != nil {
		return s.settle(err)
	}

	// Sweep
	s.e.agg.SetPhase(progress.PhaseSweep)
	coord := resume.New(s.e.store, s.ext, s.run.ID, s.e.cfg.RetryErrors, s.e.opts.logger)
	resets, err := coord.Sweep(ctx)
	if err := s.settle(err); err != nil {
		return err
	}
	s.summary.IntegrityResets = resets
	if resuming {
		res, err := coord.Run(ctx, s.sched)
		if err := s.settle(err); err != nil {
			return err
		}
		s.summary.Resume = res
	} else if err := s.e.cursor.Reset(); err != nil {
		return types.NewError(types.CodeStorageFailure, "", fmt.Errorf("reset cursor: %w", err))
	}
	if err := s.settle(s.requeue(ctx)); err != nil {
		return err
	}

	// Walk
	s.e.agg.SetPhase(progress.PhaseWalk)
	if err := s.settle(s.walk(ctx)); err != nil {
		return err
	}

	// Quick
	s.e.agg.SetPhase(progress.PhaseQuick)
	scr := screener.New(s.e.store, s.e.hashes, screener.Options{
		SmallFileThreshold: int64(s.e.cfg.SmallFileThreshold),
		SampleBytes:        int64(s.e.cfg.QuickHashBytes),
		Limiter:            s.e.limiter,
		Open:               s.e.opts.open,
	}, s.e.agg, s.e.opts.logger)
	if err := s.settle(s.stage(types.StatePending, func(*types.FileRecord) scheduler.Lane { return scheduler.Light },
		scr.Process)); err != nil {
		return err
	}

	// Classify
	s.e.agg.SetPhase(progress.PhaseClassify)
	cres, err := scr.Classify(ctx)
	if err := s.settle(err); err != nil {
		return err
	}
	s.summary.Classify = cres

	// Full
	s.e.agg.SetPhase(progress.PhaseFull)
	ver, err := verifier.New(s.e.store, s.e.hashes, verifier.Options{
		ChunkBytes:         int64(s.e.cfg.SHAChunkBytes),
		HeavyThreshold:     int64(s.e.cfg.SmallFileThreshold),
		Progressive:        s.e.cfg.Progressive,
		ProgressiveMinSize: int64(s.e.cfg.ProgressiveMinSize),
		ProbeBytes:         int64(s.e.cfg.ProbeBytes),
		Limiter:            s.e.limiter,
		Open:               s.e.opts.open,
	}, s.e.agg, s.e.opts.logger)
	if err != nil {
		return err
	}
	err = s.settle(s.stage(types.StateSHAPending, ver.Lane, ver.Process))
	s.e.logger.Info(ver.Stats().String())
	return err
}

// requeue sends done records back to the full-hash stage: those hashed with
// algorithms other than the configured ones and, with force, every done
// record in scope.
func (s *scan) requeue(ctx context.Context) error {
	primary, compat := s.e.hashes.FullPrefixes()
	n, err := s.e.store.RequeueForeignHashes(ctx, primary, compat)
	if err != nil {
		return err
	}
	s.summary.Requeued = n
	if s.e.cfg.Force {
		if n, err = s.e.store.RequeueDone(ctx, s.scope); err != nil {
			return err
		}
		s.summary.Requeued += n
	}
	if s.summary.Requeued > 0 {
		s.e.logger.Info("requeued records for a full hash",
			zap.Int64("records", s.summary.Requeued), zap.Bool("force", s.e.cfg.Force))
	}
	return nil
}

// walk runs the scanner with a per-file extract task on the light lane and
// persists the cursor periodically and once at the end.
func (s *scan) walk(ctx context.Context) error {
	batch := s.sched.NewBatch()
	visit := func(_ context.Context, _ string, files []string) error {
		var wg sync.WaitGroup
		for _, path := range files {
			path := path // per-iteration copy (pre-Go 1.22 loop semantics)
			wg.Add(1)
			err := batch.Submit(scheduler.Task{
				Path: path,
				Lane: scheduler.Light,
				Run: func(ctx context.Context) error {
					_, err := s.ext.Extract(ctx, path)
					return err
				},
				Fail: func(ctx context.Context, err *types.Error, _ int) error {
					return s.ext.RecordFailure(ctx, path, err)
				},
				Done: wg.Done,
			})
			if err != nil {
				wg.Done()
				wg.Wait()
				return err
			}
		}
		wg.Wait()
		// Cancelled: some files were abandoned, so the directory stays unmarked
		return batch.Context().Err()
	}

	sc := scanner.New(s.summary.Roots, scanner.Rules{
		Include:      s.e.cfg.Include,
		Exclude:      s.e.cfg.Exclude,
		ExcludePaths: s.e.cfg.ExcludePaths,
		IncludeExt:   s.e.cfg.IncludeExt,
		ExcludeExt:   s.e.cfg.ExcludeExt,
	}, s.e.cfg.LightWorkers, s.e.cursor, visit, s.e.agg, s.e.opts.logger)

	final := context.WithoutCancel(ctx)
	checkpoint := func() error {
		return s.e.cursor.Checkpoint(func() error { return s.e.store.Flush(final) })
	}

	stopTicker := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(s.e.opts.checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := checkpoint(); err != nil {
					s.e.logger.Warn("checkpoint failed", zap.Error(err))
				}
				s.e.agg.Publish()
			case <-stopTicker:
				return
			}
		}
	}()

	s.summary.Walk = sc.Run(batch.Context())
	werr := batch.Wait()
	close(stopTicker)
	<-tickerDone

	if err := checkpoint(); err != nil && werr == nil {
		werr = err
	}
	return werr
}

// stage submits one task per record in state and waits for all of them.
func (s *scan) stage(state types.State, lane func(*types.FileRecord) scheduler.Lane,
	process func(context.Context, *types.FileRecord) error) error {
	batch := s.sched.NewBatch()
	eachErr := s.e.store.EachIn(batch.Context(), s.scope, []types.State{state}, func(rec *types.FileRecord) error {
		return batch.Submit(scheduler.Task{
			Path: rec.Path,
			Lane: lane(rec),
			Run:  func(ctx context.Context) error { return process(ctx, rec) },
			Fail: func(ctx context.Context, err *types.Error, attempts int) error {
				return s.e.store.SetError(ctx, rec.Path, err.Code, err.Err.Error(), attempts)
			},
		})
	})
	if err := batch.Wait(); err != nil {
		return err
	}
	if eachErr != nil {
		return eachErr
	}
	return s.e.store.Flush(s.sched.Context())
}

func (s *scan) fillSummary(ctx context.Context) error {
	var err error
	if s.summary.States, err = s.e.store.StateCounts(ctx); err != nil {
		return err
	}
	if s.summary.Errors, err = s.e.store.ErrorCounts(ctx); err != nil {
		return err
	}
	s.summary.Progress = s.e.agg.Snapshot()
	return nil
}

// hashScope resolves the configured prefixes to absolute directory prefixes.
func hashScope(cfg *config.Config) (catalog.Scope, error) {
	resolve := func(prefixes []string) ([]string, error) {
		out := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, types.NewError(types.CodeConfigInvalid, p, err)
			}
			if !strings.HasSuffix(abs, string(filepath.Separator)) {
				abs += string(filepath.Separator)
			}
			out = append(out, abs)
		}
		return out, nil
	}
	include, err := resolve(cfg.IncludePrefix)
	if err != nil {
		return catalog.Scope{}, err
	}
	exclude, err := resolve(cfg.ExcludePrefix)
	if err != nil {
		return catalog.Scope{}, err
	}
	return catalog.Scope{Include: include, Exclude: exclude}, nil
}

// absRoots resolves roots to absolute paths, falling back to defaults.
func absRoots(roots, defaults []string) ([]string, error) {
	if len(roots) == 0 {
		roots = defaults
	}
	if len(roots) == 0 {
		return nil, types.Errorf(types.CodeConfigInvalid, "no roots to scan")
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, types.NewError(types.CodeConfigInvalid, r, err)
		}
		out = append(out, filepath.Clean(abs))
	}
	return out, nil
}
