// Package resume reconciles the catalog with the filesystem before a resumed
// scan continues.
//
// A resumed scan first runs the integrity sweep, then re-verifies every
// record that has work left against its current facts:
//
//	┌──────────────────────────────┬──────────────────────────────────────┐
//	│ Observation                  │ Action                               │
//	├──────────────────────────────┼──────────────────────────────────────┤
//	│ path gone or not regular     │ error / not_found                    │
//	│ size or mtime diverged       │ pending with fresh facts, no hashes  │
//	│ errored but unchanged        │ pending (retry_errors only)          │
//	│ unchanged                    │ left for the stages to pick up       │
//	└──────────────────────────────┴──────────────────────────────────────┘
//
// Stat failures other than a missing path go through the scheduler's retry
// policy and land on the record as its error code.
package resume

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/extractor"
	"github.com/ivoronin/dupecat/internal/scheduler"
	"github.com/ivoronin/dupecat/internal/types"
)

// Store is the part of the catalog the coordinator works on.
type Store interface {
	RepairIntegrity(ctx context.Context) (int64, error)
	Each(ctx context.Context, states []types.State, fn func(*types.FileRecord) error) error
	PutPending(ctx context.Context, rec *types.FileRecord) error
	SetError(ctx context.Context, path string, code types.ErrorCode, msg string, attempts int) error
	Requeue(ctx context.Context, path string) error
	Flush(ctx context.Context) error
}

// Stater observes the current facts of a path.
type Stater interface {
	Facts(path string) (*types.FileInfo, error)
}

// Result counts what one re-verification pass did.
type Result struct {
	Selected int64
	Missing  int64
	Diverged int64
	Requeued int64
	Kept     int64
}

func (r Result) String() string {
	return fmt.Sprintf("Re-verified %d records: %d missing, %d changed, %d requeued, %d kept",
		r.Selected, r.Missing, r.Diverged, r.Requeued, r.Kept)
}

// Coordinator runs the resume protocol for one scan run.
type Coordinator struct {
	store       Store
	stater      Stater
	runID       string
	retryErrors bool
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Coordinator.
func New(store Store, stater Stater, runID string, retryErrors bool, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:       store,
		stater:      stater,
		runID:       runID,
		retryErrors: retryErrors,
		logger:      logger.Named("resume"),
		now:         time.Now,
	}
}

// Sweep resets records whose persisted state cannot be trusted and returns
// how many were reset.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	return c.store.RepairIntegrity(ctx)
}

// States returns the states selected for re-verification.
func (c *Coordinator) States() []types.State {
	states := []types.State{types.StatePending, types.StateQuickHashed, types.StateSHAPending}
	if c.retryErrors {
		states = append(states, types.StateError)
	}
	return states
}

// action is what recheck did to one record.
type action int

const (
	actionKept action = iota
	actionMissing
	actionDiverged
	actionRequeued
)

// Run re-verifies every selected record on the light lane of sched and
// returns once all of them are committed. Writes queued before the call are
// committed first so the selection sees them.
func (c *Coordinator) Run(ctx context.Context, sched *scheduler.Scheduler) (Result, error) {
	if err := c.store.Flush(ctx); err != nil {
		return Result{}, err
	}
	var counts [4]atomic.Int64
	var selected atomic.Int64

	batch := sched.NewBatch()
	eachErr := c.store.Each(batch.Context(), c.States(), func(rec *types.FileRecord) error {
		selected.Add(1)
		return batch.Submit(scheduler.Task{
			Path: rec.Path,
			Lane: scheduler.Light,
			Run: func(ctx context.Context) error {
				a, err := c.recheck(ctx, rec)
				if err != nil {
					return err
				}
				counts[a].Add(1)
				return nil
			},
			Fail: func(ctx context.Context, err *types.Error, attempts int) error {
				return c.store.SetError(ctx, rec.Path, err.Code, err.Err.Error(), attempts)
			},
		})
	})
	if err := batch.Wait(); err != nil {
		return Result{}, err
	}
	if eachErr != nil {
		return Result{}, eachErr
	}
	if err := c.store.Flush(ctx); err != nil {
		return Result{}, err
	}

	res := Result{
		Selected: selected.Load(),
		Missing:  counts[actionMissing].Load(),
		Diverged: counts[actionDiverged].Load(),
		Requeued: counts[actionRequeued].Load(),
		Kept:     counts[actionKept].Load(),
	}
	c.logger.Info("re-verified selected records",
		zap.Int64("selected", res.Selected), zap.Int64("missing", res.Missing),
		zap.Int64("diverged", res.Diverged), zap.Int64("requeued", res.Requeued))
	return res, nil
}

// recheck applies the change guard to one record.
func (c *Coordinator) recheck(ctx context.Context, rec *types.FileRecord) (action, error) {
	fi, err := c.stater.Facts(rec.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, extractor.ErrNotRegular):
		return actionMissing, c.store.SetError(ctx, rec.Path, types.CodeNotFound, err.Error(), rec.Attempts+1)
	case err != nil:
		return actionKept, err
	}

	if !rec.Matches(fi) {
		fresh := types.NewFileRecord(fi, c.runID, c.now())
		fresh.MimeHint = rec.MimeHint
		return actionDiverged, c.store.PutPending(ctx, fresh)
	}
	if rec.State == types.StateError {
		return actionRequeued, c.store.Requeue(ctx, rec.Path)
	}
	return actionKept, nil
}
