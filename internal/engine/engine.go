// Package engine wires the catalog, walker, hash stages and scheduler into
// the operations a caller drives: scan, pause, resume, stop and the
// read-side queries.
//
// # Architecture Overview
//
//	Scan(roots, resume)
//	    │
//	    ├──► sweep:    integrity sweep; resume re-verification or cursor reset
//	    ├──► walk:     scanner → extractor tasks (light lane), cursor checkpoints
//	    ├──► quick:    pending → screener tasks (light lane)
//	    ├──► classify: quick_hashed → done | sha_pending (one catalog write)
//	    ├──► full:     sha_pending → verifier tasks (heavy or light lane)
//	    └──► summary:  state and error counts, progress snapshot
//
// Every phase starts from what the catalog holds, so a scan interrupted in
// any phase continues from committed state alone.
//
// # Control
//
// Pause, Resume and Stop act on the scheduler of the running scan and are
// no-ops when nothing runs. Stop ends the scan promptly: in-flight tasks
// abandon their reads, every committed write stays, and Scan returns a
// Summary marked Interrupted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/cursor"
	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/hashing"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/scheduler"
	"github.com/ivoronin/dupecat/internal/types"
)

const defaultCheckpointInterval = 5 * time.Second

var (
	// ErrScanRunning is returned by Scan while another scan is in progress.
	ErrScanRunning = errors.New("a scan is already running")
	// ErrReadOnly is returned by mutating operations of a read-only engine.
	ErrReadOnly = errors.New("engine opened read-only")
)

type options struct {
	logger             *zap.Logger
	readOnly           bool
	open               hashing.OpenFunc
	checkpointInterval time.Duration
}

// Option customises Open behaviour.
type Option func(*options)

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithReadOnly opens the catalog for queries only. Scan and Purge fail.
func WithReadOnly() Option { return func(o *options) { o.readOnly = true } }

// WithOpenFunc replaces the file opener of the hash stages.
func WithOpenFunc(fn hashing.OpenFunc) Option { return func(o *options) { o.open = fn } }

// WithCheckpointInterval sets how often the walk cursor is persisted. Default: 5s.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) { o.checkpointInterval = d }
}

// Engine is an open catalog plus the machinery to scan into it.
type Engine struct {
	// Config (immutable, set by Open)
	cfg     *config.Config
	opts    options
	store   *catalog.Store
	cursor  *cursor.Cursor
	hashes  *hashing.Set
	limiter hashing.Limiter
	grouper *grouper.Grouper
	agg     *progress.Aggregator
	logger  *zap.Logger

	// Runtime
	running atomic.Bool
	mu      sync.Mutex
	sched   *scheduler.Scheduler // Scheduler of the running scan, nil when idle
}

// Open validates cfg and opens its catalog. The configuration is used with
// its network-friendly caps applied.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{open: hashing.OpenFile, checkpointInterval: defaultCheckpointInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Effective()

	hashes, err := hashing.FromConfig(cfg)
	if err != nil {
		return nil, types.NewError(types.CodeConfigInvalid, "", err)
	}

	storeOpts := []catalog.Option{
		catalog.WithBatchSize(cfg.BatchSize),
		catalog.WithFlushInterval(cfg.FlushInterval),
		catalog.WithLogger(o.logger),
	}
	if o.readOnly {
		storeOpts = append(storeOpts, catalog.WithReadOnly())
	}
	store, err := catalog.Open(cfg.Catalog, storeOpts...)
	if err != nil {
		return nil, err
	}

	cursorPath := ""
	if !o.readOnly {
		cursorPath = cfg.Catalog + ".cursor"
	}
	cur, err := cursor.Open(cursorPath)
	if err != nil {
		_ = store.Close()
		return nil, types.NewError(types.CodeStorageFailure, cursorPath, err)
	}

	e := &Engine{
		cfg:     cfg,
		opts:    o,
		store:   store,
		cursor:  cur,
		hashes:  hashes,
		grouper: grouper.New(store, grouper.IdentityColumn(cfg), int64(cfg.MinFileSize), o.logger),
		agg:     progress.NewAggregator(),
		logger:  o.logger.Named("engine"),
	}
	if t := scheduler.NewThrottle(int64(cfg.IOBytesPerSec)); t != nil {
		e.limiter = t
	}
	return e, nil
}

// Close closes the cursor and the catalog. A running scan must be stopped first.
func (e *Engine) Close() error {
	cerr := e.cursor.Close()
	if err := e.store.Close(); err != nil {
		return err
	}
	return cerr
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Aggregator returns the progress aggregator, a prometheus.Collector.
func (e *Engine) Aggregator() *progress.Aggregator { return e.agg }

// Events returns the stream of immutable progress snapshots.
func (e *Engine) Events() <-chan progress.Snapshot { return e.agg.Events() }

// Progress returns the current progress snapshot.
func (e *Engine) Progress() progress.Snapshot { return e.agg.Snapshot() }

// Running reports whether a scan is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) current() *scheduler.Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched
}

func (e *Engine) setCurrent(s *scheduler.Scheduler) {
	e.mu.Lock()
	e.sched = s
	e.mu.Unlock()
}

// Pause stops admitting new work. In-flight files finish.
func (e *Engine) Pause() {
	if s := e.current(); s != nil {
		s.Pause()
	}
}

// Resume re-admits work after Pause.
func (e *Engine) Resume() {
	if s := e.current(); s != nil {
		s.Resume()
	}
}

// Stop ends the running scan. Committed state is kept; Scan returns an
// interrupted Summary.
func (e *Engine) Stop() {
	if s := e.current(); s != nil {
		s.Stop()
	}
}

// QueryDuplicateGroups returns duplicate groups of the tier, largest waste
// first. limit <= 0 returns every group.
func (e *Engine) QueryDuplicateGroups(ctx context.Context, tier grouper.Tier, limit int) ([]grouper.Group, error) {
	return e.grouper.Query(ctx, tier, limit)
}

// QueryStateCounts returns the number of records per state.
func (e *Engine) QueryStateCounts(ctx context.Context) (map[types.State]int64, error) {
	return e.store.StateCounts(ctx)
}

// QueryErrorCounts returns the number of errored records per code.
func (e *Engine) QueryErrorCounts(ctx context.Context) (map[types.ErrorCode]int64, error) {
	return e.store.ErrorCounts(ctx)
}

// QueryDir returns records at or below dir.
func (e *Engine) QueryDir(ctx context.Context, dir string, limit int) ([]*types.FileRecord, error) {
	return e.store.UnderDir(ctx, dir, limit)
}

// QueryRuns returns recorded scan runs, newest first.
func (e *Engine) QueryRuns(ctx context.Context) ([]*types.ScanRun, error) {
	return e.store.Runs(ctx)
}

// Purge deletes catalog records. With staleOnly it removes only records
// whose file no longer exists; otherwise it empties the catalog and the
// walk cursor.
func (e *Engine) Purge(ctx context.Context, staleOnly bool) (int, error) {
	if e.opts.readOnly {
		return 0, ErrReadOnly
	}
	if !e.running.CompareAndSwap(false, true) {
		return 0, ErrScanRunning
	}
	defer e.running.Store(false)

	if staleOnly {
		return e.store.PurgeStale(ctx)
	}
	n, err := e.store.PurgeAll(ctx)
	if err != nil {
		return n, err
	}
	if err := e.cursor.Reset(); err != nil {
		return n, types.NewError(types.CodeStorageFailure, "", fmt.Errorf("reset cursor: %w", err))
	}
	return n, nil
}
