package resume

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/extractor"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/scheduler"
	"github.com/ivoronin/dupecat/internal/types"
)

type fixture struct {
	store *catalog.Store
	ext   *extractor.Extractor
	sched *scheduler.Scheduler
	dir   string
}

func newFixture(t *testing.T, opts ...catalog.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	opts = append([]catalog.Option{catalog.WithFlushInterval(10 * time.Millisecond), catalog.WithLogger(logger)}, opts...)
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agg := progress.NewAggregator()
	ext, err := extractor.New(store, "run-0", true, agg, logger)
	require.NoError(t, err)
	sched := scheduler.New(context.Background(), scheduler.Options{
		LightWorkers: 2, HeavyWorkers: 1, Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}, agg, logger)
	t.Cleanup(sched.Stop)
	return &fixture{store: store, ext: ext, sched: sched, dir: dir}
}

// add writes a file and records it as pending.
func (f *fixture) add(t *testing.T, name, content string) *types.FileRecord {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	out, err := f.ext.Extract(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, extractor.OutcomeNew, out)
	return f.get(t, path)
}

func (f *fixture) get(t *testing.T, path string) *types.FileRecord {
	t.Helper()
	require.NoError(t, f.store.Flush(context.Background()))
	r, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	return r
}

func (f *fixture) run(t *testing.T, retryErrors bool) Result {
	t.Helper()
	c := New(f.store, f.ext, "run-1", retryErrors, zaptest.NewLogger(t))
	res, err := c.Run(context.Background(), f.sched)
	require.NoError(t, err)
	return res
}

func TestSweepResetsUntrustedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.add(t, "a", "content")
	require.NoError(t, f.store.SetQuickHash(ctx, rec.Path, rec.Size, rec.ModTime.UnixNano(), "", "xxh64:01"))
	require.NoError(t, f.store.Flush(ctx))
	_, err := f.store.DB().ExecContext(ctx, `UPDATE files SET quick_hash = NULL WHERE path_abs = ?`, rec.Path)
	require.NoError(t, err)

	n, err := New(f.store, f.ext, "run-1", true, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, types.StatePending, f.get(t, rec.Path).State)
}

func TestRunMarksMissingFiles(t *testing.T) {
	f := newFixture(t)
	rec := f.add(t, "gone", "content")
	require.NoError(t, os.Remove(rec.Path))

	res := f.run(t, true)

	assert.EqualValues(t, 1, res.Selected)
	assert.EqualValues(t, 1, res.Missing)
	r := f.get(t, rec.Path)
	assert.Equal(t, types.StateError, r.State)
	assert.Equal(t, types.CodeNotFound, r.ErrorCode)
}

func TestRunResetsDivergedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.add(t, "a", "content")
	require.NoError(t, f.store.SetQuickHash(ctx, rec.Path, rec.Size, rec.ModTime.UnixNano(), "", "xxh64:01"))
	require.NoError(t, os.WriteFile(rec.Path, []byte("content that grew"), 0o644))

	res := f.run(t, true)

	assert.EqualValues(t, 1, res.Diverged)
	r := f.get(t, rec.Path)
	assert.Equal(t, types.StatePending, r.State)
	assert.Empty(t, r.QuickHash)
	assert.EqualValues(t, len("content that grew"), r.Size)
	assert.Equal(t, "run-1", r.ScanRunID)
}

func TestRunRequeuesErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.add(t, "a", "content")
	require.NoError(t, f.store.SetError(ctx, rec.Path, types.CodeIOFailure, "read failed", 3))

	res := f.run(t, true)

	assert.EqualValues(t, 1, res.Requeued)
	r := f.get(t, rec.Path)
	assert.Equal(t, types.StatePending, r.State)
	assert.Empty(t, r.ErrorCode)
}

func TestRunSeesQueuedWrites(t *testing.T) {
	// nothing commits on its own: only a flush lands queued writes
	f := newFixture(t, catalog.WithFlushInterval(time.Hour))
	ctx := context.Background()
	rec := f.add(t, "a", "content")
	require.NoError(t, f.store.SetError(ctx, rec.Path, types.CodeIOFailure, "read failed", 3))

	res := f.run(t, true)

	assert.EqualValues(t, 1, res.Selected)
	assert.EqualValues(t, 1, res.Requeued)
	assert.Equal(t, types.StatePending, f.get(t, rec.Path).State)
}

func TestRunLeavesErrorsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.add(t, "a", "content")
	require.NoError(t, f.store.SetError(ctx, rec.Path, types.CodeIOFailure, "read failed", 3))

	res := f.run(t, false)

	assert.Zero(t, res.Selected)
	assert.Equal(t, types.StateError, f.get(t, rec.Path).State)
}

func TestRunKeepsUnchangedAndSkipsDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.add(t, "pending", "one")
	sha := f.add(t, "sha", "two")
	done := f.add(t, "done", "three")
	require.NoError(t, f.store.MarkSHAPending(ctx, sha.Path, sha.Size, sha.ModTime.UnixNano()))
	require.NoError(t, f.store.MarkSHAPending(ctx, done.Path, done.Size, done.ModTime.UnixNano()))
	require.NoError(t, f.store.SetFullHash(ctx, done.Path, done.Size, done.ModTime.UnixNano(), "blake3:00", ""))
	require.NoError(t, f.store.Flush(ctx))
	require.NoError(t, os.Remove(done.Path))

	res := f.run(t, true)

	assert.EqualValues(t, 2, res.Selected)
	assert.EqualValues(t, 2, res.Kept)
	assert.Equal(t, types.StatePending, f.get(t, pending.Path).State)
	assert.Equal(t, types.StateSHAPending, f.get(t, sha.Path).State)
	assert.Equal(t, types.StateDone, f.get(t, done.Path).State)
}

func TestResultString(t *testing.T) {
	r := Result{Selected: 5, Missing: 1, Diverged: 2, Requeued: 1, Kept: 1}
	assert.Equal(t, "Re-verified 5 records: 1 missing, 2 changed, 1 requeued, 1 kept", r.String())
}
