package extractor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

type fixture struct {
	store *catalog.Store
	ext   *Extractor
	agg   *progress.Aggregator
	dir   string
}

func newFixture(t *testing.T, retryErrors bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "db", "catalog.db"),
		catalog.WithFlushInterval(10*time.Millisecond), catalog.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agg := progress.NewAggregator()
	ext, err := New(store, "run-1", retryErrors, agg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{store: store, ext: ext, agg: agg, dir: dir}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) extract(t *testing.T, path string) Outcome {
	t.Helper()
	out, err := f.ext.Extract(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, f.store.Flush(context.Background()))
	return out
}

func (f *fixture) get(t *testing.T, path string) *types.FileRecord {
	t.Helper()
	r, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	return r
}

func TestExtractNewFile(t *testing.T) {
	f := newFixture(t, true)
	path := f.write(t, "notes.JSON", "{}")

	assert.Equal(t, OutcomeNew, f.extract(t, path))

	r := f.get(t, path)
	assert.Equal(t, types.StatePending, r.State)
	assert.EqualValues(t, 2, r.Size)
	assert.Equal(t, ".json", r.Ext)
	assert.Equal(t, "application/json", r.MimeHint)
	assert.Equal(t, "run-1", r.ScanRunID)
	assert.NotEmpty(t, r.Flags)
	if runtime.GOOS != "windows" {
		assert.NotEmpty(t, r.Owner)
	}
	assert.EqualValues(t, 1, f.agg.Get(progress.NewFiles))
}

func TestExtractUnchangedOnlyTouches(t *testing.T) {
	f := newFixture(t, true)
	path := f.write(t, "a.bin", "data")
	f.extract(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, f.store.SetQuickHash(context.Background(), path, info.Size(), info.ModTime().UnixNano(), "", "xxh64:01"))
	require.NoError(t, f.store.Flush(context.Background()))
	before := f.get(t, path)

	f.ext.now = func() time.Time { return before.LastSeenAt.Add(time.Hour) }
	assert.Equal(t, OutcomeUnchanged, f.extract(t, path))

	after := f.get(t, path)
	assert.Equal(t, types.StateQuickHashed, after.State, "unchanged files keep their state")
	assert.Equal(t, "xxh64:01", after.QuickHash)
	assert.True(t, after.LastSeenAt.After(before.LastSeenAt))
}

func TestExtractChangedResetsHashes(t *testing.T) {
	f := newFixture(t, true)
	path := f.write(t, "a.bin", "data")
	f.extract(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, f.store.MarkSHAPending(ctx, path, info.Size(), info.ModTime().UnixNano()))
	require.NoError(t, f.store.SetFullHash(ctx, path, info.Size(), info.ModTime().UnixNano(), "blake3:aa", "sha256:bb"))
	require.NoError(t, f.store.Flush(ctx))
	require.Equal(t, types.StateDone, f.get(t, path).State)

	require.NoError(t, os.WriteFile(path, []byte("different data"), 0o644))
	require.NoError(t, os.Chtimes(path, info.ModTime().Add(time.Minute), info.ModTime().Add(time.Minute)))

	assert.Equal(t, OutcomeChanged, f.extract(t, path))
	r := f.get(t, path)
	assert.Equal(t, types.StatePending, r.State)
	assert.Empty(t, r.PrimaryHash)
	assert.Empty(t, r.CompatHash)
	assert.EqualValues(t, 14, r.Size)
}

func TestExtractRetriesErroredRecords(t *testing.T) {
	for _, retry := range []bool{true, false} {
		t.Run("retry="+map[bool]string{true: "on", false: "off"}[retry], func(t *testing.T) {
			f := newFixture(t, retry)
			path := f.write(t, "a.bin", "data")
			f.extract(t, path)
			require.NoError(t, f.store.SetError(context.Background(), path, types.CodeIOFailure, "boom", 1))
			require.NoError(t, f.store.Flush(context.Background()))

			out := f.extract(t, path)
			r := f.get(t, path)
			if retry {
				assert.Equal(t, OutcomeRetried, out)
				assert.Equal(t, types.StatePending, r.State)
				assert.Empty(t, r.ErrorCode)
			} else {
				assert.Equal(t, OutcomeUnchanged, out)
				assert.Equal(t, types.StateError, r.State)
			}
		})
	}
}

func TestExtractSkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	f := newFixture(t, true)
	target := f.write(t, "target.bin", "data")
	link := filepath.Join(f.dir, "link.bin")
	require.NoError(t, os.Symlink(target, link))

	assert.Equal(t, OutcomeSkipped, f.extract(t, link))
	_, err := f.store.Get(context.Background(), link)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.EqualValues(t, 1, f.agg.Get(progress.Skipped))
}

func TestExtractMissingAndRecordFailure(t *testing.T) {
	f := newFixture(t, true)
	path := filepath.Join(f.dir, "gone.bin")

	out, err := f.ext.Extract(context.Background(), path)
	assert.Equal(t, OutcomeErrored, out)
	ce := types.Classify(path, err)
	assert.Equal(t, types.CodeNotFound, ce.Code)

	require.NoError(t, f.ext.RecordFailure(context.Background(), path, ce))
	require.NoError(t, f.store.Flush(context.Background()))
	r := f.get(t, path)
	assert.Equal(t, types.StateError, r.State)
	assert.Equal(t, types.CodeNotFound, r.ErrorCode)
}

func TestOwnerCache(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no uids on windows")
	}
	f := newFixture(t, true)
	first := f.ext.owner(0)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, f.ext.owner(0))
	assert.Equal(t, 1, f.ext.owners.Len())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "new", OutcomeNew.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
