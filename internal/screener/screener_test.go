package screener

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/hashing"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

type fixture struct {
	store *catalog.Store
	scr   *Screener
	agg   *progress.Aggregator
	dir   string
}

func newFixture(t *testing.T, threshold, sample int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"),
		catalog.WithFlushInterval(10*time.Millisecond), catalog.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hashes, err := hashing.NewSet("xxh64", "blake3", "sha256")
	require.NoError(t, err)

	agg := progress.NewAggregator()
	scr := New(store, hashes, Options{
		SmallFileThreshold: threshold,
		SampleBytes:        sample,
		Open:               hashing.OpenFile,
	}, agg, zaptest.NewLogger(t))
	return &fixture{store: store, scr: scr, agg: agg, dir: dir}
}

// add writes a file and records it as pending.
func (f *fixture) add(t *testing.T, name, content string) *types.FileRecord {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	rec := types.NewFileRecord(&types.FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()}, "run", time.Now())
	require.NoError(t, f.store.PutPending(context.Background(), rec))
	require.NoError(t, f.store.Flush(context.Background()))
	return rec
}

func (f *fixture) get(t *testing.T, path string) *types.FileRecord {
	t.Helper()
	require.NoError(t, f.store.Flush(context.Background()))
	r, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	return r
}

// =============================================================================
// Process
// =============================================================================

func TestProcessSmallFileSkipsSample(t *testing.T) {
	f := newFixture(t, 100, 16)
	rec := f.add(t, "tiny.bin", "tiny")

	require.NoError(t, f.scr.Process(context.Background(), rec))

	r := f.get(t, rec.Path)
	assert.Equal(t, types.StateSHAPending, r.State)
	assert.Empty(t, r.QuickHash)
	assert.Zero(t, f.agg.Get(progress.BytesRead))
}

func TestProcessComputesQuickHash(t *testing.T) {
	f := newFixture(t, 0, 16)
	rec := f.add(t, "a.bin", strings.Repeat("x", 64))

	require.NoError(t, f.scr.Process(context.Background(), rec))

	r := f.get(t, rec.Path)
	assert.Equal(t, types.StateQuickHashed, r.State)
	assert.True(t, strings.HasPrefix(r.QuickHash, "xxh64/"), r.QuickHash)
	assert.EqualValues(t, 1, f.agg.Get(progress.QuickHashed))
	assert.EqualValues(t, 16, f.agg.Get(progress.BytesRead))
}

func TestQuickHashIgnoresMiddle(t *testing.T) {
	f := newFixture(t, 0, 8)
	a := f.add(t, "a.bin", "head"+strings.Repeat("A", 32)+"tail")
	b := f.add(t, "b.bin", "head"+strings.Repeat("B", 32)+"tail")

	require.NoError(t, f.scr.Process(context.Background(), a))
	require.NoError(t, f.scr.Process(context.Background(), b))

	assert.Equal(t, f.get(t, a.Path).QuickHash, f.get(t, b.Path).QuickHash)
}

func TestQuickHashMixesSize(t *testing.T) {
	f := newFixture(t, 0, 8)
	a := f.add(t, "a.bin", "headXXtail")
	b := f.add(t, "b.bin", "headXXXtail")

	require.NoError(t, f.scr.Process(context.Background(), a))
	require.NoError(t, f.scr.Process(context.Background(), b))

	assert.NotEqual(t, f.get(t, a.Path).QuickHash, f.get(t, b.Path).QuickHash)
}

func TestProcessRefinesMime(t *testing.T) {
	f := newFixture(t, 0, 64)
	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 24)
	rec := f.add(t, "image.dat", png)

	require.NoError(t, f.scr.Process(context.Background(), rec))

	assert.Equal(t, "image/png", f.get(t, rec.Path).MimeHint)
}

func TestProcessChangedFile(t *testing.T) {
	f := newFixture(t, 0, 16)
	rec := f.add(t, "a.bin", strings.Repeat("x", 64))
	require.NoError(t, os.WriteFile(rec.Path, []byte("shorter"), 0o644))

	err := f.scr.Process(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, types.CodeChangedDuringRead, types.CodeOf(err))

	assert.Equal(t, types.StatePending, f.get(t, rec.Path).State)
}

func TestProcessMissingFile(t *testing.T) {
	f := newFixture(t, 0, 16)
	rec := f.add(t, "a.bin", strings.Repeat("x", 64))
	require.NoError(t, os.Remove(rec.Path))

	err := f.scr.Process(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.Classify(rec.Path, err).Code)
}

// =============================================================================
// Classify
// =============================================================================

func TestClassify(t *testing.T) {
	f := newFixture(t, 0, 8)
	ctx := context.Background()
	unique := f.add(t, "unique.bin", "one of a kind")
	dupA := f.add(t, "dup-a.bin", "same content!")
	dupB := f.add(t, "dup-b.bin", "same content!")

	for _, rec := range []*types.FileRecord{unique, dupA, dupB} {
		require.NoError(t, f.scr.Process(ctx, rec))
	}
	res, err := f.scr.Classify(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Unique)
	assert.EqualValues(t, 2, res.Ambiguous)
	assert.Equal(t, types.StateDone, f.get(t, unique.Path).State)
	assert.Equal(t, types.StateSHAPending, f.get(t, dupA.Path).State)
	assert.Equal(t, types.StateSHAPending, f.get(t, dupB.Path).State)
}

func TestCaptureKeepsPrefix(t *testing.T) {
	c := &capture{limit: 5}
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = c.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", string(c.buf))
}

func TestSniff(t *testing.T) {
	assert.Empty(t, sniff(nil))
	assert.Empty(t, sniff([]byte{0x8f, 0x13, 0x00, 0x42, 0x07}))
	assert.Equal(t, "text/plain", sniff([]byte("hello world")))
}
