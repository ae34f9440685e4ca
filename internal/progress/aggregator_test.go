package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorCounts(t *testing.T) {
	a := NewAggregator()
	a.Add(Files, 3)
	a.Add(Files, 2)
	a.Add(BytesRead, 1<<20)

	assert.Equal(t, int64(5), a.Get(Files))

	snap := a.Snapshot()
	a.Add(Files, 10)
	assert.Equal(t, int64(5), snap.Get(Files), "snapshot must not see later updates")
	assert.Equal(t, int64(1<<20), snap.Counts()["bytes_read"])
	assert.Len(t, snap.Counts(), int(numCounters))
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator()
	a.Add(Errors, 4)
	a.SetPhase(PhaseFull)
	a.SetPaused(true)

	a.Reset()

	snap := a.Snapshot()
	assert.Zero(t, snap.Get(Errors))
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.Paused)
}

func TestPublishNeverBlocks(t *testing.T) {
	a := NewAggregator()
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuffer*3; i++ {
			a.Publish()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked without a listener")
	}
	assert.Len(t, a.Events(), eventBuffer)
}

func TestPhaseChangesArePublished(t *testing.T) {
	a := NewAggregator()
	a.SetPhase(PhaseWalk)
	a.Add(Dirs, 1)
	a.SetPaused(true)

	first := <-a.Events()
	second := <-a.Events()
	assert.Equal(t, PhaseWalk, first.Phase)
	assert.False(t, first.Paused)
	assert.True(t, second.Paused)
	assert.Equal(t, int64(1), second.Get(Dirs))
}

func TestNilAggregatorIsNoop(t *testing.T) {
	var a *Aggregator
	a.Add(Files, 1)
	a.SetPhase(PhaseWalk)
	a.Publish()

	assert.Zero(t, a.Get(Files))
	assert.Equal(t, PhaseIdle, a.Snapshot().Phase)
	assert.Nil(t, a.Events())
}

func TestSnapshotString(t *testing.T) {
	a := NewAggregator()
	a.SetPhase(PhaseWalk)
	a.Add(Dirs, 2)
	a.Add(Files, 7)
	a.Add(NewFiles, 5)
	a.Add(Errors, 1)
	a.SetPaused(true)

	s := a.Snapshot().String()
	assert.Contains(t, s, "Scanned 2 dirs, 7 files (5 new, 0 changed)")
	assert.Contains(t, s, "1 errors")
	assert.Contains(t, s, "[walk]")
	assert.True(t, strings.HasSuffix(s, "(paused)"))
}

func TestCollector(t *testing.T) {
	a := NewAggregator()
	a.Add(Files, 3)
	a.SetPaused(true)

	assert.Equal(t, int(numCounters)+2, testutil.CollectAndCount(a))

	expected := `
# HELP dupecat_scan_files_seen_total Scan progress counter files_seen.
# TYPE dupecat_scan_files_seen_total counter
dupecat_scan_files_seen_total 3
# HELP dupecat_scan_paused 1 while the scan is paused.
# TYPE dupecat_scan_paused gauge
dupecat_scan_paused 1
`
	require.NoError(t, testutil.CollectAndCompare(a, strings.NewReader(expected),
		"dupecat_scan_files_seen_total", "dupecat_scan_paused"))
}
