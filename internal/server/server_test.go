package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

type fakeQuerier struct {
	states  map[types.State]int64
	errs    map[types.ErrorCode]int64
	groups  []grouper.Group
	files   []*types.FileRecord
	fail    error
	gotTier grouper.Tier
	gotLim  int
	gotDir  string
}

func (f *fakeQuerier) QueryStateCounts(context.Context) (map[types.State]int64, error) {
	return f.states, f.fail
}

func (f *fakeQuerier) QueryErrorCounts(context.Context) (map[types.ErrorCode]int64, error) {
	return f.errs, f.fail
}

func (f *fakeQuerier) QueryDuplicateGroups(_ context.Context, tier grouper.Tier, limit int) ([]grouper.Group, error) {
	f.gotTier, f.gotLim = tier, limit
	return f.groups, f.fail
}

func (f *fakeQuerier) QueryDir(_ context.Context, dir string, _ int) ([]*types.FileRecord, error) {
	f.gotDir = dir
	return f.files, f.fail
}

func (f *fakeQuerier) Progress() progress.Snapshot { return progress.NewAggregator().Snapshot() }

func newTestServer(t *testing.T, q Querier) *httptest.Server {
	t.Helper()
	s, err := New(q, zaptest.NewLogger(t), progress.NewAggregator())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func record(path string, size int64) *types.FileRecord {
	r := types.NewFileRecord(&types.FileInfo{Path: path, Size: size, ModTime: time.Unix(1700000000, 0)}, "run", time.Now())
	r.State = types.StateDone
	r.PrimaryHash = "blake3:aa"
	return r
}

func TestStates(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{states: map[types.State]int64{types.StateDone: 4, types.StatePending: 1}})

	status, body := get(t, ts, "/api/v1/states")
	require.Equal(t, http.StatusOK, status)

	var got map[string]int64
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, map[string]int64{"pending": 1, "quick_hashed": 0, "sha_pending": 0, "done": 4, "error": 0}, got)
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{errs: map[types.ErrorCode]int64{types.CodeNotFound: 2}})

	status, body := get(t, ts, "/api/v1/errors")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"not_found": 2}`, body)
}

func TestGroups(t *testing.T) {
	q := &fakeQuerier{groups: []grouper.Group{{
		Tier:  grouper.TierQuick,
		Hash:  "xxh64:01",
		Size:  10,
		Files: types.NewFileGroup([]*types.FileRecord{record("/b", 10), record("/a", 10)}),
	}}}
	ts := newTestServer(t, q)

	status, body := get(t, ts, "/api/v1/groups?tier=quick&limit=5")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, grouper.TierQuick, q.gotTier)
	assert.Equal(t, 5, q.gotLim)
	assert.JSONEq(t, `[{"tier":"quick","hash":"xxh64:01","size":10,"wasted":10,"paths":["/a","/b"]}]`, body)
}

func TestGroupsWithHardLinks(t *testing.T) {
	q := &fakeQuerier{groups: []grouper.Group{{
		Tier:  grouper.TierVerified,
		Hash:  "blake3:01",
		Size:  10,
		Files: types.NewFileGroup([]*types.FileRecord{record("/a", 10), record("/b", 10)}),
		Links: map[string][]string{"/a": {"/a-link"}},
	}}}
	ts := newTestServer(t, q)

	status, body := get(t, ts, "/api/v1/groups?tier=verified")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"tier":"verified","hash":"blake3:01","size":10,"wasted":10,
		"paths":["/a","/b"],"links":{"/a":["/a-link"]}}]`, body)
}

func TestGroupsDefaults(t *testing.T) {
	q := &fakeQuerier{}
	ts := newTestServer(t, q)

	status, body := get(t, ts, "/api/v1/groups")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, grouper.TierVerified, q.gotTier)
	assert.Equal(t, defaultGroupLimit, q.gotLim)
	assert.JSONEq(t, `[]`, body)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{})

	for _, path := range []string{
		"/api/v1/groups?tier=full",
		"/api/v1/groups?limit=-1",
		"/api/v1/files",
		"/api/v1/files?dir=/x&limit=abc",
	} {
		t.Run(path, func(t *testing.T) {
			status, body := get(t, ts, path)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestFiles(t *testing.T) {
	q := &fakeQuerier{files: []*types.FileRecord{record("/data/a", 3)}}
	ts := newTestServer(t, q)

	status, body := get(t, ts, "/api/v1/files?dir=/data")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/data", q.gotDir)

	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "/data/a", got[0]["path"])
	assert.Equal(t, "done", got[0]["state"])
	assert.Equal(t, "blake3:aa", got[0]["primary_hash"])
	assert.NotContains(t, got[0], "error_code")
}

func TestStorageFailureIs500(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{fail: types.NewError(types.CodeStorageFailure, "", errors.New("disk gone"))})

	status, body := get(t, ts, "/api/v1/states")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, `"code":"storage_failure"`)
}

func TestProgress(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{})

	status, body := get(t, ts, "/api/v1/progress")
	require.Equal(t, http.StatusOK, status)

	var got progressView
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "idle", got.Phase)
	assert.Contains(t, got.Counters, "files_seen")
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{
		states: map[types.State]int64{types.StateDone: 7},
		errs:   map[types.ErrorCode]int64{types.CodeTimeout: 1},
	})

	status, body := get(t, ts, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `dupecat_catalog_records{state="done"} 7`)
	assert.Contains(t, body, `dupecat_catalog_errors{code="timeout"} 1`)
	assert.True(t, strings.Contains(body, "dupecat_scan_files_seen_total"))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s, err := New(&fakeQuerier{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
