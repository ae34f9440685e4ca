// Package screener is the quick-hash stage: it screens pending files for
// collision evidence before any full read.
//
// # Overview
//
// The screener is the first filtering stage in the duplicate detection
// pipeline. For each pending record it either hands the file straight to the
// full-hash stage (tiny files) or hashes a bounded head+tail sample mixed with
// the size. Once every quick hash of a pass is committed, Classify groups
// records by (size, quick_hash): singletons are done, the rest need a full hash.
//
// # Processing Pipeline
//
//	Input: one pending FileRecord per Process call
//	    │
//	    ├──► size < small_file_threshold → sha_pending  (no sampling)
//	    │
//	    ├──► open + fact check (changed_during_read on mismatch)
//	    │
//	    ├──► hash size ‖ head ‖ tail  (whole file when size <= sample)
//	    │
//	    ├──► refine MIME hint from the head bytes (no extra I/O)
//	    │
//	    └──► pending → quick_hashed  (guarded by size and mtime)
//
//	Classify (after a catalog barrier):
//	    ├──► group of 1 by (size, quick_hash) → done    (no full hash, ever)
//	    └──► group of 2+                       → sha_pending
//
// # Why This Design?
//
//   - Cost is O(sample) per file regardless of its size
//   - Mixing the size in makes different sizes never share a quick hash
//   - Classification is one serialized catalog write, so concurrent workers
//     never race on group cardinality
package screener

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/hashing"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

// Store is the part of the catalog the screener writes to.
type Store interface {
	SetQuickHash(ctx context.Context, path string, size, mtimeNs int64, mime, quick string) error
	MarkSHAPending(ctx context.Context, path string, size, mtimeNs int64) error
	Flush(ctx context.Context) error
	Classify(ctx context.Context) (catalog.ClassifyResult, error)
}

// Options configures the stage.
type Options struct {
	SmallFileThreshold int64           // Below this size the sample is skipped
	SampleBytes        int64           // Total head+tail sample
	Limiter            hashing.Limiter // Optional read throttle
	Open               hashing.OpenFunc
}

// Screener computes quick hashes. Safe for concurrent Process calls.
type Screener struct {
	// Config (immutable, set by New)
	store  Store
	hashes *hashing.Set
	opts   Options
	agg    *progress.Aggregator
	logger *zap.Logger
}

// New creates a Screener.
func New(store Store, hashes *hashing.Set, opts Options, agg *progress.Aggregator, logger *zap.Logger) *Screener {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.SampleBytes = max(opts.SampleBytes, 2)
	return &Screener{store: store, hashes: hashes, opts: opts, agg: agg, logger: logger.Named("screener")}
}

// Process advances one pending record.
func (s *Screener) Process(ctx context.Context, rec *types.FileRecord) error {
	mtimeNs := rec.ModTime.UnixNano()
	if rec.Size < s.opts.SmallFileThreshold {
		return s.store.MarkSHAPending(ctx, rec.Path, rec.Size, mtimeNs)
	}

	quick, mime, err := s.sample(ctx, rec)
	if err != nil {
		return err
	}
	if err := s.store.SetQuickHash(ctx, rec.Path, rec.Size, mtimeNs, mime, quick); err != nil {
		return err
	}
	s.agg.Add(progress.QuickHashed, 1)
	return nil
}

// sample hashes the head and tail of rec's file and sniffs its MIME type.
func (s *Screener) sample(ctx context.Context, rec *types.FileRecord) (quick, mime string, err error) {
	ranges := hashing.SampleRanges(rec.Size, s.opts.SampleBytes)
	r, err := hashing.Open(s.opts.Open, rec, s.opts.Limiter, int(ranges[0].Len))
	if err != nil {
		return "", "", err
	}
	defer func() { _ = r.Close() }()
	defer func() { s.agg.Add(progress.BytesRead, r.BytesRead()) }()

	digest := s.hashes.NewQuick(rec.Size, s.opts.SampleBytes)
	head := &capture{limit: int(ranges[0].Len)}
	for i, rg := range ranges {
		var w io.Writer = digest
		if i == 0 {
			w = io.MultiWriter(digest, head)
		}
		if err := r.Copy(ctx, w, rg); err != nil {
			return "", "", err
		}
	}
	if err := r.Check(); err != nil {
		return "", "", err
	}
	return digest.Sum(), sniff(head.buf), nil
}

// Classify decides every quick_hashed record by its group cardinality.
// All quick hashes queued so far are committed first.
func (s *Screener) Classify(ctx context.Context) (catalog.ClassifyResult, error) {
	start := time.Now()
	if err := s.store.Flush(ctx); err != nil {
		return catalog.ClassifyResult{}, err
	}
	res, err := s.store.Classify(ctx)
	if err != nil {
		return res, err
	}
	s.logger.Info("classified quick groups",
		zap.Int64("unique", res.Unique), zap.Int64("ambiguous", res.Ambiguous),
		zap.Int64("demoted", res.Demoted), zap.Duration("took", time.Since(start)))
	return res, nil
}

// sniff returns the detected media type without parameters, or "" when
// detection adds nothing over the extension.
func sniff(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	m := mimetype.Detect(head)
	if m.Is("application/octet-stream") {
		return ""
	}
	t, _, _ := strings.Cut(m.String(), ";")
	return strings.TrimSpace(t)
}

// capture keeps the first limit bytes written to it.
type capture struct {
	buf   []byte
	limit int
}

func (c *capture) Write(p []byte) (int, error) {
	if room := c.limit - len(c.buf); room > 0 {
		c.buf = append(c.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
