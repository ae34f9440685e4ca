// Package verifier is the full-hash stage: it confirms duplicates by hashing
// whole files.
//
// # Architecture Overview
//
// Every sha_pending record is streamed once, in fixed-size chunks, through all
// configured full hashes at the same time. The result is committed with the
// facts it was computed for, so a file that changed mid-read never gets a hash.
//
// # Progressive Verification Strategy
//
// Large ambiguous groups often hold files that share a quick hash but differ
// elsewhere. With progressive mode on, a record at or above the minimum size
// is first compared with its quick peers on a head+tail probe:
//
//	sha_pending record (size >= progressive_min_size)
//	    │
//	    ├──► probe self:  size ‖ head[probe] ‖ tail[probe]
//	    ├──► probe every (size, quick_hash) peer (memoized, one read per peer)
//	    │
//	    ├──► every peer probed and none matches → done without a full read
//	    └──► otherwise                          → full hash
//
// A probe that fails for a peer is inconclusive, never proof of uniqueness.
//
// # Concurrency Model
//
// Process is called concurrently by scheduler lanes. Peer probes are shared:
// concurrent requests for the same (path, size, mtime) collapse into one read
// (singleflight) and finished probes are kept in a bounded LRU.
//
// # Why This Design?
//
//   - One pass computes every full hash, so enabling a second hash adds CPU, not I/O
//   - Chunked reads with a cancellation check bound how long Stop takes
//   - Probing costs 2×probe_bytes per member instead of the whole file
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ivoronin/dupecat/internal/hashing"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/scheduler"
	"github.com/ivoronin/dupecat/internal/types"
)

// probeCacheSize bounds the number of memoized peer probes.
const probeCacheSize = 16384

// fmtBytes is a shorthand for humanize.IBytes (human-readable byte sizes).
var fmtBytes = humanize.IBytes

// Store is the part of the catalog the verifier reads and writes.
type Store interface {
	SetFullHash(ctx context.Context, path string, size, mtimeNs int64, primary, compat string) error
	MarkUnique(ctx context.Context, path string, size, mtimeNs int64) error
	QuickPeers(ctx context.Context, size int64, quick string) ([]*types.FileRecord, error)
}

// Options configures the stage.
type Options struct {
	ChunkBytes         int64 // Streaming chunk size
	HeavyThreshold     int64 // Records at or above this size go to the heavy lane
	Progressive        bool  // Probe before a full read
	ProgressiveMinSize int64 // Smallest size that gets probed
	ProbeBytes         int64 // Size of each head and tail probe
	Limiter            hashing.Limiter
	Open               hashing.OpenFunc
}

// Verifier computes full hashes. Safe for concurrent Process calls.
type Verifier struct {
	// Config (immutable, set by New)
	store  Store
	hashes *hashing.Set
	opts   Options
	agg    *progress.Aggregator
	logger *zap.Logger

	// Runtime
	probes singleflight.Group
	memo   *lru.Cache[string, string]
	stats  stats
}

// New creates a Verifier.
func New(store Store, hashes *hashing.Set, opts Options, agg *progress.Aggregator, logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.ChunkBytes = max(opts.ChunkBytes, 1)
	opts.ProbeBytes = max(opts.ProbeBytes, 1)
	memo, err := lru.New[string, string](probeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("probe cache: %w", err)
	}
	v := &Verifier{store: store, hashes: hashes, opts: opts, agg: agg, logger: logger.Named("verifier"), memo: memo}
	v.stats.start = time.Now()
	return v, nil
}

// Lane returns the scheduler lane for rec.
func (v *Verifier) Lane(rec *types.FileRecord) scheduler.Lane {
	if rec.Size >= v.opts.HeavyThreshold {
		return scheduler.Heavy
	}
	return scheduler.Light
}

// Process advances one sha_pending record to done.
func (v *Verifier) Process(ctx context.Context, rec *types.FileRecord) error {
	mtimeNs := rec.ModTime.UnixNano()

	if v.probeEligible(rec) {
		unique, err := v.probeUnique(ctx, rec)
		if err != nil {
			return err
		}
		if unique {
			if err := v.store.MarkUnique(ctx, rec.Path, rec.Size, mtimeNs); err != nil {
				return err
			}
			v.stats.probedUnique.Add(1)
			v.stats.skippedBytes.Add(rec.Size)
			v.agg.Add(progress.ProbedUnique, 1)
			return nil
		}
	}

	primary, compat, err := v.hashFull(ctx, rec)
	if err != nil {
		return err
	}
	if err := v.store.SetFullHash(ctx, rec.Path, rec.Size, mtimeNs, primary, compat); err != nil {
		return err
	}
	v.stats.hashed.Add(1)
	v.agg.Add(progress.FullHashed, 1)
	return nil
}

// hashFull streams the whole file through every configured full hash.
func (v *Verifier) hashFull(ctx context.Context, rec *types.FileRecord) (primary, compat string, err error) {
	r, err := hashing.Open(v.opts.Open, rec, v.opts.Limiter, int(min(v.opts.ChunkBytes, max(rec.Size, 1))))
	if err != nil {
		return "", "", err
	}
	defer func() { _ = r.Close() }()
	defer func() { v.account(r.BytesRead()) }()

	digest := v.hashes.NewFull()
	if err := r.Copy(ctx, digest, hashing.Range{Off: 0, Len: rec.Size}); err != nil {
		return "", "", err
	}
	if err := r.Check(); err != nil {
		return "", "", err
	}
	primary, compat = digest.Sums()
	return primary, compat, nil
}

func (v *Verifier) probeEligible(rec *types.FileRecord) bool {
	return v.opts.Progressive && rec.QuickHash != "" && rec.Size >= v.opts.ProgressiveMinSize
}

// probeUnique reports whether rec's probe differs from the probe of every
// quick peer. Only a failure to probe rec itself is returned as an error.
func (v *Verifier) probeUnique(ctx context.Context, rec *types.FileRecord) (bool, error) {
	self, err := v.probe(ctx, rec)
	if err != nil {
		return false, err
	}
	peers, err := v.store.QuickPeers(ctx, rec.Size, rec.QuickHash)
	if err != nil {
		return false, err
	}
	for _, peer := range peers {
		if peer.Path == rec.Path {
			continue
		}
		sum, err := v.probe(ctx, peer)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			v.logger.Debug("peer probe failed", zap.String("path", peer.Path), zap.Error(err))
			return false, nil
		}
		if sum == self {
			return false, nil
		}
	}
	return true, nil
}

// probe returns the memoized head+tail digest of rec's current facts.
//
// A shared read runs on the context of the caller that started it. When that
// caller is cancelled, waiters whose own context is still live start over
// instead of inheriting the cancellation.
func (v *Verifier) probe(ctx context.Context, rec *types.FileRecord) (string, error) {
	key := fmt.Sprintf("%s\x00%d\x00%d", rec.Path, rec.Size, rec.ModTime.UnixNano())
	for {
		if sum, ok := v.memo.Get(key); ok {
			return sum, nil
		}
		sum, err, _ := v.probes.Do(key, func() (any, error) {
			sum, err := v.readProbe(ctx, rec)
			if err != nil {
				return "", err
			}
			v.memo.Add(key, sum)
			return sum, nil
		})
		if err == nil {
			return sum.(string), nil
		}
		if ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		return "", err
	}
}

func (v *Verifier) readProbe(ctx context.Context, rec *types.FileRecord) (string, error) {
	ranges := hashing.SampleRanges(rec.Size, 2*v.opts.ProbeBytes)
	r, err := hashing.Open(v.opts.Open, rec, v.opts.Limiter, int(min(v.opts.ChunkBytes, ranges[0].Len)))
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()
	defer func() { v.account(r.BytesRead()) }()

	digest := v.hashes.NewQuick(rec.Size, 2*v.opts.ProbeBytes)
	for _, rg := range ranges {
		if err := r.Copy(ctx, digest, rg); err != nil {
			return "", err
		}
	}
	if err := r.Check(); err != nil {
		return "", err
	}
	return digest.Sum(), nil
}

func (v *Verifier) account(n int64) {
	v.stats.verifiedBytes.Add(n)
	v.agg.Add(progress.BytesRead, n)
}

// stats tracks verification progress.
type stats struct {
	hashed        atomic.Int64
	probedUnique  atomic.Int64
	verifiedBytes atomic.Int64 // Bytes read, probes included
	skippedBytes  atomic.Int64 // Full reads avoided by probes
	start         time.Time
}

// Stats summarizes the work done so far.
type Stats struct {
	Hashed        int64
	ProbedUnique  int64
	VerifiedBytes int64
	SkippedBytes  int64
	Elapsed       time.Duration
}

// Stats returns a snapshot of the stage counters.
func (v *Verifier) Stats() Stats {
	return Stats{
		Hashed:        v.stats.hashed.Load(),
		ProbedUnique:  v.stats.probedUnique.Load(),
		VerifiedBytes: v.stats.verifiedBytes.Load(),
		SkippedBytes:  v.stats.skippedBytes.Load(),
		Elapsed:       time.Since(v.stats.start).Truncate(time.Millisecond),
	}
}

func (s Stats) String() string {
	if s.ProbedUnique > 0 {
		return fmt.Sprintf("Verified %s in %d files, %d proven unique by probe (%s skipped) in %v",
			fmtBytes(uint64(s.VerifiedBytes)), s.Hashed, s.ProbedUnique, fmtBytes(uint64(s.SkippedBytes)), s.Elapsed)
	}
	return fmt.Sprintf("Verified %s in %d files in %v", fmtBytes(uint64(s.VerifiedBytes)), s.Hashed, s.Elapsed)
}
