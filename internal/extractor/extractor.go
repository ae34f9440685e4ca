// Package extractor turns candidate paths into catalog records.
//
// For each path the extractor stats the file (never following links) and
// compares the facts with the catalog:
//
//	new path            → pending record                    (OutcomeNew)
//	same size and mtime → last_seen_at touch only           (OutcomeUnchanged)
//	size or mtime moved → pending, every hash cleared       (OutcomeChanged)
//	errored, unchanged  → pending again when retrying errors (OutcomeRetried)
//	no longer regular   → nothing written                   (OutcomeSkipped)
//
// Stat failures are returned to the caller, which retries transient ones and
// records the final failure through RecordFailure (OutcomeErrored).
package extractor

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/progress"
	"github.com/ivoronin/dupecat/internal/types"
)

// ownerCacheSize bounds the uid → user name cache.
const ownerCacheSize = 1024

// ErrNotRegular reports a path that is no longer a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Outcome is the result of extracting one path.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeUnchanged
	OutcomeChanged
	OutcomeRetried
	OutcomeErrored
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	case OutcomeRetried:
		return "retried"
	case OutcomeErrored:
		return "errored"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Store is the part of the catalog the extractor writes to.
type Store interface {
	Get(ctx context.Context, path string) (*types.FileRecord, error)
	PutPending(ctx context.Context, rec *types.FileRecord) error
	Touch(ctx context.Context, rec *types.FileRecord) error
	PutStatError(ctx context.Context, rec *types.FileRecord, code types.ErrorCode, msg string) error
}

// Extractor records facts for one scan run. Safe for concurrent use.
type Extractor struct {
	store       Store
	runID       string
	retryErrors bool
	owners      *lru.Cache[uint32, string]
	agg         *progress.Aggregator
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an Extractor for runID.
func New(store Store, runID string, retryErrors bool, agg *progress.Aggregator, logger *zap.Logger) (*Extractor, error) {
	owners, err := lru.New[uint32, string](ownerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("owner cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		store:       store,
		runID:       runID,
		retryErrors: retryErrors,
		owners:      owners,
		agg:         agg,
		logger:      logger.Named("extractor"),
		now:         time.Now,
	}, nil
}

// Facts stats path without following links and returns its facts.
// Returns ErrNotRegular for anything but a regular file.
func (e *Extractor) Facts(path string) (*types.FileInfo, error) {
	info, err := os.Lstat(types.LongPath(path))
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotRegular
	}
	fi := &types.FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Flags:   flagString(info),
	}
	uid, ok := fillSys(fi, info)
	if ok {
		fi.Owner = e.owner(uid)
	}
	return fi, nil
}

func (e *Extractor) owner(uid uint32) string {
	if name, ok := e.owners.Get(uid); ok {
		return name
	}
	name := lookupOwner(uid)
	e.owners.Add(uid, name)
	return name
}

// Extract stats path and reconciles it with the catalog.
func (e *Extractor) Extract(ctx context.Context, path string) (Outcome, error) {
	fi, err := e.Facts(path)
	if errors.Is(err, ErrNotRegular) {
		e.agg.Add(progress.Skipped, 1)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeErrored, err
	}

	now := e.now()
	rec := types.NewFileRecord(fi, e.runID, now)
	rec.MimeHint = mimeFromExt(rec.Ext)

	existing, err := e.store.Get(ctx, path)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		if err := e.store.PutPending(ctx, rec); err != nil {
			return OutcomeErrored, err
		}
		e.agg.Add(progress.NewFiles, 1)
		return OutcomeNew, nil
	case err != nil:
		return OutcomeErrored, err
	}

	if !existing.Matches(fi) {
		e.logger.Debug("facts changed", zap.String("path", path),
			zap.Int64("old_size", existing.Size), zap.Int64("new_size", fi.Size))
		if err := e.store.PutPending(ctx, rec); err != nil {
			return OutcomeErrored, err
		}
		e.agg.Add(progress.Changed, 1)
		return OutcomeChanged, nil
	}

	if existing.State == types.StateError && e.retryErrors {
		if err := e.store.PutPending(ctx, rec); err != nil {
			return OutcomeErrored, err
		}
		e.agg.Add(progress.Changed, 1)
		return OutcomeRetried, nil
	}

	if err := e.store.Touch(ctx, rec); err != nil {
		return OutcomeErrored, err
	}
	e.agg.Add(progress.Unchanged, 1)
	return OutcomeUnchanged, nil
}

// RecordFailure stores a final stat failure for path.
func (e *Extractor) RecordFailure(ctx context.Context, path string, err *types.Error) error {
	rec := types.NewFileRecord(&types.FileInfo{Path: path}, e.runID, e.now())
	return e.store.PutStatError(ctx, rec, err.Code, err.Err.Error())
}

// mimeFromExt returns the media type registered for ext, without parameters.
func mimeFromExt(ext string) string {
	if ext == "" {
		return ""
	}
	t := mime.TypeByExtension(ext)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}
