package catalog

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/types"
)

// ClassifyResult counts the outcome of one classification pass.
type ClassifyResult struct {
	Unique    int64 // quick_hashed → done
	Ambiguous int64 // quick_hashed → sha_pending
	Demoted   int64 // done without full hash → sha_pending (a peer appeared)
}

// Classify decides every quick_hashed record by the cardinality of its
// (size, quick_hash) group, in one transaction.
//
// A record without a quick hash (below the small-file threshold when it was
// processed) counts as a peer of every record of the same size, since nothing
// proves their contents differ. So does a record whose quick hash was taken
// with other sampling parameters: the two samples are not comparable.
//
// Order matters: done records that were unique only by their quick hash are
// demoted first, while the new arrivals are still quick_hashed.
func (s *Store) Classify(ctx context.Context) (ClassifyResult, error) {
	var res ClassifyResult
	err := s.do(ctx, func(tx *sql.Tx) error {
		var err error
		if res.Demoted, err = execCount(tx, `UPDATE files SET state = 'sha_pending'
			WHERE state = 'done' AND primary_hash IS NULL AND compatibility_hash IS NULL
				AND EXISTS (SELECT 1 FROM files p
					WHERE p.size_bytes = files.size_bytes AND p.path_abs <> files.path_abs
						AND p.state IN ('quick_hashed', 'sha_pending')
						AND `+quickPeer+`)`); err != nil {
			return err
		}
		if res.Ambiguous, err = execCount(tx, `UPDATE files SET state = 'sha_pending'
			WHERE state = 'quick_hashed'
				AND EXISTS (SELECT 1 FROM files p
					WHERE p.size_bytes = files.size_bytes AND p.path_abs <> files.path_abs
						AND p.state IN ('quick_hashed', 'sha_pending', 'done')
						AND `+quickPeer+`)`); err != nil {
			return err
		}
		res.Unique, err = execCount(tx, `UPDATE files SET state = 'done' WHERE state = 'quick_hashed'`)
		return err
	})
	return res, err
}

// quickPeer holds when p may share content with files by quick-hash evidence.
var quickPeer = `(p.quick_hash = files.quick_hash OR p.quick_hash IS NULL OR files.quick_hash IS NULL
	OR ` + hashParams("p.quick_hash") + ` <> ` + hashParams("files.quick_hash") + `)`

// requeueDone is the reset of a done record to the full-hash stage.
const requeueDone = `UPDATE files SET state = 'sha_pending', primary_hash = NULL, compatibility_hash = NULL
	WHERE state = 'done'`

// RequeueDone sends every done record in scope back to the full-hash stage,
// so the next full stage re-verifies it from disk.
func (s *Store) RequeueDone(ctx context.Context, scope Scope) (int64, error) {
	cond, args := scope.where()
	var n int64
	err := s.do(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = execCount(tx, requeueDone+` AND `+cond, args...)
		return err
	})
	return n, err
}

// RequeueForeignHashes sends fully hashed done records back to the full-hash
// stage when their full hashes do not match the configured algorithms.
// primary and compat are the expected "<algorithm>:" prefixes, "" when that
// hash is disabled. A record hashed under other settings would otherwise
// never group with records hashed under the current ones.
func (s *Store) RequeueForeignHashes(ctx context.Context, primary, compat string) (int64, error) {
	var terms []string
	var args []any
	for _, c := range []struct{ col, prefix string }{
		{string(ColPrimary), primary},
		{string(ColCompat), compat},
	} {
		if c.prefix == "" {
			continue
		}
		terms = append(terms, `(`+c.col+` IS NULL OR substr(`+c.col+`, 1, length(?)) <> ?)`)
		args = append(args, c.prefix, c.prefix)
	}
	if len(terms) == 0 {
		return 0, nil
	}
	var n int64
	err := s.do(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = execCount(tx, requeueDone+`
			AND (primary_hash IS NOT NULL OR compatibility_hash IS NOT NULL)
			AND (`+strings.Join(terms, ` OR `)+`)`, args...)
		return err
	})
	return n, err
}

// sweepRules reset records whose persisted state cannot be trusted.
var sweepRules = []string{
	// unknown state
	`UPDATE files SET state = 'pending', quick_hash = NULL, primary_hash = NULL, compatibility_hash = NULL,
		hashed_size = NULL, hashed_mtime_ns = NULL, error_code = NULL, error_msg = NULL
	WHERE state NOT IN ('pending', 'quick_hashed', 'sha_pending', 'done', 'error')`,
	// quick_hashed without its quick hash
	`UPDATE files SET state = 'pending' WHERE state = 'quick_hashed' AND quick_hash IS NULL`,
	// done with nothing to show for it
	`UPDATE files SET state = 'pending'
	WHERE state = 'done' AND quick_hash IS NULL AND primary_hash IS NULL AND compatibility_hash IS NULL`,
	// done whose hashes were computed for other facts
	`UPDATE files SET state = 'pending', quick_hash = NULL, primary_hash = NULL, compatibility_hash = NULL,
		hashed_size = NULL, hashed_mtime_ns = NULL
	WHERE state = 'done' AND (hashed_size IS NULL OR hashed_size <> size_bytes OR hashed_mtime_ns <> mtime_ns)`,
	// full hashes on records that never finished the full-hash stage
	`UPDATE files SET primary_hash = NULL, compatibility_hash = NULL
	WHERE state IN ('quick_hashed', 'sha_pending') AND (primary_hash IS NOT NULL OR compatibility_hash IS NOT NULL)`,
	// error without a code
	`UPDATE files SET state = 'pending', error_msg = NULL WHERE state = 'error' AND error_code IS NULL`,
}

// RepairIntegrity runs the startup sweep and returns how many records were
// reset. Each reset is an integrity violation resolved in place.
func (s *Store) RepairIntegrity(ctx context.Context) (int64, error) {
	var total int64
	err := s.do(ctx, func(tx *sql.Tx) error {
		total = 0
		for _, rule := range sweepRules {
			n, err := execCount(tx, rule)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if total > 0 {
		s.logger.Warn("integrity sweep reset records",
			zap.Int64("records", total), zap.String("code", string(types.CodeIntegrityViolation)))
	}
	return total, err
}

// PurgeStale deletes records whose path no longer exists on disk.
func (s *Store) PurgeStale(ctx context.Context) (int, error) {
	var missing []string
	err := s.Paths(ctx, func(p string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Lstat(types.LongPath(p)); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(missing); start += s.opts.batchSize {
		end := min(start+s.opts.batchSize, len(missing))
		if err := s.DeletePaths(ctx, missing[start:end]); err != nil {
			return 0, err
		}
	}
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	s.logger.Info("purged stale records", zap.Int("records", len(missing)))
	return len(missing), nil
}

// PurgeAll deletes every record and run, then compacts the database file.
func (s *Store) PurgeAll(ctx context.Context) (int, error) {
	var n int64
	err := s.do(ctx, func(tx *sql.Tx) error {
		var err error
		if n, err = execCount(tx, `DELETE FROM files`); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM scans`)
		return err
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return int(n), storageError("vacuum", err)
	}
	s.logger.Info("purged catalog", zap.Int64("records", n))
	return int(n), nil
}

func execCount(tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
