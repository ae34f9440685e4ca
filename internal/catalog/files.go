package catalog

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ivoronin/dupecat/internal/types"
)

// Every hash write carries the (size, mtime) the hash was computed for and
// only lands when the row still holds those facts in the expected state.
// A hash computed for stale facts therefore never becomes visible.

// BeginRun records a new scan run.
func (s *Store) BeginRun(ctx context.Context, run *types.ScanRun) error {
	return s.do(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO scans(scan_run_id, started_at, root_path, host, "user") VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.StartedAt.UnixNano(), strings.Join(run.Roots, "\n"), run.Host, run.User)
		return err
	})
}

// PutPending upserts rec's facts and resets it to pending with every hash
// and error field cleared. Used for new paths and for changed ones.
func (s *Store) PutPending(ctx context.Context, rec *types.FileRecord) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO files(path_abs, scan_run_id, dir, name, ext, size_bytes, mtime_ns, ctime_ns,
				owner, flags, mime_hint, state, attempts, last_seen_at, dev, ino)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
			ON CONFLICT(path_abs) DO UPDATE SET
				scan_run_id = excluded.scan_run_id,
				dir = excluded.dir, name = excluded.name, ext = excluded.ext,
				size_bytes = excluded.size_bytes, mtime_ns = excluded.mtime_ns, ctime_ns = excluded.ctime_ns,
				owner = excluded.owner, flags = excluded.flags, mime_hint = excluded.mime_hint,
				quick_hash = NULL, primary_hash = NULL, compatibility_hash = NULL,
				state = 'pending', error_code = NULL, error_msg = NULL, attempts = 0,
				hashed_size = NULL, hashed_mtime_ns = NULL,
				last_seen_at = excluded.last_seen_at, dev = excluded.dev, ino = excluded.ino`,
			rec.Path, rec.ScanRunID, rec.Dir, rec.Name, rec.Ext, rec.Size, rec.ModTime.UnixNano(),
			rec.CreateTime.UnixNano(), rec.Owner, rec.Flags, rec.MimeHint, rec.LastSeenAt.UnixNano(),
			int64(rec.Dev), int64(rec.Ino)) //nolint:gosec // stored bit-for-bit
		return err
	})
}

// Touch marks an unchanged record as seen by rec's run and refreshes its
// device and inode, which may change without touching size or mtime.
func (s *Store) Touch(ctx context.Context, rec *types.FileRecord) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET last_seen_at = ?, scan_run_id = ?, dev = ?, ino = ? WHERE path_abs = ?`,
			rec.LastSeenAt.UnixNano(), rec.ScanRunID, int64(rec.Dev), int64(rec.Ino), rec.Path) //nolint:gosec // stored bit-for-bit
		return err
	})
}

// PutStatError records a path that could not be stat'ed. A new path gets a
// fact-less row so the failure stays queryable.
func (s *Store) PutStatError(ctx context.Context, rec *types.FileRecord, code types.ErrorCode, msg string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO files(path_abs, scan_run_id, dir, name, ext, size_bytes, mtime_ns,
				state, error_code, error_msg, attempts, last_seen_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, 'error', ?, ?, 1, ?)
			ON CONFLICT(path_abs) DO UPDATE SET
				scan_run_id = excluded.scan_run_id,
				state = 'error', error_code = excluded.error_code, error_msg = excluded.error_msg,
				attempts = files.attempts + 1,
				last_seen_at = excluded.last_seen_at`,
			rec.Path, rec.ScanRunID, rec.Dir, rec.Name, rec.Ext, string(code), msg, rec.LastSeenAt.UnixNano())
		return err
	})
}

// SetQuickHash stores the quick hash of a pending record: pending → quick_hashed.
func (s *Store) SetQuickHash(ctx context.Context, path string, size, mtimeNs int64, mime, quick string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET quick_hash = ?, state = 'quick_hashed',
				mime_hint = CASE WHEN ? <> '' THEN ? ELSE mime_hint END,
				hashed_size = size_bytes, hashed_mtime_ns = mtime_ns
			WHERE path_abs = ? AND size_bytes = ? AND mtime_ns = ? AND state = 'pending'`,
			quick, mime, mime, path, size, mtimeNs)
		return err
	})
}

// MarkSHAPending hands a pending record straight to the full-hash stage.
func (s *Store) MarkSHAPending(ctx context.Context, path string, size, mtimeNs int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET state = 'sha_pending'
			WHERE path_abs = ? AND size_bytes = ? AND mtime_ns = ? AND state = 'pending'`,
			path, size, mtimeNs)
		return err
	})
}

// SetFullHash stores full hashes: sha_pending → done.
func (s *Store) SetFullHash(ctx context.Context, path string, size, mtimeNs int64, primary, compat string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET primary_hash = NULLIF(?, ''), compatibility_hash = NULLIF(?, ''),
				state = 'done', error_code = NULL, error_msg = NULL, attempts = 0,
				hashed_size = size_bytes, hashed_mtime_ns = mtime_ns
			WHERE path_abs = ? AND size_bytes = ? AND mtime_ns = ? AND state = 'sha_pending'`,
			primary, compat, path, size, mtimeNs)
		return err
	})
}

// MarkUnique moves a sha_pending record proven unique by its probe to done
// without a full hash.
func (s *Store) MarkUnique(ctx context.Context, path string, size, mtimeNs int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET state = 'done', error_code = NULL, error_msg = NULL, attempts = 0
			WHERE path_abs = ? AND size_bytes = ? AND mtime_ns = ? AND state = 'sha_pending'`,
			path, size, mtimeNs)
		return err
	})
}

// SetError moves a record to the error state.
func (s *Store) SetError(ctx context.Context, path string, code types.ErrorCode, msg string, attempts int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET state = 'error', error_code = ?, error_msg = ?, attempts = ?
			WHERE path_abs = ?`, string(code), msg, attempts, path)
		return err
	})
}

// Requeue moves a record back to pending keeping its facts. Hashes are
// cleared so nothing computed earlier is trusted again.
func (s *Store) Requeue(ctx context.Context, path string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET state = 'pending', quick_hash = NULL, primary_hash = NULL,
				compatibility_hash = NULL, hashed_size = NULL, hashed_mtime_ns = NULL,
				error_code = NULL, error_msg = NULL
			WHERE path_abs = ?`, path)
		return err
	})
}

// DeletePaths removes records by path.
func (s *Store) DeletePaths(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`DELETE FROM files WHERE path_abs = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, p := range paths {
			if _, err := stmt.Exec(p); err != nil {
				return err
			}
		}
		return nil
	})
}
