package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivoronin/dupecat/internal/types"
)

// HashColumn names a groupable hash column.
type HashColumn string

const (
	ColQuick   HashColumn = "quick_hash"
	ColPrimary HashColumn = "primary_hash"
	ColCompat  HashColumn = "compatibility_hash"
)

func (c HashColumn) valid() bool {
	return c == ColQuick || c == ColPrimary || c == ColCompat
}

const recordColumns = `path_abs, scan_run_id, dir, name, ext, size_bytes, mtime_ns, ctime_ns, owner, flags,
	mime_hint, quick_hash, primary_hash, compatibility_hash, is_pdf_born_digital, state, error_code,
	error_msg, attempts, hashed_size, hashed_mtime_ns, last_seen_at, dev, ino`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.FileRecord, error) {
	var (
		r                             types.FileRecord
		runID, quick, primary, compat sql.NullString
		code, msg                     sql.NullString
		pdf                           sql.NullBool
		hashedSize, hashedMtime       sql.NullInt64
		mtime, ctime, seen            int64
		dev, ino                      int64
		state                         string
	)
	if err := row.Scan(&r.Path, &runID, &r.Dir, &r.Name, &r.Ext, &r.Size, &mtime, &ctime, &r.Owner, &r.Flags,
		&r.MimeHint, &quick, &primary, &compat, &pdf, &state, &code,
		&msg, &r.Attempts, &hashedSize, &hashedMtime, &seen, &dev, &ino); err != nil {
		return nil, err
	}
	r.ScanRunID = runID.String
	r.ModTime = time.Unix(0, mtime).UTC()
	r.CreateTime = time.Unix(0, ctime).UTC()
	r.LastSeenAt = time.Unix(0, seen).UTC()
	r.QuickHash = quick.String
	r.PrimaryHash = primary.String
	r.CompatHash = compat.String
	if pdf.Valid {
		v := pdf.Bool
		r.PDFBornDigital = &v
	}
	r.State = types.State(state)
	r.ErrorCode = types.ErrorCode(code.String)
	r.ErrorMsg = msg.String
	r.HashedSize = hashedSize.Int64
	r.HashedModTime = hashedMtime.Int64
	r.Dev, r.Ino = uint64(dev), uint64(ino)
	return &r, nil
}

// Get returns the record for path, or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (*types.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM files WHERE path_abs = ?`, path)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, queryError(ctx, "get record", err)
	}
	return r, nil
}

// StateCounts returns the number of records per state.
func (s *Store) StateCounts(ctx context.Context) (map[types.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM files GROUP BY state`)
	if err != nil {
		return nil, queryError(ctx, "state counts", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.State]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, queryError(ctx, "state counts", err)
		}
		counts[types.State(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, "state counts", err)
	}
	return counts, nil
}

// ErrorCounts returns the number of errored records per code.
func (s *Store) ErrorCounts(ctx context.Context) (map[types.ErrorCode]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(error_code, ''), COUNT(*) FROM files WHERE state = 'error' GROUP BY error_code`)
	if err != nil {
		return nil, queryError(ctx, "error counts", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.ErrorCode]int64)
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, queryError(ctx, "error counts", err)
		}
		counts[types.ErrorCode(code)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, "error counts", err)
	}
	return counts, nil
}

// Scope limits a stage to records under some path prefixes. A record is in
// scope when it matches any Include prefix (or Include is empty) and no
// Exclude prefix. The zero Scope covers every record.
type Scope struct {
	Include []string
	Exclude []string
}

// Contains reports whether path is in scope.
func (sc Scope) Contains(path string) bool {
	for _, p := range sc.Exclude {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if len(sc.Include) == 0 {
		return true
	}
	for _, p := range sc.Include {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// where renders the scope as an SQL condition over path_abs.
func (sc Scope) where() (string, []any) {
	prefixMatch := func(prefixes []string) (string, []any) {
		terms := make([]string, len(prefixes))
		args := make([]any, 0, 2*len(prefixes))
		for i, p := range prefixes {
			terms[i] = `substr(path_abs, 1, length(?)) = ?`
			args = append(args, p, p)
		}
		return `(` + strings.Join(terms, ` OR `) + `)`, args
	}

	cond, args := `1`, []any{}
	if len(sc.Include) > 0 {
		c, a := prefixMatch(sc.Include)
		cond, args = c, a
	}
	if len(sc.Exclude) > 0 {
		c, a := prefixMatch(sc.Exclude)
		cond += ` AND NOT ` + c
		args = append(args, a...)
	}
	return cond, args
}

// Each streams records in the given states, ordered by (size, quick_hash, path)
// so that members of one quick group arrive adjacently. Returning an error
// from fn stops the iteration and is returned as is.
func (s *Store) Each(ctx context.Context, states []types.State, fn func(*types.FileRecord) error) error {
	return s.EachIn(ctx, Scope{}, states, fn)
}

// EachIn is Each restricted to records in scope.
func (s *Store) EachIn(ctx context.Context, scope Scope, states []types.State, fn func(*types.FileRecord) error) error {
	if len(states) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	cond, scopeArgs := scope.where()
	args = append(args, scopeArgs...)

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM files
		WHERE state IN (`+placeholders+`) AND `+cond+`
		ORDER BY size_bytes, quick_hash, path_abs`, args...)
	if err != nil {
		return queryError(ctx, "select records", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return queryError(ctx, "select records", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return queryError(ctx, "select records", err)
	}
	return nil
}

// Collect returns every record in the given states.
func (s *Store) Collect(ctx context.Context, states ...types.State) ([]*types.FileRecord, error) {
	var out []*types.FileRecord
	err := s.Each(ctx, states, func(r *types.FileRecord) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// GroupKey identifies one group of records sharing (hash, size).
type GroupKey struct {
	Hash  string
	Size  int64
	Count int
}

// Groups returns (hash, size) groups with cardinality > 1, ordered by wasted
// bytes descending. The quick tier covers quick_hashed, sha_pending and done
// records; full-hash tiers cover done records only. limit <= 0 means no limit.
func (s *Store) Groups(ctx context.Context, col HashColumn, minSize int64, limit int) ([]GroupKey, error) {
	if !col.valid() {
		return nil, fmt.Errorf("invalid hash column %q", col)
	}
	stateFilter := `state = 'done'`
	if col == ColQuick {
		stateFilter = `state IN ('quick_hashed', 'sha_pending', 'done')`
	}
	query := `SELECT ` + string(col) + `, size_bytes, COUNT(*) FROM files
		WHERE ` + stateFilter + ` AND ` + string(col) + ` IS NOT NULL AND size_bytes >= ?
		GROUP BY ` + string(col) + `, size_bytes HAVING COUNT(*) > 1
		ORDER BY size_bytes * (COUNT(*) - 1) DESC, size_bytes DESC, ` + string(col)
	args := []any{minSize}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(ctx, "groups", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroupKey
	for rows.Next() {
		var g GroupKey
		if err := rows.Scan(&g.Hash, &g.Size, &g.Count); err != nil {
			return nil, queryError(ctx, "groups", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, "groups", err)
	}
	return out, nil
}

// Members returns the records of one group, ordered by path.
func (s *Store) Members(ctx context.Context, col HashColumn, key GroupKey) ([]*types.FileRecord, error) {
	if !col.valid() {
		return nil, fmt.Errorf("invalid hash column %q", col)
	}
	stateFilter := `state = 'done'`
	if col == ColQuick {
		stateFilter = `state IN ('quick_hashed', 'sha_pending', 'done')`
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM files
		WHERE `+string(col)+` = ? AND size_bytes = ? AND `+stateFilter+` ORDER BY path_abs`, key.Hash, key.Size)
	if err != nil {
		return nil, queryError(ctx, "group members", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRows(ctx, rows)
}

// QuickPeers returns every record that could share content with a record of
// the given size and quick hash: same size and either the same quick hash, no
// quick hash at all, or one taken with other sampling parameters. Errored
// records are excluded.
func (s *Store) QuickPeers(ctx context.Context, size int64, quick string) ([]*types.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM files
		WHERE size_bytes = ?
			AND (quick_hash = ? OR quick_hash IS NULL OR `+hashParams("quick_hash")+` <> ?)
			AND state IN ('quick_hashed', 'sha_pending', 'done')
		ORDER BY path_abs`, size, quick, quickParams(quick))
	if err != nil {
		return nil, queryError(ctx, "quick peers", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRows(ctx, rows)
}

// hashParams renders the SQL expression for the "<algorithm>[/<sample>]:"
// prefix of a hash column.
func hashParams(col string) string {
	return `substr(` + col + `, 1, instr(` + col + `, ':'))`
}

// quickParams is the Go counterpart of hashParams.
func quickParams(v string) string {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		return v[:i+1]
	}
	return ""
}

// UnderDir returns records whose directory is dir or lies beneath it.
func (s *Store) UnderDir(ctx context.Context, dir string, limit int) ([]*types.FileRecord, error) {
	dir = filepath.Clean(dir)
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)
	upper := prefix[:len(prefix)-1] + string(rune(filepath.Separator+1))

	query := `SELECT ` + recordColumns + ` FROM files
		WHERE dir = ? OR (dir >= ? AND dir < ?) ORDER BY path_abs`
	args := []any{dir, prefix, upper}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(ctx, "records under dir", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRows(ctx, rows)
}

// Paths streams every catalogued path.
func (s *Store) Paths(ctx context.Context, fn func(path string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT path_abs FROM files ORDER BY path_abs`)
	if err != nil {
		return queryError(ctx, "list paths", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return queryError(ctx, "list paths", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return queryError(ctx, "list paths", err)
	}
	return nil
}

// Runs returns recorded scan runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]*types.ScanRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scan_run_id, started_at, root_path, host, "user" FROM scans ORDER BY started_at DESC`)
	if err != nil {
		return nil, queryError(ctx, "list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ScanRun
	for rows.Next() {
		var (
			run     types.ScanRun
			started int64
			roots   string
		)
		if err := rows.Scan(&run.ID, &started, &roots, &run.Host, &run.User); err != nil {
			return nil, queryError(ctx, "list runs", err)
		}
		run.StartedAt = time.Unix(0, started).UTC()
		run.Roots = strings.Split(roots, "\n")
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, "list runs", err)
	}
	return out, nil
}

// queryError wraps a read failure as storage_failure, except when ctx ended:
// a cancelled read is a stop, not a broken catalog.
func queryError(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return storageError(what, err)
}

func collectRows(ctx context.Context, rows *sql.Rows) ([]*types.FileRecord, error) {
	var out []*types.FileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, queryError(ctx, "scan record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, "scan record", err)
	}
	return out, nil
}
