// Package catalog is the durable store of scan runs and per-file records.
//
// # Architecture Overview
//
// The catalog is a single SQLite database in WAL mode with synchronous=NORMAL:
// commits are atomic and never half-visible, while fsync happens only at
// checkpoints. It is the only shared mutable resource of a scan.
//
// # Concurrency Model
//
//  1. WRITER GOROUTINE (single logical writer)
//     - Drains the ops queue and applies ops inside one transaction per batch
//     - Commits when the batch reaches batchSize, on a barrier, or on tick
//     - Sticky failure: after a failed commit every later write fails fast
//
//  2. PRODUCERS (any goroutine)
//     - Enqueue write ops; the bounded queue gives backpressure
//     - Flush() enqueues a barrier and waits for the commit that carries it
//
//  3. READERS (any goroutine)
//     - Query through the database/sql pool against the last committed snapshot
//
// # Synchronization Primitives
//
//	┌─────────────────┬────────────────────────────────────────────────┐
//	│ Primitive       │ Purpose                                        │
//	├─────────────────┼────────────────────────────────────────────────┤
//	│ ops             │ Bounded queue: producers → writer              │
//	│ barrier chans   │ Flush/do callers wait for their commit         │
//	│ closeMu         │ Prevents sends on a closed queue               │
//	│ flock           │ One writer process per catalog file            │
//	└─────────────────┴────────────────────────────────────────────────┘
//
// # Data Flow
//
//	producer ──► ops ──► writer: batch = [op, op, ... barrier]
//	                         │
//	                         ├──► BEGIN; op.exec(tx)...; COMMIT
//	                         └──► barrier <- err   (Flush returns)
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ivoronin/dupecat/internal/types"
)

const (
	defaultBatchSize     = 2000
	defaultFlushInterval = 500 * time.Millisecond
	busyTimeoutMillis    = 10_000
)

// ErrNotFound is returned by Get when no record exists for a path.
var ErrNotFound = errors.New("record not found")

type options struct {
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	readOnly      bool
}

// Option customises Open behaviour.
type Option func(*options)

// WithBatchSize sets the number of writes per commit. Default: 2000.
func WithBatchSize(n int) Option { return func(o *options) { o.batchSize = n } }

// WithFlushInterval bounds how long a partial batch waits. Default: 500ms.
func WithFlushInterval(d time.Duration) Option { return func(o *options) { o.flushInterval = d } }

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithReadOnly opens the catalog for queries only: no process lock, no writer.
func WithReadOnly() Option { return func(o *options) { o.readOnly = true } }

// Store is an open catalog.
type Store struct {
	db     *sql.DB
	path   string
	lock   *flock.Flock
	logger *zap.Logger
	opts   options

	ops     chan op
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	errMu sync.Mutex
	err   error // Sticky writer failure
}

// Open opens (creating if needed) the catalog at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{batchSize: defaultBatchSize, flushInterval: defaultFlushInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.batchSize < 1 {
		o.batchSize = 1
	}
	if o.flushInterval <= 0 {
		o.flushInterval = defaultFlushInterval
	}

	s := &Store{path: path, logger: o.logger.Named("catalog"), opts: o}

	if !o.readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, storageError("create catalog dir", err)
		}
		s.lock = flock.New(path + ".lock")
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, storageError("lock catalog", err)
		}
		if !locked {
			return nil, types.Errorf(types.CodeStorageFailure, "catalog %s is locked by another process", path)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, o.readOnly))
	if err != nil {
		s.unlock()
		return nil, storageError("open catalog", err)
	}
	s.db = db

	if !o.readOnly {
		if err := migrate(db); err != nil {
			_ = db.Close()
			s.unlock()
			return nil, storageError("migrate catalog", err)
		}
	} else if err := checkSchema(db); err != nil {
		_ = db.Close()
		return nil, storageError("open catalog", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		s.unlock()
		return nil, storageError("ping catalog", err)
	}

	if !o.readOnly {
		s.ops = make(chan op, o.batchSize)
		s.done = make(chan struct{})
		go s.writer()
	}
	return s, nil
}

// dsn builds a per-connection pragma set so every pooled connection gets
// the same busy timeout and sync level.
func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Path returns the catalog file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for read-only collaborators.
func (s *Store) DB() *sql.DB { return s.db }

// Close drains the writer, closes the database and releases the lock.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	if s.ops != nil {
		close(s.ops)
	}
	s.closeMu.Unlock()

	if s.done != nil {
		<-s.done
	}
	err := s.db.Close()
	s.unlock()
	if werr := s.failure(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (s *Store) unlock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

func storageError(what string, err error) error {
	return types.NewError(types.CodeStorageFailure, "", fmt.Errorf("%s: %w", what, err))
}

// migrations are applied in order; index i is schema version i+1.
var migrations = []string{
	`CREATE TABLE scans (
		scan_run_id TEXT PRIMARY KEY,
		started_at  INTEGER NOT NULL,
		root_path   TEXT NOT NULL,
		host        TEXT NOT NULL DEFAULT '',
		"user"      TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE files (
		path_abs            TEXT PRIMARY KEY,
		scan_run_id         TEXT,
		dir                 TEXT NOT NULL,
		name                TEXT NOT NULL,
		ext                 TEXT NOT NULL DEFAULT '',
		size_bytes          INTEGER NOT NULL,
		mtime_ns            INTEGER NOT NULL,
		ctime_ns            INTEGER NOT NULL DEFAULT 0,
		owner               TEXT NOT NULL DEFAULT '',
		flags               TEXT NOT NULL DEFAULT '',
		mime_hint           TEXT NOT NULL DEFAULT '',
		quick_hash          TEXT,
		primary_hash        TEXT,
		compatibility_hash  TEXT,
		is_pdf_born_digital INTEGER,
		state               TEXT NOT NULL DEFAULT 'pending',
		error_code          TEXT,
		error_msg           TEXT,
		attempts            INTEGER NOT NULL DEFAULT 0,
		hashed_size         INTEGER,
		hashed_mtime_ns     INTEGER,
		last_seen_at        INTEGER NOT NULL
	);
	CREATE INDEX idx_files_size_quick ON files(size_bytes, quick_hash);
	CREATE INDEX idx_files_primary ON files(primary_hash);
	CREATE INDEX idx_files_compat ON files(compatibility_hash);
	CREATE INDEX idx_files_ext ON files(ext);
	CREATE INDEX idx_files_dir ON files(dir);
	CREATE INDEX idx_files_state ON files(state);`,
	// v2: device and inode, so hard links of one file are not reported as copies
	`ALTER TABLE files ADD COLUMN dev INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE files ADD COLUMN ino INTEGER NOT NULL DEFAULT 0;`,
}

// checkSchema rejects a catalog a read-only open cannot query because a
// write-mode open has not migrated it yet.
func checkSchema(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current != len(migrations) {
		return fmt.Errorf("catalog schema version %d, want %d: run a scan to migrate it", current, len(migrations))
	}
	return nil
}

// migrate applies pending migrations inside one transaction.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("catalog schema version %d is newer than supported %d", current, len(migrations))
	}

	for v := current + 1; v <= len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v-1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			v, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}
	return nil
}
