package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/types"
)

const commitRetries = 3

// op is one unit of queued work. exec runs inside the batch transaction;
// a non-nil barrier receives the batch outcome once it is committed.
type op struct {
	exec    func(tx *sql.Tx) error
	barrier chan error
}

// errClosed is returned for writes attempted after Close.
var errClosed = errors.New("catalog closed")

// writer is the single goroutine that mutates the database.
func (s *Store) writer() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.flushInterval)
	defer ticker.Stop()

	batch := make([]op, 0, s.opts.batchSize)
	commit := func() {
		if len(batch) == 0 {
			return
		}
		err := s.commit(batch)
		for _, o := range batch {
			if o.barrier != nil {
				o.barrier <- err
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case o, ok := <-s.ops:
			if !ok {
				commit()
				return
			}
			batch = append(batch, o)
			if o.barrier != nil || len(batch) >= s.opts.batchSize {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

// commit applies a batch in one transaction, retrying when SQLite is busy.
func (s *Store) commit(batch []op) error {
	if err := s.failure(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < commitRetries; attempt++ {
		err = s.commitOnce(batch)
		if err == nil || !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		err = storageError("commit batch", err)
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
		s.logger.Error("catalog writer failed", zap.Error(err), zap.Int("batch", len(batch)))
	}
	return err
}

func (s *Store) commitOnce(batch []op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, o := range batch {
		if o.exec == nil {
			continue
		}
		if err := o.exec(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isBusy reports whether err indicates an SQLite BUSY condition.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// failure returns the sticky writer error, if any.
func (s *Store) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// enqueue hands an op to the writer, blocking while the queue is full.
func (s *Store) enqueue(ctx context.Context, o op) error {
	if s.ops == nil {
		return types.Errorf(types.CodeStorageFailure, "catalog opened read-only")
	}
	if err := s.failure(); err != nil {
		return err
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return storageError("enqueue", errClosed)
	}
	select {
	case s.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write queues fn without waiting for its commit.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.enqueue(ctx, op{exec: fn})
}

// do queues fn and waits until the batch that carries it is committed.
func (s *Store) do(ctx context.Context, fn func(tx *sql.Tx) error) error {
	barrier := make(chan error, 1)
	if err := s.enqueue(ctx, op{exec: fn, barrier: barrier}); err != nil {
		return err
	}
	select {
	case err := <-barrier:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush returns once every previously queued write is committed.
func (s *Store) Flush(ctx context.Context) error {
	return s.do(ctx, nil)
}
