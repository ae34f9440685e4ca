// Package cursor persists the directory walk checkpoint using BoltDB.
//
// Two marks exist per directory: "files" (every file directly inside was
// handed to the catalog) and "tree" (the whole subtree is finished). A resumed
// walk skips tree-marked directories without descending and lists
// files-marked directories for subdirectories only.
//
// Marks are buffered in memory and persisted by Checkpoint, which flushes the
// catalog first. A persisted mark therefore never claims more than the
// catalog holds.
package cursor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "walk"

const keyVersion byte = 1 // Increment when key format changes

type markKind byte

const (
	markFiles markKind = 'f'
	markTree  markKind = 't'
)

// Cursor is the walk checkpoint of one catalog.
type Cursor struct {
	db      *bolt.DB
	enabled bool

	mu      sync.Mutex
	pending [][]byte // Marks not yet persisted
}

// Open opens or creates the checkpoint database at path.
// BoltDB's file lock prevents two writers on the same checkpoint.
// Returns a disabled cursor if path is empty.
func Open(path string) (*Cursor, error) {
	if path == "" {
		return &Cursor{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor (locked by another instance?): %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cursor{db: db, enabled: true}, nil
}

// Close closes the database. Unpersisted marks are dropped.
func (c *Cursor) Close() error {
	if !c.enabled {
		return nil
	}
	return c.db.Close()
}

// makeKey builds the byte key: ver(1) + kind(1) + dir.
func makeKey(kind markKind, dir string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteByte(byte(kind))
	buf.WriteString(dir)
	return buf.Bytes()
}

func (c *Cursor) has(kind markKind, dir string) bool {
	if !c.enabled {
		return false
	}
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(bucketName)).Get(makeKey(kind, dir)) != nil
		return nil
	})
	return found
}

// FilesDone reports whether dir's own files were recorded by an earlier walk.
func (c *Cursor) FilesDone(dir string) bool { return c.has(markFiles, dir) }

// TreeDone reports whether dir's whole subtree was finished by an earlier walk.
func (c *Cursor) TreeDone(dir string) bool { return c.has(markTree, dir) }

func (c *Cursor) mark(kind markKind, dir string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, makeKey(kind, dir))
	c.mu.Unlock()
}

// MarkFiles buffers the "files recorded" mark for dir.
func (c *Cursor) MarkFiles(dir string) { c.mark(markFiles, dir) }

// MarkTree buffers the "subtree finished" mark for dir.
func (c *Cursor) MarkTree(dir string) { c.mark(markTree, dir) }

// Checkpoint persists every mark buffered so far. flush must make all
// catalog writes queued before the call durable; it runs after the marks
// are taken and before they are written.
func (c *Cursor) Checkpoint(flush func() error) error {
	if !c.enabled {
		return flush()
	}
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err := flush(); err != nil {
		c.requeue(batch)
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for _, k := range batch {
			if err := b.Put(k, []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.requeue(batch)
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func (c *Cursor) requeue(batch [][]byte) {
	c.mu.Lock()
	c.pending = append(batch, c.pending...)
	c.mu.Unlock()
}

// Reset forgets every mark, persisted or buffered.
func (c *Cursor) Reset() error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	return c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) != nil {
			if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

// Len returns the number of persisted marks.
func (c *Cursor) Len() int {
	if !c.enabled {
		return 0
	}
	var n int
	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n
}
