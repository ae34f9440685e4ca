package types

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a FileRecord.
type State string

const (
	StatePending     State = "pending"      // Facts recorded, nothing hashed
	StateQuickHashed State = "quick_hashed" // Quick hash committed, group not yet classified
	StateSHAPending  State = "sha_pending"  // Needs a full hash
	StateDone        State = "done"         // Terminal: unique by quick hash or fully hashed
	StateError       State = "error"        // Terminal until the next resume
)

// States lists every known state in pipeline order.
var States = []State{StatePending, StateQuickHashed, StateSHAPending, StateDone, StateError}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateQuickHashed, StateSHAPending, StateDone, StateError:
		return true
	}
	return false
}

// Terminal reports whether no further stage will pick the record up in this run.
func (s State) Terminal() bool { return s == StateDone || s == StateError }

// FileRecord is the persisted fact-plus-state row for one absolute path.
type FileRecord struct {
	Path           string    // Absolute path, unique key
	Dir            string    // Parent directory
	Name           string    // Base name
	Ext            string    // Lowercased extension including the dot
	Size           int64     // Size in bytes
	ModTime        time.Time // Modification time (UTC)
	CreateTime     time.Time // Creation time (UTC)
	Owner          string    // Owning user name
	Flags          string    // Attribute flags
	MimeHint       string    // Best-effort MIME type
	QuickHash      string    // Algorithm-prefixed sample hash
	PrimaryHash    string    // Algorithm-prefixed full hash
	CompatHash     string    // Algorithm-prefixed compatibility hash
	PDFBornDigital *bool     // Owned by the PDF probe, never written here
	State          State     // Lifecycle state
	ErrorCode      ErrorCode // Set only in StateError
	ErrorMsg       string    // Set only in StateError
	Attempts       int       // Attempts spent on the last failing operation
	HashedSize     int64     // Size at the last hash commit
	HashedModTime  int64     // Mtime (Unix ns) at the last hash commit
	LastSeenAt     time.Time // Updated on every touch
	ScanRunID      string    // Run that last touched the record
	Dev            uint64    // Device ID, 0 when unknown
	Ino            uint64    // Inode number, 0 when unknown
}

// NewFileRecord builds a pending record from freshly observed facts.
func NewFileRecord(fi *FileInfo, runID string, now time.Time) *FileRecord {
	return &FileRecord{
		Path:       fi.Path,
		Dir:        filepath.Dir(fi.Path),
		Name:       filepath.Base(fi.Path),
		Ext:        strings.ToLower(filepath.Ext(fi.Path)),
		Size:       fi.Size,
		ModTime:    fi.ModTime.UTC(),
		CreateTime: fi.CreateTime.UTC(),
		Owner:      fi.Owner,
		Flags:      fi.Flags,
		State:      StatePending,
		LastSeenAt: now.UTC(),
		ScanRunID:  runID,
		Dev:        fi.Dev,
		Ino:        fi.Ino,
	}
}

// Matches is the change guard: it reports whether the record's size and
// modification time equal the observed facts.
func (r *FileRecord) Matches(fi *FileInfo) bool {
	return r.Size == fi.Size && r.ModTime.UnixNano() == fi.ModTime.UnixNano()
}

// HasFullHash reports whether any full hash is present.
func (r *FileRecord) HasFullHash() bool { return r.PrimaryHash != "" || r.CompatHash != "" }

// ScanRun identifies one execution. Immutable after creation.
type ScanRun struct {
	ID        string
	StartedAt time.Time
	Roots     []string
	Host      string
	User      string
}

// NewScanRun creates a run with a time-ordered UUIDv7 identifier.
func NewScanRun(roots []string) (*ScanRun, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate scan run id: %w", err)
	}
	host, _ := os.Hostname()
	var name string
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return &ScanRun{
		ID:        id.String(),
		StartedAt: time.Now().UTC(),
		Roots:     roots,
		Host:      host,
		User:      name,
	}, nil
}
