package hashing

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/ivoronin/dupecat/internal/types"
)

// File is an open file the hash stages read from.
type File interface {
	io.ReaderAt
	Stat() (fs.FileInfo, error)
	Close() error
}

// OpenFunc opens a file for reading.
type OpenFunc func(path string) (File, error)

// OpenFile opens path read-only, using extended-length addressing where needed.
func OpenFile(path string) (File, error) {
	f, err := os.Open(types.LongPath(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Limiter throttles reads. *scheduler.Throttle implements it.
type Limiter interface {
	WaitN(ctx context.Context, n int) error
}

// Range is a byte range [Off, Off+Len).
type Range struct {
	Off, Len int64
}

// SampleRanges splits a sample of total bytes into head and tail halves.
// Files no larger than total are covered by a single range.
func SampleRanges(size, total int64) []Range {
	if size <= total {
		return []Range{{0, size}}
	}
	head := total / 2
	tail := total - head
	return []Range{{0, head}, {size - tail, tail}}
}

// Reader reads byte ranges of one file whose facts must not change while
// it is open. Any divergence is reported as changed_during_read.
type Reader struct {
	f       File
	path    string
	size    int64
	mtimeNs int64
	limiter Limiter
	buf     []byte
	read    int64
}

// Open opens rec's file and checks that it still has rec's facts.
func Open(open OpenFunc, rec *types.FileRecord, limiter Limiter, bufSize int) (*Reader, error) {
	if open == nil {
		open = OpenFile
	}
	f, err := open(rec.Path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		f:       f,
		path:    rec.Path,
		size:    rec.Size,
		mtimeNs: rec.ModTime.UnixNano(),
		limiter: limiter,
		buf:     make([]byte, max(bufSize, 1)),
	}
	if err := r.Check(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Check compares the open file's size and mtime with the expected facts.
func (r *Reader) Check() error {
	info, err := r.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != r.size || info.ModTime().UnixNano() != r.mtimeNs {
		return types.NewError(types.CodeChangedDuringRead, r.path,
			fmt.Errorf("expected size %d mtime %d, found size %d mtime %d",
				r.size, r.mtimeNs, info.Size(), info.ModTime().UnixNano()))
	}
	return nil
}

// Copy writes rg's bytes to w one buffer at a time. Cancellation is checked
// between reads, so it takes effect within one buffer's I/O.
func (r *Reader) Copy(ctx context.Context, w io.Writer, rg Range) error {
	off, n := rg.Off, rg.Len
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := int(min(n, int64(len(r.buf))))
		if r.limiter != nil {
			if err := r.limiter.WaitN(ctx, chunk); err != nil {
				return err
			}
		}
		m, err := r.f.ReadAt(r.buf[:chunk], off)
		if m > 0 {
			_, _ = w.Write(r.buf[:m])
			r.read += int64(m)
		}
		if m < chunk {
			if err == nil || err == io.EOF {
				return types.NewError(types.CodeChangedDuringRead, r.path,
					fmt.Errorf("short read at offset %d", off+int64(m)))
			}
			return err
		}
		off += int64(m)
		n -= int64(m)
	}
	return nil
}

// BytesRead returns the number of bytes read so far.
func (r *Reader) BytesRead() int64 { return r.read }

// Close closes the file.
func (r *Reader) Close() error { return r.f.Close() }
