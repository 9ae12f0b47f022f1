// Package rotate implements size-bounded log files for the kernel's
// diagnostic trail: the active file rolls over once it passes a size
// limit, rolled segments are optionally gzip-compressed, and only a
// fixed number of old segments is kept.
package rotate

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Options bounds a rotated file.
type Options struct {
	// Perm is the mode new segments are created with.
	Perm os.FileMode
	// MaxSize is the size in bytes past which the active file rolls;
	// zero or negative disables rolling.
	MaxSize int64
	// MaxHistory is how many rolled segments to keep; older ones are
	// deleted at roll time.
	MaxHistory uint
	// Compress gzips each segment as it is rolled.
	Compress bool
}

// File is an io.WriteCloser whose backing file rolls over at the
// configured size. Writes are line-oriented: the file only rolls at a
// write that ends in a newline, so a rolled segment never splits a log
// line.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size int64
	opts Options
}

// Open opens (creating or appending to) path as a rotated file.
func Open(path string, opts Options) (*File, error) {
	if opts.Perm == 0 {
		opts.Perm = 0660
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, opts.Perm)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, path: path, size: fi.Size(), opts: opts}, nil
}

func (r *File) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.opts.MaxSize > 0 && r.size+int64(len(b)) > r.opts.MaxSize &&
		len(b) > 0 && b[len(b)-1] == '\n' && r.size > 0 {
		if err := r.rollLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *File) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return os.ErrClosed
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// segName returns the n-th history segment's path; compressed segments
// carry a .gz suffix.
func (r *File) segName(n uint, compressed bool) string {
	if compressed {
		return fmt.Sprintf("%s.%d.gz", r.path, n)
	}
	return fmt.Sprintf("%s.%d", r.path, n)
}

// rollLocked closes the active file, shifts the history up by one slot
// (deleting whatever falls off the end), moves the active file into
// slot 1, and reopens a fresh active file. Caller holds r.mu.
func (r *File) rollLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	// Drop the segment that would shift past MaxHistory, then bump the
	// rest upward, newest-first slots keeping their relative order.
	for _, gz := range []bool{false, true} {
		os.Remove(r.segName(r.opts.MaxHistory, gz))
	}
	for n := r.opts.MaxHistory; n > 1; n-- {
		for _, gz := range []bool{false, true} {
			if _, err := os.Stat(r.segName(n-1, gz)); err == nil {
				os.Rename(r.segName(n-1, gz), r.segName(n, gz))
			}
		}
	}

	if r.opts.MaxHistory > 0 {
		if r.opts.Compress {
			if err := compressInto(r.path, r.segName(1, true), r.opts.Perm); err != nil {
				return err
			}
			os.Remove(r.path)
		} else if err := os.Rename(r.path, r.segName(1, false)); err != nil {
			return err
		}
	} else if err := os.Remove(r.path); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, r.opts.Perm)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

// compressInto gzips src into dst.
func compressInto(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
