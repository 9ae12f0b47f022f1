package auditqueue

import "os"

// fileCounter wraps a spill file with a running count of bytes written
// but not yet read back, so Queue.Size can report the on-disk backlog
// without stat'ing the files on every call.
type fileCounter struct {
	*os.File
	pending int
}

// NewFileCounter seeds the count from the file's current size, so a
// spill file left over from a prior run reports its backlog.
func NewFileCounter(f *os.File) (*fileCounter, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &fileCounter{File: f, pending: int(fi.Size())}, nil
}

func (f *fileCounter) Write(b []byte) (int, error) {
	n, err := f.File.Write(b)
	f.pending += n
	return n, err
}

func (f *fileCounter) Read(b []byte) (int, error) {
	n, err := f.File.Read(b)
	f.pending -= n
	return n, err
}

// Count reports the byte backlog; a nil counter (spill disabled) is
// empty.
func (f *fileCounter) Count() int {
	if f == nil {
		return 0
	}
	return f.pending
}
