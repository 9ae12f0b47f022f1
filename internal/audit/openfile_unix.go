//go:build !windows

package audit

import (
	"os"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

// openOptions supplies the platform-specific bbolt open hook: on unix,
// advise the kernel the audit log is append-mostly and sequentially
// read by the rare recovery tool, standing in for the m68k kernel's
// FILE_$PRIV_LOCK/FILE_$SET_TYPE hints that this core doesn't
// respecify.
func openOptions() *bolt.Options {
	return &bolt.Options{
		OpenFile: openWithAdvise,
	}
}

// openWithAdvise opens path and issues a FADV_SEQUENTIAL hint via
// unix.Fadvise, falling back silently if the platform doesn't support it
// (e.g. inside a container with a restricted syscall filter).
func openWithAdvise(path string, flag int, mode os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, err
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return f, nil
}
