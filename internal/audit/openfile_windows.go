//go:build windows

package audit

import bolt "go.etcd.io/bbolt"

// openOptions is the Windows counterpart of openfile_unix.go's
// FADV_SEQUENTIAL hint: no x/sys/unix on this platform, so bbolt's
// default os.OpenFile-based opener is used unmodified.
func openOptions() *bolt.Options {
	return &bolt.Options{}
}
