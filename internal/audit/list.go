package audit

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
	"github.com/gofrs/flock"
)

// listHeaderSize is the fixed byte-order header audit_list starts with
//: list UID (8), flush timeout in 4-second
// units (2), version (2), entry count (2), flags (2) = 16 bytes. The
// source's byte order isn't specified for a reimplementation target; the
// rewrite picks little-endian and documents it here.
const listHeaderSize = 16

// list is the selective-audit filter: a 37-bucket UID hash table plus
// the header fields that gate its use.
type list struct {
	mu      sync.RWMutex
	buckets [HashBuckets][]uid.UID

	listUID uid.UID
	timeout uint16 // 4-second units
	flags   Flags
	count   int
}

func newList() *list {
	return &list{}
}

// Flags reports the header flags loaded with the current list.
func (l *list) Flags() Flags {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flags
}

// Timeout reports the flush-timeout field, in 4-second units, falling
// back to DefaultTimeoutUnits when unset.
func (l *list) Timeout() uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.timeout == 0 {
		return DefaultTimeoutUnits
	}
	return l.timeout
}

// Count reports the number of UIDs currently loaded.
func (l *list) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Contains reports whether u is present in the selective filter.
func (l *list) Contains(u uid.UID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bucket := l.buckets[u.Hash()%HashBuckets]
	for _, v := range bucket {
		if v == u {
			return true
		}
	}
	return false
}

// clear resets every bucket and count, mirroring
// audit_$clear_hash_table.
func (l *list) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	l.count = 0
	l.listUID = uid.NIL
	l.timeout = 0
	l.flags = 0
}

// load parses path and installs its contents as the current selective
// list. A missing file
// disables selective auditing without error, matching the m68k kernel's
// "missing file ⇒ selective auditing off".
func (l *list) load(path string) error {
	fl := flock.New(path)
	locked, err := fl.TryRLock()
	if err != nil {
		return err
	}
	if !locked {
		// A writer holds the lock; wait for it with a blocking read
		// lock, as the m68k kernel's FILE_$LOCK blocks.
		if err := fl.RLock(); err != nil {
			return err
		}
	}
	defer fl.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		l.clear()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, listHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			l.clear()
			return nil
		}
		return err
	}

	var h struct {
		listUID    uid.UID
		timeout    uint16
		version    uint16
		entryCount uint16
		flags      Flags
	}
	h.listUID = uid.UID{
		High: binary.LittleEndian.Uint32(header[0:4]),
		Low:  binary.LittleEndian.Uint32(header[4:8]),
	}
	h.timeout = binary.LittleEndian.Uint16(header[8:10])
	h.version = binary.LittleEndian.Uint16(header[10:12])
	h.entryCount = binary.LittleEndian.Uint16(header[12:14])
	h.flags = Flags(binary.LittleEndian.Uint16(header[14:16]))

	if h.version > ListVersionMax {
		return status.New(status.EventListNotCurrentFormat)
	}
	if h.entryCount > MaxListEntries {
		return status.New(status.ExcessiveEventTypes)
	}

	entries := make([]uid.UID, h.entryCount)
	buf := make([]byte, 8)
	for i := range entries {
		if _, err := io.ReadFull(f, buf); err != nil {
			return err
		}
		entries[i] = uid.UID{
			High: binary.LittleEndian.Uint32(buf[0:4]),
			Low:  binary.LittleEndian.Uint32(buf[4:8]),
		}
	}

	l.mu.Lock()
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	l.listUID = h.listUID
	l.timeout = h.timeout
	l.flags = h.flags
	l.count = int(h.entryCount)
	for _, u := range entries {
		b := u.Hash() % HashBuckets
		l.buckets[b] = append(l.buckets[b], u)
	}
	l.mu.Unlock()

	return nil
}

// writeListHeader is the write-side twin of load's header parse, used
// by WriteList to author a new audit_list file in the format load
// reads.
func writeListHeader(w io.Writer, listUID uid.UID, timeoutUnits uint16, entryCount uint16, flags Flags) error {
	header := make([]byte, listHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], listUID.High)
	binary.LittleEndian.PutUint32(header[4:8], listUID.Low)
	binary.LittleEndian.PutUint16(header[8:10], timeoutUnits)
	binary.LittleEndian.PutUint16(header[10:12], 1)
	binary.LittleEndian.PutUint16(header[12:14], entryCount)
	binary.LittleEndian.PutUint16(header[14:16], uint16(flags))
	_, err := w.Write(header)
	return err
}
