package audit

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// logBucket holds the sequentially-keyed event records.
// bbolt already mmaps its backing file and grows/remaps it on write, which
// stands in for the m68k kernel's manual MST_$UNMAP/MST_$MAPS_RET buffer-wrap
// dance.
var logBucket = []byte("events")

// log is the persisted append-only event log.
type log struct {
	db *bolt.DB

	// seq and dirty mirror the m68k kernel's write_ptr/bytes_remaining/dirty
	// bookkeeping at the level bbolt exposes: a monotonic record sequence
	// and a "has an unflushed write" bit the server task consults.
	seq   uint64
	dirty bool

	path string
}

// openLog opens (creating if absent) the bbolt-backed log file and seeds
// the record sequence from the bucket's current high-water mark.
func openLog(path string) (*log, error) {
	db, err := bolt.Open(path, 0600, openOptions())
	if err != nil {
		return nil, err
	}
	l := &log{db: db, path: path}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(logBucket)
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			l.seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// append writes one already-encoded event record. Each call is its own bbolt transaction, which is bbolt's unit
// of durability; the m68k kernel's explicit "flush when bytes_remaining <
// record_size" wrap condition doesn't apply here because bbolt grows its
// mmap automatically, so every append is implicitly both "write" and
// "room made for the next write".
func (l *log) append(rec []byte) error {
	l.seq++
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, l.seq)
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		return b.Put(key, rec)
	})
	if err != nil {
		l.seq--
		return err
	}
	l.dirty = true
	return nil
}

// flush is the server task's periodic FILE_$FW_FILE equivalent. bbolt
// fsyncs on every committed Update by default, so this just clears the
// bookkeeping bit — documented rather than left as a silent no-op.
func (l *log) flush() {
	l.dirty = false
}

// records returns every stored record in sequence order, used by test
// assertions.
func (l *log) records() ([][]byte, error) {
	var out [][]byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

// length reports the number of stored records, used to assert that
// selectively dropped events never landed.
func (l *log) length() (int, error) {
	recs, err := l.records()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (l *log) close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *log) String() string {
	return fmt.Sprintf("audit.log{%s}", l.path)
}
