package audit

import (
	"encoding/binary"

	"github.com/gofrs/flock"
	"github.com/google/renameio"

	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
)

// WriteList authors an audit_list file in the format load() reads. It is the one exported
// write path into the file cmd/auditlistctl edits, used instead of
// letting the control tool poke at list internals directly.
//
// The write is atomic (github.com/google/renameio: write to a temp file
// in the same directory, fsync, rename over the target) so a reader
// never observes a half-written header or entry array — the m68k kernel's
// implicit assumption that the list file is never observed mid-write,
// made explicit here.
func WriteList(path string, listUID uid.UID, timeoutUnits uint16, entries []uid.UID, flags Flags) error {
	if len(entries) > MaxListEntries {
		return status.New(status.ExcessiveEventTypes)
	}

	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if err := writeListHeader(t, listUID, timeoutUnits, uint16(len(entries)), flags); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, u := range entries {
		binary.LittleEndian.PutUint32(buf[0:4], u.High)
		binary.LittleEndian.PutUint32(buf[4:8], u.Low)
		if _, err := t.Write(buf); err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}
