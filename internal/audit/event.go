package audit

import (
	"encoding/binary"

	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
)

// eventHeaderSize is the fixed 70-byte record header: record_size(2) version(2) SID(36) event_flags(2)
// node_id(4) event_uid(8) status(4) timestamp(4) pad(2) pid(2)
// upid_high(2) upid_low(2).
const eventHeaderSize = 70

// maxEventData bounds the variable-length payload.
const maxEventData = 2048

// nodeID stands in for the m68k kernel's NODE_$ME; fixed at
// zero here since this core has no multi-node routing to report through.
const nodeID = 0

// eventRecord is the decoded form of an audit log entry.
type eventRecord struct {
	Version    uint16
	SID        [36]byte
	EventFlags uint16
	NodeID     uint32
	EventUID   uid.UID
	Status     uint32
	Timestamp  int64
	PID        int16
	UPIDHigh   int16
	UPIDLow    int16
	Data       []byte
}

func (r *eventRecord) encode() []byte {
	dataLen := len(r.Data)
	if dataLen > maxEventData {
		dataLen = maxEventData
	}
	size := eventHeaderSize + dataLen + 1 // +1 for the null terminator
	if size%2 != 0 {
		size++
	}
	buf := make([]byte, size)

	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	binary.BigEndian.PutUint16(buf[2:4], r.Version)
	copy(buf[4:40], r.SID[:])
	binary.BigEndian.PutUint16(buf[40:42], r.EventFlags)
	binary.BigEndian.PutUint32(buf[42:46], r.NodeID)
	binary.BigEndian.PutUint32(buf[46:50], r.EventUID.High)
	binary.BigEndian.PutUint32(buf[50:54], r.EventUID.Low)
	binary.BigEndian.PutUint32(buf[54:58], r.Status)
	binary.BigEndian.PutUint32(buf[58:62], uint32(r.Timestamp))
	// buf[62:64] is header padding, left zero.
	binary.BigEndian.PutUint16(buf[64:66], uint16(r.PID))
	binary.BigEndian.PutUint16(buf[66:68], uint16(r.UPIDHigh))
	binary.BigEndian.PutUint16(buf[68:70], uint16(r.UPIDLow))
	copy(buf[eventHeaderSize:], r.Data[:dataLen])
	// buf[eventHeaderSize+dataLen] is left zero as the null terminator.
	return buf
}

// decodeEvent parses a record previously produced by encode, used by
// test assertions and any future read-path tooling.
func decodeEvent(buf []byte) (*eventRecord, error) {
	if len(buf) < eventHeaderSize {
		return nil, status.New(status.EventListNotCurrentFormat)
	}
	r := &eventRecord{
		Version:    binary.BigEndian.Uint16(buf[2:4]),
		EventFlags: binary.BigEndian.Uint16(buf[40:42]),
		NodeID:     binary.BigEndian.Uint32(buf[42:46]),
		EventUID: uid.UID{
			High: binary.BigEndian.Uint32(buf[46:50]),
			Low:  binary.BigEndian.Uint32(buf[50:54]),
		},
		Status:    binary.BigEndian.Uint32(buf[54:58]),
		Timestamp: int64(binary.BigEndian.Uint32(buf[58:62])),
		PID:       int16(binary.BigEndian.Uint16(buf[64:66])),
		UPIDHigh:  int16(binary.BigEndian.Uint16(buf[66:68])),
		UPIDLow:   int16(binary.BigEndian.Uint16(buf[68:70])),
	}
	copy(r.SID[:], buf[4:40])
	recordSize := binary.BigEndian.Uint16(buf[0:2])
	if int(recordSize) > len(buf) {
		recordSize = uint16(len(buf))
	}
	if int(recordSize) > eventHeaderSize {
		end := int(recordSize)
		// trim the trailing null terminator the encoder always writes.
		for end > eventHeaderSize && buf[end-1] == 0 {
			end--
		}
		r.Data = append([]byte(nil), buf[eventHeaderSize:end]...)
	}
	return r, nil
}

// logEventS is AUDIT_$LOG_EVENT_S, the core path both the public
// LogEvent entry point and PROC2's signal-delivery hook reach. The
// record's process identity comes from Proc1.Current rather than a
// PROC2_$GET_MY_UPIDS call, since audit takes no direct dependency on
// proc2 (see internal/proc2's AuditLogger interface, the avoided import
// cycle).
//
// The encoded record is handed to s.queue rather than written inline:
// the caller is on PROC2's signal-delivery path and shouldn't block on
// disk I/O, so the actual bbolt append happens on the background writer
// started by Init (see writeRecord).
func (s *Subsystem) logEventS(eventUID uid.UID, eventFlags uint16, evtStatus uint32, data []byte) error {
	if !s.IsEnabled() {
		return nil
	}
	pid := s.deps.Proc1.Current()
	if s.isSuspended(pid) {
		return nil
	}

	s.bumpSuspend(pid)
	defer s.dropSuspend(pid)

	s.mu.Lock()
	corrupted := s.corrupted
	ready := s.log != nil
	s.mu.Unlock()
	if !ready {
		return nil
	}
	// Selective filtering applies only while the SELECTIVE flag is set and
	// the subsystem isn't corrupted; a missing or empty list means
	// selective auditing is off and everything is logged. The
	// list's own lock is taken after s.mu is dropped, keeping the audit
	// exclusion a leaf lock.
	if !corrupted && s.list.Flags()&FlagSelective != 0 && !s.list.Contains(eventUID) {
		return nil
	}

	var sid [36]byte
	rec := &eventRecord{
		Version:    1,
		SID:        sid,
		EventFlags: eventFlags,
		NodeID:     nodeID,
		EventUID:   eventUID,
		Status:     evtStatus,
		Timestamp:  s.deps.Time.Clock(),
		PID:        pid,
	}

	s.queue.In <- rec.encode()
	return nil
}

// writeRecord drains one buffered record onto the bbolt-backed log,
// reopening it on a failed write and crashing the system if that also
// fails. Run
// only from the single background writer goroutine Init starts, so no
// concurrent writer ever races it.
func (s *Subsystem) writeRecord(buf []byte) {
	s.mu.Lock()
	l := s.log
	s.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.append(buf); err != nil {
		if reopenErr := s.reopenLog(); reopenErr != nil {
			status.CrashSystem(status.NotEnabled, "audit: log write and reopen both failed")
		}
	}
}

func (s *Subsystem) isSuspended(pid int16) bool {
	s.suspendMu.Lock()
	defer s.suspendMu.Unlock()
	return s.suspend[pid] != 0
}

func (s *Subsystem) bumpSuspend(pid int16) {
	s.suspendMu.Lock()
	s.suspend[pid]++
	s.suspendMu.Unlock()
}

func (s *Subsystem) dropSuspend(pid int16) {
	s.suspendMu.Lock()
	s.suspend[pid]--
	s.suspendMu.Unlock()
}

// Suspend increments the current process's suspension counter
// (AUDIT_$SUSPEND).
func (s *Subsystem) Suspend() {
	s.bumpSuspend(s.deps.Proc1.Current())
}

// Resume decrements it (AUDIT_$RESUME).
func (s *Subsystem) Resume() {
	s.dropSuspend(s.deps.Proc1.Current())
}

// IsProcessAudited reports whether the current process's suspension
// counter is zero (AUDIT_$IS_PROCESS_AUDITED).
func (s *Subsystem) IsProcessAudited() bool {
	return !s.isSuspended(s.deps.Proc1.Current())
}

// InheritAudit copies the current process's suspension counter to a
// freshly created child. proc2.Fork calls
// this via the same narrow surface LogEvent exposes, keeping PROC2 free
// of a concrete audit import.
func (s *Subsystem) InheritAudit(parentPID, childPID int16) {
	s.suspendMu.Lock()
	s.suspend[childPID] = s.suspend[parentPID]
	s.suspendMu.Unlock()
}

// IsEnabled reports whether auditing is currently on.
func (s *Subsystem) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}
