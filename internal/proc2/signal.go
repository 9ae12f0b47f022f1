package proc2

import (
	"encoding/binary"

	"github.com/domainos/kernel/internal/sigset"
	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
)

// The m68k kernel's DELIVER_SIGNAL_INTERNAL reads sig_mask_2 both as
// "the user signal-action table" and as the live pending-signal word
// depending on call site — an artifact of one field layout being shared
// across routines, not a meaningful distinction. This rewrite keeps
// Entry.Pending as the canonical pending word; Entry.Mask2 carries only
// the action table, and the distinct sig_blocked_1 mask lives in
// Entry.Blocked1.

// deliverInternalLocked is PROC2_$DELIVER_SIGNAL_INTERNAL, the eight
// steps of the per-process delivery decision. Caller holds t.mu.
func (t *Table) deliverInternalLocked(proc Index, sig int, param int32) error {
	e := &t.entries[proc]

	// 1. Suspended + {SIGKILL, SIGCONT(22), SIGCONT-from-wait} wakes.
	if e.Flags&FlagSuspended != 0 &&
		(sig == sigset.SIGKILL || sig == sigset.SIGCONT || sig == sigset.SIGCONTFromWait) {
		e.Flags &^= FlagSuspended
		_ = t.deps.Proc1.Resume(e.PID)
	}

	// 2. Fault-mode forcing signals divert into the fault-pending slot.
	// Only SIGKILL and SIGCONT-from-wait force this diversion.
	if e.Flags&FlagFaultMode != 0 &&
		(sig == sigset.SIGKILL || (sig == sigset.SIGCONTFromWait && param == sigset.SigContFromWaitParam)) {
		e.FaultSignal = sig
		e.FaultFlag = true
		e.Flags &^= FlagFaultMode
		_ = t.deps.Proc1.Resume(e.PID)
		return nil
	}

	// 3. SIGCONT(22) clears the stop-class pending bits, keeping the
	// rest queued.
	if sig == sigset.SIGCONT {
		e.Pending = e.Pending.Intersect(sigset.Stoppable)
	}

	// 4. A blocked_1 signal is only noted (SIGHUP in the flag word),
	// never queued, unless a debugger is watching the process.
	if e.Blocked1.Test(sig) {
		if sig == sigset.SIGHUP {
			e.Flags |= FlagSighupPending
		}
		if e.Debugger == NoIndex {
			return nil
		}
	}

	// 5. A stop-class signal clears the stopped mark; a suspended
	// process ignores it outright. The unconditional clear is flagged
	// TODO in the m68k kernel itself — preserved, not resolved.
	if !sigset.Stoppable.Test(sig) {
		e.Flags &^= FlagStopped // TODO: unconditional clear, under-documented upstream
		if e.Flags&FlagSuspended != 0 {
			return nil
		}
	}

	// 6. An already-pending or blocked_2 signal goes straight to the
	// delivery check; anything outside the no-pending class is dropped.
	if !e.Pending.Test(sig) && !e.Blocked.Test(sig) {
		if !sigset.NoPending.Test(sig) {
			return nil
		}
	}

	// 7. SIGCONT(19, from-wait): a second sig-19 with an ordinary param
	// while one is already pending is a conflicting fault.
	if sig == sigset.SIGCONTFromWait {
		if e.Pending.Test(sigset.SIGCONTFromWait) && param != sigset.SigContFromWaitParam {
			return status.New(status.AnotherFaultPending)
		}
		e.FaultParam = param
	}

	// 8. Mark pending and, unless suspended, hand off for delivery.
	e.Pending = e.Pending.Set(sig)
	if e.Flags&FlagSuspended == 0 {
		t.deliverPendingLocked(proc)
	}
	return nil
}

// DeliverSignal is the public entry point for delivering a signal to a
// single process.
func (t *Table) DeliverSignal(proc Index, sig int, param int32) error {
	t.lock()
	defer t.unlock()
	return t.deliverInternalLocked(proc, sig, param)
}

// getNextPendingLocked picks the next deliverable signal: prefer
// SIGCONT-from-wait if armed, else the lowest unblocked pending bit,
// masked to Stoppable while the process is borrowing the parent's ASID
// (vfork).
func (t *Table) getNextPendingLocked(proc Index) int {
	e := &t.entries[proc]
	if e.Pending.Test(sigset.SIGCONTFromWait) && e.FaultParam == sigset.SigContFromWaitParam {
		return sigset.SIGCONTFromWait
	}
	live := e.Pending.Difference(e.Blocked)
	if e.Flags&FlagAltASID != 0 {
		live = live.Intersect(sigset.Stoppable)
	}
	return live.LowestSignal()
}

// deliverPendingLocked hands the next pending signal to FIM for
// fault-style delivery. Caller holds t.mu.
func (t *Table) deliverPendingLocked(proc Index) {
	e := &t.entries[proc]
	sig := t.getNextPendingLocked(proc)
	if sig == 0 {
		return
	}

	deliverable := t.deps.FIM == nil || !t.deps.FIM.QuitInhibit(e.ASID)
	if sig == sigset.SIGKILL && e.Debugger != NoIndex {
		deliverable = true
	}
	if sig == sigset.SIGCONTFromWait {
		deliverable = true
	}
	if !deliverable {
		return
	}

	if t.deps.FIM == nil {
		return
	}
	if sig == sigset.SIGCONTFromWait {
		t.deps.FIM.SetTraceStatus(e.ASID, e.FaultParam)
	} else {
		t.deps.FIM.SetTraceStatus(e.ASID, 0)
	}
	t.deps.FIM.SetQuitInhibit(e.ASID, true)
	// DeliverTraceFault advances the per-ASID quit EC itself, after its
	// own state mutation.
	_ = t.deps.FIM.DeliverTraceFault(e.ASID)
}

// signalPgroupEventType is the AUDIT event-type code posted when a
// whole pgroup is signalled.
const signalPgroupEventType = 2

// auditEventUID names the event-type object an audit record is filed
// (and selectively filtered) under; the high word is PROC2's module
// number, the low word the event type.
func auditEventUID(eventType uint32) uid.UID {
	return uid.UID{High: 0x19, Low: eventType}
}

// SignalToPgroup is PROC2_$SIGNAL_PGROUP: deliver sig to
// every live member of pgroup pg, honoring ACL checks unless override is
// set. Returns PermissionDenied on partial ACL failure, Zombie if every
// member was a zombie, UIDNotFound if pg has no members at all.
func (t *Table) SignalToPgroup(pg Index, sig int, param int32, override bool) error {
	t.lock()
	defer t.unlock()

	members, live, delivered, denied := 0, 0, 0, false
	for i := t.allocHead; i != NoIndex; i = t.entries[i].NextAlloc {
		e := &t.entries[i]
		if e.PgroupIdx != pg {
			continue
		}
		members++
		live++
		if !override {
			if rights, err := t.deps.ACL.Rights(e.UID); err != nil || rights < 1 {
				denied = true
				continue
			}
		}
		t.deliverInternalLocked(Index(i), sig, param)
		delivered++
	}
	for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].PgroupIdx == pg {
			members++
		}
	}

	switch {
	case members == 0:
		return status.New(status.UIDNotFound)
	case live == 0:
		return status.New(status.Zombie)
	case denied && delivered < live:
		return status.New(status.PermissionDenied)
	}

	if t.deps.AuditLogger != nil {
		var data [8]byte
		binary.BigEndian.PutUint32(data[0:4], uint32(t.pgroups[pg].UPGID))
		binary.BigEndian.PutUint32(data[4:8], uint32(sig))
		_ = t.deps.AuditLogger.LogEvent(signalPgroupEventType, auditEventUID(signalPgroupEventType), data[:])
	}
	return nil
}

// Sigsetmask is the sigsetmask syscall core: atomically swaps
// Blocked, delivering any newly-unblocked pending signal, and returns
// the previous mask plus the alt-handler-armed flag.
func (t *Table) Sigsetmask(proc Index, newMask sigset.Set) (old sigset.Set, altArmed bool) {
	t.lock()
	defer t.unlock()
	e := &t.entries[proc]
	old = e.Blocked
	altArmed = e.Flags&FlagAltHandlerArmed != 0
	e.Blocked = newMask
	if e.Pending.Difference(e.Blocked) != 0 {
		t.deliverPendingLocked(proc)
	}
	return old, altArmed
}

// Sigpause is the sigpause syscall core: installs a temporary mask,
// releases the lock, waits on FIM's quit EC, then checks for
// newly-deliverable signals and delivers them before returning.
func (t *Table) Sigpause(proc Index, mask sigset.Set, cancel <-chan struct{}) {
	t.lock()
	e := &t.entries[proc]
	e.AltMask = e.Blocked
	e.Blocked = mask
	e.Flags |= FlagAltHandlerArmed
	asid := e.ASID
	t.unlock()

	if t.deps.FIM != nil {
		if qec := t.deps.FIM.QuitEC(asid); qec != nil {
			qec.Wait(qec.Read()+1, cancel)
		}
	}

	t.lock()
	defer t.unlock()
	t.deliverPendingLocked(proc)
}

// statusHandledBit is bit 7 of the fault status word's high byte: "a
// signal has already been delivered into this frame".
const statusHandledBit = int32(-1 << 31)

// FIMDelivery is the out-parameter block of the Deliver-FIM hand-off
//: the signal being delivered, the updated fault status,
// the user entry point, the mask to restore when the handler returns,
// and the ONSTACK flag.
type FIMDelivery struct {
	Sig     int
	Status  int32
	Handler uintptr
	Mask    sigset.Set
	OnStack bool
}

// DeliverFIM is the hand-off FIM runs on the way back to user mode
// with a signal. Returns (delivery, true)
// when a signal is being handed to user mode and the caller must build
// a delivery frame; (delivery, false) when there is nothing to deliver
// and the caller just advances delivery state.
func (t *Table) DeliverFIM(proc Index, faultStatus int32) (FIMDelivery, bool) {
	t.lock()
	defer t.unlock()
	e := &t.entries[proc]
	d := FIMDelivery{Status: faultStatus}

	if faultStatus&statusHandledBit != 0 {
		// An earlier pass already delivered into this frame: absorb
		// bypassed signals in place, keeping SIGSTOP's stored status,
		// and leave the handled bit set.
		for {
			sig := t.getNextPendingLocked(proc)
			if sig == 0 || !sigset.BypassMask.Test(sig) {
				break
			}
			e.Pending = e.Pending.Clear(sig)
			if sig != sigset.SIGSTOP {
				d.Status = 0
			}
			d.Status |= statusHandledBit
		}
		return d, false
	}

	sig := t.getNextPendingLocked(proc)
	if sig == 0 {
		return d, false
	}
	_ = t.deps.XPD.CaptureFault(e.PID)
	e.Pending = e.Pending.Clear(sig)
	e.Blocked = e.Blocked.Set(sig)
	d.Sig = sig
	d.Status = faultStatus | statusHandledBit
	d.OnStack = e.Flags&FlagOnstack != 0
	if e.Blocked1.Test(sig) && !d.OnStack {
		d.Handler = e.HandlerAddr
	} else {
		d.Handler = e.AltHandler
	}
	if e.Flags&FlagAltHandlerArmed != 0 {
		d.Mask = e.AltMask
		e.Flags &^= FlagAltHandlerArmed
	} else {
		d.Mask = e.Mask2
	}
	return d, true
}

// SigMaskUpdate is the (clear, set) pair SetSigMask applies across the
// signal fields, plus the two flag bits it may touch.
type SigMaskUpdate struct {
	Clear sigset.Set
	Set   sigset.Set

	ClearFlags Flags // restricted to FlagOnstack|FlagAltHandlerArmed
	SetFlags   Flags
}

// SetSigMask applies upd to every signal field of proc, moves the
// process to newPriority, detaches live children whose priority is
// above the new one, and frees unreaped zombie children sitting at the
// matching priority.
func (t *Table) SetSigMask(proc Index, upd SigMaskUpdate, newPriority int16) {
	t.lock()
	defer t.unlock()
	e := &t.entries[proc]

	apply := func(s sigset.Set) sigset.Set { return s.Difference(upd.Clear).Union(upd.Set) }
	e.Pending = apply(e.Pending)
	e.Blocked = apply(e.Blocked)
	e.Blocked1 = apply(e.Blocked1)
	e.Mask1 = apply(e.Mask1)
	e.Mask2 = apply(e.Mask2)
	e.Mask3 = apply(e.Mask3)
	e.AltMask = apply(e.AltMask)

	flagMask := FlagOnstack | FlagAltHandlerArmed
	e.Flags &^= upd.ClearFlags & flagMask
	e.Flags |= upd.SetFlags & flagMask

	if newPriority != e.Priority {
		_ = t.deps.Proc1.SetPriority(e.PID, 1, nil, nil)
	}
	oldPriority := e.Priority
	e.Priority = newPriority

	if newPriority < oldPriority {
		var above []Index
		for i := e.FirstChild; i != NoIndex; i = t.entries[i].NextSibling {
			if t.entries[i].Priority > newPriority {
				above = append(above, i)
			}
		}
		for _, c := range above {
			prev := t.findSiblingPrev(proc, c)
			t.detachFromParent(c, prev)
		}
	}

	var deadKids []Index
	for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].Parent == proc && t.entries[i].Priority == newPriority {
			deadKids = append(deadKids, i)
		}
	}
	for _, z := range deadKids {
		t.detachFromParent(z, NoIndex)
	}
}

// Sigreturn is the sigreturn syscall core: reload the blocked mask
// and ONSTACK flag from a caller-supplied sigcontext snapshot, deliver
// any newly-unblocked pending signals, then call FIM's DeliverTraceFault
// and return. There is no RTE-style register restore: control always
// comes back to the Go caller.
func (t *Table) Sigreturn(proc Index, blocked sigset.Set, onstack bool) {
	t.lock()
	e := &t.entries[proc]
	e.Blocked = blocked
	if onstack {
		e.Flags |= FlagOnstack
	} else {
		e.Flags &^= FlagOnstack
	}
	if e.Pending.Difference(e.Blocked) != 0 {
		t.deliverPendingLocked(proc)
	}
	asid := e.ASID
	t.unlock()

	if t.deps.FIM != nil {
		_ = t.deps.FIM.DeliverTraceFault(asid)
	}
}
