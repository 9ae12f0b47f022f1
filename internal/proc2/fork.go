package proc2

import (
	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
)

// CreateParams describes a fresh process launched from a code
// descriptor rather than forked from a live parent.
type CreateParams struct {
	Parent    Index // NoIndex for the root/init process
	CrRec     uintptr
	EntryAddr uintptr
	StackSize int
	Session   int32
	Pgroup    Index
	TTYUid    uid.UID
}

// prelude runs the shared fork/create setup under the lock: pop a free
// slot, splice it onto the allocated list, clear debug links, and
// allocate (or, for vfork, borrow) an ASID. Caller holds t.mu. On any later failure the caller must
// unwind this in strict LIFO order.
func (t *Table) prelude(vforkFrom Index) (Index, error) {
	idx, err := t.alloc()
	if err != nil {
		return NoIndex, err
	}
	e := &t.entries[idx]
	e.Debugger = NoIndex
	e.FirstDebugTarget = NoIndex

	if vforkFrom != NoIndex {
		parent := &t.entries[vforkFrom]
		e.ASID = parent.ASID
		e.ASIDAlt = parent.ASIDAlt
		e.Flags |= FlagAltASID
	} else {
		asid, err := t.deps.MST.AllocASID()
		if err != nil {
			t.free(idx)
			return NoIndex, status.External(err)
		}
		e.ASID = asid
	}
	return idx, nil
}

// joinPgroup records membership in an inherited pgroup slot; SetPgroup
// handles the locate-or-allocate path for explicit changes, this is the
// fork/create shortcut where the slot is already known.
// Caller holds t.mu.
func (t *Table) joinPgroup(idx, pg Index) {
	t.entries[idx].PgroupIdx = pg
	if pg != NoIndex {
		t.pgroups[pg].RefCount++
	}
}

// unwindPrelude reverses prelude on a failure path, in strict LIFO
// order.
func (t *Table) unwindPrelude(idx Index, vfork bool) {
	e := &t.entries[idx]
	if !vfork {
		_ = t.deps.MST.FreeASID(e.ASID)
	}
	t.pgroupCleanup(idx, 2)
	t.free(idx)
}

// unwindBound reverses everything after a successful PROC1 bind, in
// strict LIFO order. Caller holds t.mu.
func (t *Table) unwindBound(idx Index, stack uintptr, vfork bool) {
	e := &t.entries[idx]
	if e.Parent != NoIndex {
		t.pgroupCleanup(idx, 0)
		prev := t.findSiblingPrev(e.Parent, idx)
		if prev == NoIndex {
			t.entries[e.Parent].FirstChild = e.NextSibling
		} else {
			t.entries[prev].NextSibling = e.NextSibling
		}
		e.NextSibling = NoIndex
		e.Parent = NoIndex
	}
	_ = t.deps.Proc1.Unbind(e.PID)
	t.deps.Proc1.FreeStack(stack)
	t.unwindPrelude(idx, vfork)
}

// Create is PROC2_$CREATE: maps the initial memory area,
// allocates a stack, binds a scheduler task, and wires sibling/child
// links, returning the new process's Index.
func (t *Table) Create(p CreateParams) (Index, error) {
	t.lock()
	defer t.unlock()

	idx, err := t.prelude(NoIndex)
	if err != nil {
		return NoIndex, err
	}
	e := &t.entries[idx]
	e.CrRec = p.CrRec
	e.SessionID = p.Session
	e.TTYUid = p.TTYUid
	t.joinPgroup(idx, p.Pgroup)

	if err := t.deps.MST.MapInitialArea(e.ASID); err != nil {
		t.unwindPrelude(idx, false)
		return NoIndex, status.External(err)
	}
	stack, err := t.deps.Proc1.AllocStack(p.StackSize)
	if err != nil {
		t.unwindPrelude(idx, false)
		return NoIndex, status.External(err)
	}
	pid, err := t.deps.Proc1.Bind(p.EntryAddr, uintptr(e.ASID), stack, 0)
	if err != nil {
		t.deps.Proc1.FreeStack(stack)
		t.unwindPrelude(idx, false)
		return NoIndex, status.External(err)
	}
	e.PID = pid
	t.byPID[pid] = idx
	e.Lifecycle = Bound

	if p.Parent != NoIndex {
		t.attachChild(p.Parent, idx)
		e.Priority = t.entries[p.Parent].Priority
	} else {
		min, max := 3, 14
		_ = t.deps.Proc1.SetPriority(pid, 0, &min, &max)
		e.Priority = int16(min)
	}
	_ = t.deps.Proc1.SetType(pid, 2)

	if err := t.deps.ACL.AllocASID(e.ASID); err != nil {
		t.unwindBound(idx, stack, false)
		return NoIndex, status.External(err)
	}
	if err := t.deps.Name.InitASID(e.ASID); err != nil {
		t.unwindBound(idx, stack, false)
		return NoIndex, status.External(err)
	}
	_ = t.deps.Proc1.Resume(pid)
	e.Lifecycle = Valid
	return idx, nil
}

// ForkParams carries the parent-derived inputs to Fork.
type ForkParams struct {
	Parent    Index
	StackSize int
	ForkFlags uint32
}

// Fork is PROC2_$FORK: clones the parent's code descriptor and
// signal masks and, for non-vfork, takes the parent's file fork-lock and
// forks its naming state. A non-vfork child gets a fresh ASID; the
// parent's address space is not copied into it. Fork then
// resumes the child and waits on the fork EC for it to either
// complete (vfork) or simply run (fork). Returns the child index.
func (t *Table) Fork(p ForkParams) (Index, error) {
	t.lock()

	vfork := p.ForkFlags == 0
	parent := &t.entries[p.Parent]

	idx, err := t.prelude(indexIf(vfork, p.Parent))
	if err != nil {
		t.unlock()
		return NoIndex, err
	}
	e := &t.entries[idx]
	e.CrRec = parent.CrRec
	e.SessionID = parent.SessionID
	e.TTYUid = parent.TTYUid
	t.joinPgroup(idx, parent.PgroupIdx)
	e.Pending = parent.Pending
	e.Blocked = parent.Blocked
	e.Blocked1 = parent.Blocked1
	e.Mask1 = parent.Mask1
	e.Mask2 = parent.Mask2
	e.Mask3 = parent.Mask3
	e.AltMask = parent.AltMask
	e.HandlerAddr = parent.HandlerAddr
	e.AltHandler = parent.AltHandler
	e.AuditSuspend = parent.AuditSuspend
	e.ParentUPID = parent.UPID
	e.Priority = parent.Priority

	stack, err := t.deps.Proc1.AllocStack(p.StackSize)
	if err != nil {
		t.unwindPrelude(idx, vfork)
		t.unlock()
		return NoIndex, status.External(err)
	}
	pid, err := t.deps.Proc1.Bind(parent.CrRec, uintptr(e.ASID), stack, p.ForkFlags)
	if err != nil {
		t.deps.Proc1.FreeStack(stack)
		t.unwindPrelude(idx, vfork)
		t.unlock()
		return NoIndex, status.External(err)
	}
	e.PID = pid
	t.byPID[pid] = idx
	e.Lifecycle = Bound
	t.attachChild(p.Parent, idx)

	if parent.Debugger != NoIndex && t.deps.XPD.InheritPtraceOptions(parent.PID, pid) {
		_ = t.debugSetup(idx, parent.Debugger, false)
	}
	if t.deps.AuditLogger != nil {
		t.deps.AuditLogger.InheritAudit(parent.PID, pid)
	}

	if !vfork {
		if err := t.deps.File.ForkLock(parent.PID, pid); err != nil {
			t.unwindBound(idx, stack, vfork)
			t.unlock()
			return NoIndex, status.External(err)
		}
		if err := t.deps.Name.Fork(parent.ASID, e.ASID); err != nil {
			t.unwindBound(idx, stack, vfork)
			t.unlock()
			return NoIndex, status.External(err)
		}
	}

	min, max := 3, 14
	_ = t.deps.Proc1.SetPriority(pid, 1, &min, &max)
	_ = t.deps.Proc1.SetType(pid, 2)
	forkEC := e.ForkEC
	_ = t.deps.Proc1.Resume(pid)
	if !vfork {
		// A non-vfork child runs independently and isn't modelled as a
		// separate goroutine here; it "completes" the instant it's
		// resumed, so the parent's EC_WAITN below doesn't block
		// waiting for a continuation this simulation never drives.
		forkEC.Advance()
	}
	t.unlock()

	forkEC.Wait(1, nil)

	t.lock()
	defer t.unlock()
	e = &t.entries[idx]
	if vfork && e.Flags&FlagAltASID != 0 {
		// Child never completed its half of the vfork; its slot would
		// otherwise stay Bound forever, so unwind it here where the
		// source hands back a NULL fork EC.
		t.unwindBound(idx, stack, vfork)
		return NoIndex, status.New(status.ProcessWasntVforked)
	}
	return idx, nil
}

func indexIf(cond bool, idx Index) Index {
	if cond {
		return idx
	}
	return NoIndex
}

// CompleteVfork is PROC2_$COMPLETE_VFORK, called by the child: swaps the
// child onto its borrowed ASID slot, repaints the address space, and
// advances the fork EC to wake the parent. Called by the child. On
// failure the swap is rolled back and the parent is woken anyway, so
// its Fork return path sees the still-set ALT_ASID flag and reclaims
// the slot.
func (t *Table) CompleteVfork(child Index) error {
	t.lock()
	e := &t.entries[child]
	if e.Flags&FlagAltASID == 0 {
		t.unlock()
		return status.New(status.ProcessWasntVforked)
	}
	e.ASID, e.ASIDAlt = e.ASIDAlt, e.ASID
	e.Flags &^= FlagAltASID
	forkEC := e.ForkEC

	if err := t.deps.Name.InitASID(e.ASID); err != nil {
		e.ASID, e.ASIDAlt = e.ASIDAlt, e.ASID
		e.Flags |= FlagAltASID
		t.unlock()
		forkEC.Advance()
		return status.External(err)
	}
	e.TTYUid = uid.NIL // the repainted address space starts with no controlling tty
	asid := e.ASID
	t.unlock()

	if err := t.deps.MST.MapInitialArea(asid); err != nil {
		t.lock()
		e = &t.entries[child]
		e.ASID, e.ASIDAlt = e.ASIDAlt, e.ASID
		e.Flags |= FlagAltASID
		t.unlock()
		forkEC.Advance()
		return status.External(err)
	}
	forkEC.Advance()
	return nil
}
