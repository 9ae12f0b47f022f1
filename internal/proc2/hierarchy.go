package proc2

import "github.com/domainos/kernel/internal/status"

// attachChild splices child onto parent's first_child list at the head
// and mirrors the pgroup-leader count if the two are in the same
// session but different pgroups. Caller
// holds t.mu.
func (t *Table) attachChild(parent, child Index) {
	p := &t.entries[parent]
	c := &t.entries[child]
	c.Parent = parent
	c.NextSibling = p.FirstChild
	p.FirstChild = child

	if c.SessionID == p.SessionID && c.PgroupIdx != p.PgroupIdx {
		t.incrLeaderCount(c.PgroupIdx)
	}
}

// detachFromParent splices child out of its parent's sibling chain
// given the preceding sibling (NoIndex if child is the head). If child
// is a zombie it also runs pgroup_cleanup(mode=1) and returns the slot
// to the free list; otherwise it marks the child an orphan. parent==0
// at entry is an internal invariant violation. Caller holds t.mu.
func (t *Table) detachFromParent(child, prevSibling Index) {
	c := &t.entries[child]
	if c.Parent == NoIndex {
		status.CrashSystem(status.AlreadyOrphan, "detach_from_parent: parent already nil")
	}

	if c.Lifecycle == Zombie {
		// Zombies were spliced off the live sibling chain at Exit and
		// live on the zombie list; their leader-count contribution was
		// dropped there too, so only the refcount remains.
		c.Parent = NoIndex
		t.pgroupCleanup(child, 1)
		t.unlinkZombie(child)
		t.free(child)
		return
	}

	t.pgroupCleanup(child, 0)
	p := &t.entries[c.Parent]
	if prevSibling == NoIndex {
		p.FirstChild = c.NextSibling
	} else {
		t.entries[prevSibling].NextSibling = c.NextSibling
	}
	c.NextSibling = NoIndex
	c.Parent = NoIndex
	c.Flags |= FlagOrphan
}

// findSiblingPrev returns the sibling preceding child in parent's
// first_child chain, or NoIndex if child is the head (or not found).
func (t *Table) findSiblingPrev(parent, child Index) Index {
	prev := NoIndex
	for i := t.entries[parent].FirstChild; i != NoIndex; i = t.entries[i].NextSibling {
		if i == child {
			return prev
		}
		prev = i
	}
	return NoIndex
}

// MakeOrphan is the public "detach from parent" operation. Returns AlreadyOrphan if child has no parent.
func (t *Table) MakeOrphan(child Index) error {
	t.lock()
	defer t.unlock()
	c := &t.entries[child]
	if c.Parent == NoIndex {
		return status.New(status.AlreadyOrphan)
	}
	prev := t.findSiblingPrev(c.Parent, child)
	t.detachFromParent(child, prev)
	return nil
}

// DebugAttach sets debugger as child's debugger, unlinking from any
// prior debugger first, and always resets the target's ptrace options.
// writeFlag additionally issues an XPD write at cr_rec_2+0x90 in the
// m68k kernel; represented here as a call to Deps.XPD.Write with a
// fixed offset constant.
const ptraceOptsOffset = 0x90

func (t *Table) DebugAttach(target, debugger Index, writeFlag bool) error {
	t.lock()
	defer t.unlock()
	return t.debugSetup(target, debugger, writeFlag)
}

// DebugOverride differs from DebugAttach only in that it does not
// check whether target already has a debugger; both unlink any existing
// debugger unconditionally before installing the new one, so the two
// share one implementation.
func (t *Table) DebugOverride(target, debugger Index, writeFlag bool) error {
	t.lock()
	defer t.unlock()
	return t.debugSetup(target, debugger, writeFlag)
}

func (t *Table) debugSetup(target, debugger Index, writeFlag bool) error {
	e := &t.entries[target]
	if err := t.deps.ACL.CheckDebugRights(e.ASID, t.entries[debugger].ASID); err != nil {
		return status.New(status.NoRightToPerformOp)
	}
	if e.Debugger != NoIndex {
		t.unlinkDebugTarget(e.Debugger, target)
	}
	e.Debugger = debugger
	d := &t.entries[debugger]
	e.NextDebugTarget = d.FirstDebugTarget
	d.FirstDebugTarget = target

	if err := t.deps.XPD.ResetPtraceOpts(target.pidOf(t)); err != nil {
		return err
	}
	if writeFlag {
		if _, err := t.deps.XPD.Read(target.pidOf(t), e.CrRec2+ptraceOptsOffset); err != nil {
			return err
		}
		if err := t.deps.XPD.Write(target.pidOf(t), e.CrRec2+ptraceOptsOffset, 0); err != nil {
			return err
		}
	}
	return nil
}

// pidOf is a small convenience accessor used by the hierarchy/debug
// paths which talk to XPD in terms of scheduler PIDs, not table
// indices.
func (i Index) pidOf(t *Table) int16 {
	if i == NoIndex {
		return 0
	}
	return t.entries[i].PID
}

func (t *Table) unlinkDebugTarget(debugger, target Index) {
	d := &t.entries[debugger]
	prev := NoIndex
	for i := d.FirstDebugTarget; i != NoIndex; i = t.entries[i].NextDebugTarget {
		if i == target {
			if prev == NoIndex {
				d.FirstDebugTarget = t.entries[i].NextDebugTarget
			} else {
				t.entries[prev].NextDebugTarget = t.entries[i].NextDebugTarget
			}
			t.entries[i].NextDebugTarget = NoIndex
			return
		}
		prev = i
	}
}

// DebugClear reverses DebugAttach: unlink from the debugger list; if
// target is a zombie, wake its guardian (the parent/debugger waiting
// in Wait); otherwise, if writeFlag, clear debug state via XPD and
// resume the target's scheduler task.
func (t *Table) DebugClear(target Index, writeFlag bool) error {
	t.lock()
	defer t.unlock()
	e := &t.entries[target]
	if e.Debugger == NoIndex {
		return status.New(status.ProcNotDebugTarget)
	}
	debugger := e.Debugger
	t.unlinkDebugTarget(debugger, target)
	e.Debugger = NoIndex

	if e.Lifecycle == Zombie {
		e.CreationEC.Advance()
		return nil
	}
	if writeFlag {
		if err := t.deps.XPD.ResetPtraceOpts(e.PID); err != nil {
			return err
		}
		return t.deps.Proc1.Resume(e.PID)
	}
	return nil
}
