package proc2

import (
	"github.com/domainos/kernel/internal/sigset"
	"github.com/domainos/kernel/internal/status"
)

// findByUpgid linearly scans for a live pgroup slot. Caller holds t.mu.
func (t *Table) findByUpgid(upgid int32) Index {
	for i := 1; i <= PgroupSlots; i++ {
		g := &t.pgroups[i]
		if !g.isFree() && g.UPGID == upgid {
			return Index(i)
		}
	}
	return NoIndex
}

func (t *Table) allocPgroupSlot() Index {
	for i := 1; i <= PgroupSlots; i++ {
		if t.pgroups[i].isFree() {
			return Index(i)
		}
	}
	return NoIndex
}

// SetPgroup is PROC2_$SET_PGROUP: newUpgid == 0 clears the
// entry's pgroup (pgroup_cleanup mode 2); otherwise locates or allocates
// a slot, adjusts ref/leader counts, and mirrors the leader-count
// adjustment onto every same-session child.
func (t *Table) SetPgroup(entry Index, newUpgid int32) error {
	t.lock()
	defer t.unlock()
	return t.setPgroupLocked(entry, newUpgid)
}

// ChangePgroup is the permission-checked public entry point used when
// caller requests a pgroup change on behalf of target: allowed when caller and target share a session, or
// caller is target's parent and target is neither orphaned nor merely
// debugged-but-detached; a session leader can never change its own
// pgroup.
func (t *Table) ChangePgroup(caller, target Index, newUpgid int32) error {
	t.lock()
	defer t.unlock()

	c := &t.entries[caller]
	e := &t.entries[target]

	if e.Flags&FlagSessionLeader != 0 {
		return status.New(status.ProcessIsGroupLeader)
	}
	sameSession := c.SessionID == e.SessionID
	isParent := e.Parent == caller && e.Flags&FlagOrphan == 0
	if !sameSession && !isParent {
		return status.New(status.PermissionDenied)
	}
	if newUpgid != 0 {
		if existing := t.findByUpgid(newUpgid); existing != NoIndex && t.pgroups[existing].SessionID != e.SessionID {
			return status.New(status.PgroupInDifferentSession)
		}
	}
	return t.setPgroupLocked(target, newUpgid)
}

func (t *Table) setPgroupLocked(entry Index, newUpgid int32) error {
	e := &t.entries[entry]
	old := e.PgroupIdx

	if newUpgid == 0 {
		t.pgroupCleanup(entry, 2)
		e.PgroupIdx = NoIndex
		return nil
	}

	target := t.findByUpgid(newUpgid)
	if target == NoIndex {
		target = t.allocPgroupSlot()
		if target == NoIndex {
			status.CrashSystem(status.TableFull, "set_pgroup: pgroup table full")
		}
		t.pgroups[target] = Pgroup{UPGID: newUpgid, RefCount: 1, LeaderCount: 0, SessionID: e.SessionID}
	} else {
		g := &t.pgroups[target]
		if g.SessionID != e.SessionID {
			return status.New(status.PgroupInDifferentSession)
		}
		g.RefCount++
	}

	if old != NoIndex {
		t.pgroups[old].RefCount--
	}

	if e.Parent != NoIndex {
		p := &t.entries[e.Parent]
		if e.SessionID == p.SessionID {
			if old != NoIndex && old != p.PgroupIdx {
				t.decrLeaderCount(old)
			}
			if target != p.PgroupIdx {
				t.incrLeaderCount(target)
			}
		}
	}
	e.PgroupIdx = target

	for i := e.FirstChild; i != NoIndex; i = t.entries[i].NextSibling {
		c := &t.entries[i]
		if c.SessionID != e.SessionID {
			continue
		}
		if old != NoIndex && old != c.PgroupIdx {
			t.decrLeaderCount(old)
		}
		if target != c.PgroupIdx {
			t.incrLeaderCount(target)
		}
	}
	return nil
}

// pgroupCleanup mode 0 touches leader counts only, mode 1 decrements
// ref_count only, mode 2 does both. Caller
// holds t.mu.
func (t *Table) pgroupCleanup(entry Index, mode int) {
	e := &t.entries[entry]
	if e.PgroupIdx == NoIndex {
		return
	}
	if mode == 0 || mode == 2 {
		if e.Parent != NoIndex {
			p := &t.entries[e.Parent]
			if e.SessionID == p.SessionID && e.PgroupIdx != p.PgroupIdx {
				t.decrLeaderCount(e.PgroupIdx)
			}
		}
	}
	if mode == 1 || mode == 2 {
		t.pgroups[e.PgroupIdx].RefCount--
	}
}

// incrLeaderCount bumps a pgroup's leader_count, used when a process
// joins from a different same-session pgroup than its parent/child.
func (t *Table) incrLeaderCount(pg Index) {
	if pg == NoIndex {
		return
	}
	t.pgroups[pg].LeaderCount++
}

// decrLeaderCount decrements pg's leader_count; if it reaches zero and
// any live member of pg is a session leader, the pgroup is orphaned and
// receives SIGHUP then SIGCONT in that order. Caller holds t.mu.
func (t *Table) decrLeaderCount(pg Index) {
	if pg == NoIndex {
		return
	}
	g := &t.pgroups[pg]
	g.LeaderCount--
	if g.LeaderCount > 0 {
		return
	}
	hasLeader := false
	for i := t.allocHead; i != NoIndex; i = t.entries[i].NextAlloc {
		e := &t.entries[i]
		if e.PgroupIdx == pg && e.Flags&FlagSessionLeader != 0 {
			hasLeader = true
			break
		}
	}
	if !hasLeader {
		return
	}
	for i := t.allocHead; i != NoIndex; i = t.entries[i].NextAlloc {
		e := &t.entries[i]
		if e.PgroupIdx != pg {
			continue
		}
		t.deliverInternalLocked(Index(i), sigset.SIGHUP, 0)
		t.deliverInternalLocked(Index(i), sigset.SIGCONT, 0)
	}
}

// pushZombie moves entry onto the zombie list, distinct from the
// allocated list so "appears on the zombie list" is a type-level fact,
// not a flag check.
func (t *Table) pushZombie(idx Index) {
	e := &t.entries[idx]
	if e.PrevAlloc != NoIndex {
		t.entries[e.PrevAlloc].NextAlloc = e.NextAlloc
	} else if t.allocHead == idx {
		t.allocHead = e.NextAlloc
	}
	if e.NextAlloc != NoIndex {
		t.entries[e.NextAlloc].PrevAlloc = e.PrevAlloc
	}
	e.Lifecycle = Zombie
	e.NextAlloc = t.zombieHead
	e.PrevAlloc = NoIndex
	if t.zombieHead != NoIndex {
		t.entries[t.zombieHead].PrevAlloc = idx
	}
	t.zombieHead = idx
}

func (t *Table) unlinkZombie(idx Index) {
	e := &t.entries[idx]
	if e.PrevAlloc != NoIndex {
		t.entries[e.PrevAlloc].NextAlloc = e.NextAlloc
	} else if t.zombieHead == idx {
		t.zombieHead = e.NextAlloc
	}
	if e.NextAlloc != NoIndex {
		t.entries[e.NextAlloc].PrevAlloc = e.PrevAlloc
	}
	e.NextAlloc = NoIndex
	e.PrevAlloc = NoIndex
}
