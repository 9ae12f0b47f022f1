package proc2

import (
	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/status"
)

// WaitOptions mirrors the options bitmask Wait understands.
type WaitOptions struct {
	WUNTRACED bool
	WNOHANG   bool
}

// WaitResult is the out-parameter block filled by Wait/ReapChild.
type WaitResult struct {
	UPID       int32
	UID        [2]uint32
	Status     int32
	Rusage     [5]uint32
	Accounting [14]uint32
	FlagsHigh  bool // "sign bit of flags"
	FlagsBit14 bool
}

// selectorMatches implements the wait selector encoding: -1 any child,
// 1..30000 a specific UPID (the 65..30000 bound on the caller-supplied
// value is carried over from the m68k kernel as-is, unexplained there
// too), 0 children in the caller's pgroup, <0 children in |selector|'s
// pgroup.
func selectorMatches(selector int32, caller, child *Entry) (bool, error) {
	switch {
	case selector == -1:
		return true, nil
	case selector > 0:
		if selector < 65 || selector > 30000 {
			return false, status.New(status.UIDNotFound)
		}
		return child.UPID == selector, nil
	case selector == 0:
		return child.PgroupIdx == caller.PgroupIdx, nil
	default:
		return false, nil // matched against |selector|'s pgroup by the caller, who resolves the Index first
	}
}

// Wait is PROC2_$WAIT: it loops collecting a stopped,
// zombie, or (per WNOHANG) immediately-return result for a child
// matching selector. cancel lets a caller abandon the EC_WAITN wait
// (e.g. process teardown); it is never consulted by the m68k kernel, which
// has no such primitive, but Go's cooperative scheduling needs an exit
// hatch a raw EC_WAITN loop in C does not.
func (t *Table) Wait(caller Index, selector int32, opts WaitOptions, cancel <-chan struct{}) (WaitResult, error) {
	for {
		t.lock()
		c := &t.entries[caller]
		if c.FirstChild == NoIndex && !t.hasZombieChild(caller) {
			t.unlock()
			return WaitResult{}, status.New(status.WaitFoundNoChildren)
		}
		// A selector below -1 names a pgroup by UPGID; resolve its slot.
		selPg := NoIndex
		if selector < -1 {
			selPg = t.findByUpgid(-selector)
		}

		matchedAny := false
		prev := NoIndex
		for i := c.FirstChild; i != NoIndex; i = t.entries[i].NextSibling {
			ok, err := selectorMatches(selector, c, &t.entries[i])
			if err != nil {
				t.unlock()
				return WaitResult{}, err
			}
			if selector < -1 {
				ok = selPg != NoIndex && t.entries[i].PgroupIdx == selPg
			}
			if ok {
				matchedAny = true
				// Only children at the caller's priority are collected
				// here; others still count as matched
				// so the caller blocks instead of seeing no-children.
				if t.entries[i].Priority == c.Priority {
					if res, done := t.tryLiveChild(caller, i, prev, opts); done {
						t.unlock()
						return res, nil
					}
				}
			}
			prev = i
		}
		for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
			z := &t.entries[i]
			if z.Parent != caller {
				continue
			}
			ok, err := selectorMatches(selector, c, z)
			if err != nil {
				t.unlock()
				return WaitResult{}, err
			}
			if selector < -1 {
				ok = selPg != NoIndex && z.PgroupIdx == selPg
			}
			if ok {
				matchedAny = true
				if res, done := t.tryZombie(i, opts); done {
					t.unlock()
					return res, nil
				}
			}
		}

		if !matchedAny {
			t.unlock()
			return WaitResult{}, status.New(status.WaitFoundNoChildren)
		}
		if opts.WNOHANG {
			t.unlock()
			return WaitResult{UPID: 0}, nil
		}

		creationEC := c.CreationEC
		var quitEC ECHandle
		if t.deps.FIM != nil {
			quitEC = t.deps.FIM.QuitEC(c.ASID)
		}
		t.unlock()

		if quitEC != nil {
			woken := waitEither(creationEC, quitEC, cancel)
			if woken == wokenSecondary {
				return WaitResult{}, status.New(status.AsyncFaultWhileWaiting)
			}
		} else {
			creationEC.Wait(creationEC.Read()+1, cancel)
		}
	}
}

func (t *Table) hasZombieChild(caller Index) bool {
	for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].Parent == caller {
			return true
		}
	}
	return false
}

type wokenWhich int

const (
	wokenPrimary wokenWhich = iota
	wokenSecondary
)

// waitEither blocks until either ec fires past its next value or quit
// fires past its next value, returning which.
func waitEither(primary *ec.Counter, secondary ECHandle, cancel <-chan struct{}) wokenWhich {
	done := make(chan wokenWhich, 2)
	go func() { primary.Wait(primary.Read()+1, cancel); done <- wokenPrimary }()
	go func() { secondary.Wait(secondary.Read()+1, cancel); done <- wokenSecondary }()
	return <-done
}

// tryLiveChild examines one live child: stopped
// and not-yet-reported children satisfying WUNTRACED report a stop
// status; children with a foreign-session debugger are skipped;
// zombies found here are reaped inline.
func (t *Table) tryLiveChild(caller, child, prevSibling Index, opts WaitOptions) (WaitResult, bool) {
	c := &t.entries[child]
	if c.Flags&FlagStopped != 0 && c.Flags&FlagStopReported == 0 && opts.WUNTRACED {
		c.Flags |= FlagStopReported
		sig := c.FaultSignal
		return WaitResult{UPID: c.UPID, Status: int32(sig)<<8 | 0x7F}, true
	}
	if c.Debugger != NoIndex {
		debugger := &t.entries[c.Debugger]
		if debugger.SessionID != t.entries[caller].SessionID {
			return WaitResult{}, false
		}
	}
	if c.Lifecycle == Zombie {
		return t.reapChildLocked(caller, child, prevSibling), true
	}
	return WaitResult{}, false
}

// tryZombie examines one zombie-list entry.
func (t *Table) tryZombie(zombie Index, opts WaitOptions) (WaitResult, bool) {
	z := &t.entries[zombie]
	if z.Flags&FlagTraced != 0 {
		return t.reapChildLocked(z.Parent, zombie, t.findSiblingPrevZombie(zombie)), true
	}
	if z.Debugger != NoIndex {
		t.unlinkDebugTarget(z.Debugger, zombie)
		z.Debugger = NoIndex
	}
	res := WaitResult{
		UPID:       z.UPID,
		Status:     z.ExitInfo.Status,
		Rusage:     z.ExitInfo.Rusage,
		Accounting: z.ExitInfo.Accounting,
	}
	t.unlinkZombie(zombie)
	t.pgroupCleanup(zombie, 1)
	t.free(zombie)
	return res, true
}

func (t *Table) findSiblingPrevZombie(zombie Index) Index {
	// Zombies are unlinked from the parent's live sibling chain at the
	// moment they're pushed onto the zombie list (see Exit), so no
	// sibling-chain search is needed here; present for readability at
	// the call site above.
	return NoIndex
}

// reapChildLocked copies a dead child's exit state into the result
// block and recycles its slot. Caller holds t.mu.
func (t *Table) reapChildLocked(parent, child, prevSibling Index) WaitResult {
	c := &t.entries[child]
	if c.Debugger != NoIndex {
		t.unlinkDebugTarget(c.Debugger, child)
		c.Debugger = NoIndex
	}

	res := WaitResult{
		UPID:       c.UPID,
		UID:        [2]uint32{c.UID.High, c.UID.Low},
		Status:     c.ExitInfo.Status,
		Rusage:     c.ExitInfo.Rusage,
		Accounting: c.ExitInfo.Accounting,
		FlagsHigh:  c.Flags&FlagOrphan != 0,
		FlagsBit14: c.Flags&FlagTraced != 0,
	}

	if c.Lifecycle == Zombie {
		t.unlinkZombie(child)
		t.pgroupCleanup(child, 1)
		t.free(child)
	} else {
		t.detachFromParent(child, prevSibling)
	}
	return res
}

// Exit is the process-exit half of the wait/exit pair: orphans any
// surviving children, frees unreaped zombie children, marks the caller
// a zombie, stashes its exit status, moves it to the zombie list, and wakes
// any waiter via the parent's creation EC.
func (t *Table) Exit(proc Index, exitStatus int32) {
	t.lock()
	defer t.unlock()
	e := &t.entries[proc]
	// The reaped status word packs the exit code into the high byte,
	// matching the WUNTRACED stop-status encoding above (exit code 7
	// reaps as status 0x00000700).
	e.ExitInfo.Status = exitStatus << 8
	if t.deps.Acct != nil {
		if words, err := t.deps.Acct.Rusage(); err == nil {
			e.ExitInfo.Rusage = words
		}
	}

	// Live children become orphans. Dropping the parent link also drops
	// this process's outside-the-group parent contribution to each
	// child's pgroup leader count, which is what ultimately fires the
	// orphaned-pgroup SIGHUP+SIGCONT rule.
	for i := e.FirstChild; i != NoIndex; {
		next := t.entries[i].NextSibling
		t.pgroupCleanup(i, 0)
		c := &t.entries[i]
		c.Parent = NoIndex
		c.NextSibling = NoIndex
		c.Flags |= FlagOrphan
		i = next
	}
	e.FirstChild = NoIndex

	// Zombie children nobody will ever wait for are freed outright.
	var deadKids []Index
	for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].Parent == proc {
			deadKids = append(deadKids, i)
		}
	}
	for _, z := range deadKids {
		t.entries[z].Parent = NoIndex
		t.pgroupCleanup(z, 1)
		t.unlinkZombie(z)
		t.free(z)
	}

	if e.Flags&FlagOrphan != 0 || e.Parent == NoIndex {
		e.Lifecycle = Zombie
		t.pgroupCleanup(proc, 1)
		t.free(proc)
		return
	}

	// Leader counts stop seeing this process the moment it turns zombie;
	// the pgroup refcount is held until the parent reaps.
	t.pgroupCleanup(proc, 0)
	prev := t.findSiblingPrev(e.Parent, proc)
	if prev == NoIndex {
		t.entries[e.Parent].FirstChild = e.NextSibling
	} else {
		t.entries[prev].NextSibling = e.NextSibling
	}
	e.NextSibling = NoIndex
	t.pushZombie(proc)

	parent := &t.entries[e.Parent]
	parent.CreationEC.Advance()
}
