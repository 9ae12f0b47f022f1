package proc2

import (
	"sync"
	"testing"
	"time"

	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/kernelapi/sim"
	"github.com/domainos/kernel/internal/sigset"
	"github.com/domainos/kernel/internal/status"
	"github.com/stretchr/testify/require"
)

// fakeFIM is a minimal FIMHandoff stand-in, local to this package's test
// scope, giving tests direct control over quit-EC advancement without
// pulling in the real fim.Manager (which itself imports proc2).
type fakeFIM struct {
	mu          sync.Mutex
	quitInhibit [kernelapiMaxASID]bool
	delivered   []int16
	qec         [kernelapiMaxASID]*ec.Counter
}

const kernelapiMaxASID = 65

func newFakeFIM() *fakeFIM {
	f := &fakeFIM{}
	for i := range f.qec {
		f.qec[i] = ec.New()
	}
	return f
}

func (f *fakeFIM) QuitInhibit(asid int16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quitInhibit[asid]
}

func (f *fakeFIM) SetQuitInhibit(asid int16, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quitInhibit[asid] = v
}

func (f *fakeFIM) SetTraceStatus(asid int16, status int32) {}

func (f *fakeFIM) DeliverTraceFault(asid int16) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, asid)
	f.mu.Unlock()
	f.qec[asid].Advance()
	return nil
}

func (f *fakeFIM) QuitEC(asid int16) ECHandle {
	return f.qec[asid]
}

var _ FIMHandoff = (*fakeFIM)(nil)

func newTestDeps() Deps {
	return Deps{
		Proc1: sim.NewProc1(),
		MST:   sim.NewMST(),
		ACL:   sim.NewACL(),
		Name:  sim.NewName(),
		File:  sim.NewFile(),
		Time:  sim.NewTime(),
		XPD:   sim.NewXPD(),
	}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return New(newTestDeps())
}

func createRoot(t *testing.T, tbl *Table) Index {
	t.Helper()
	idx, err := tbl.Create(CreateParams{Parent: NoIndex, StackSize: 4096})
	require.NoError(t, err)
	return idx
}

func createChild(t *testing.T, tbl *Table, parent Index) Index {
	t.Helper()
	idx, err := tbl.Create(CreateParams{Parent: parent, StackSize: 4096})
	require.NoError(t, err)
	return idx
}

// 1. Table bijection: every slot is in exactly one of the free/allocated
// lists, and allocating then freeing a slot returns it to circulation
// with a fresh UID.
func TestTableBijection(t *testing.T) {
	tbl := newTestTable(t)

	seen := make(map[Index]bool)
	for i := tbl.freeHead; i != NoIndex; i = tbl.entries[i].NextFree {
		require.False(t, seen[i], "slot %d listed twice on the free list", i)
		seen[i] = true
	}
	require.Equal(t, NumSlots, len(seen))

	idx := createRoot(t, tbl)
	require.NotContains(t, freeListMembers(tbl), idx)
	require.Contains(t, allocListMembers(tbl), idx)

	firstUID := tbl.entries[idx].UID
	tbl.Exit(idx, 0) // a root entry already has Parent == NoIndex, so Exit frees it directly
	require.Contains(t, freeListMembers(tbl), idx)
	require.NotContains(t, allocListMembers(tbl), idx)

	idx2 := createRoot(t, tbl)
	require.Equal(t, idx, idx2, "the freed slot should be recycled by the next alloc")
	require.NotEqual(t, firstUID, tbl.entries[idx2].UID, "a recycled slot must mint a fresh UID")
}

func freeListMembers(tbl *Table) map[Index]bool {
	m := make(map[Index]bool)
	for i := tbl.freeHead; i != NoIndex; i = tbl.entries[i].NextFree {
		m[i] = true
	}
	return m
}

func allocListMembers(tbl *Table) map[Index]bool {
	m := make(map[Index]bool)
	for i := tbl.allocHead; i != NoIndex; i = tbl.entries[i].NextAlloc {
		m[i] = true
	}
	return m
}

// 2. Graph consistency: a child appears exactly once in its parent's
// sibling chain, and is gone from it after being detached.
func TestGraphConsistency(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)
	c1 := createChild(t, tbl, parent)
	c2 := createChild(t, tbl, parent)

	count := func(target Index) int {
		n := 0
		for i := tbl.entries[parent].FirstChild; i != NoIndex; i = tbl.entries[i].NextSibling {
			if i == target {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, count(c1))
	require.Equal(t, 1, count(c2))
	require.Equal(t, parent, tbl.entries[c1].Parent)
	require.Equal(t, parent, tbl.entries[c2].Parent)

	require.NoError(t, tbl.MakeOrphan(c1))
	require.Equal(t, 0, count(c1))
	require.Equal(t, 1, count(c2))
	require.Equal(t, NoIndex, tbl.entries[c1].Parent)
	require.True(t, tbl.entries[c1].Flags&FlagOrphan != 0)
}

// 3. Pgroup refcounts: ref_count tracks the number of live members.
func TestPgroupRefcounts(t *testing.T) {
	tbl := newTestTable(t)
	a := createRoot(t, tbl)
	b := createRoot(t, tbl)

	require.NoError(t, tbl.SetPgroup(a, 100))
	require.NoError(t, tbl.SetPgroup(b, 100))

	pg := tbl.entries[a].PgroupIdx
	require.Equal(t, pg, tbl.entries[b].PgroupIdx)
	require.EqualValues(t, 2, tbl.pgroups[pg].RefCount)

	tbl.MakeOrphan(a)
	tbl.Exit(a, 0)
	require.EqualValues(t, 1, tbl.pgroups[pg].RefCount)
}

// 4. Signal idempotence: sigsetmask(m) called twice leaves the mask at
// m and returns m as the "old" mask the second time.
func TestSignalIdempotence(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	m := sigset.Bit(sigset.SIGHUP)
	_, _ = tbl.Sigsetmask(idx, m)
	old, _ := tbl.Sigsetmask(idx, m)
	require.Equal(t, m, old)
	require.Equal(t, m, tbl.entries[idx].Blocked)
}

// 5. Fork semantics: a forked (non-vfork) child holds equal signal masks
// and pending sets to its parent, and the parent can look the child's
// UID/UPID back up via the public accessors.
func TestForkSemantics(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)

	tbl.lock()
	tbl.entries[parent].Pending = sigset.Bit(sigset.SIGHUP)
	tbl.entries[parent].Blocked = sigset.Bit(3)
	tbl.unlock()

	child, err := tbl.Fork(ForkParams{Parent: parent, StackSize: 4096, ForkFlags: 1})
	require.NoError(t, err)

	require.Equal(t, tbl.entries[parent].Pending, tbl.entries[child].Pending)
	require.Equal(t, tbl.entries[parent].Blocked, tbl.entries[child].Blocked)

	childUID := tbl.entries[child].UID
	childUPID := tbl.entries[child].UPID

	tbl.lock()
	gotByUID := tbl.findByUID(childUID)
	tbl.unlock()
	require.Equal(t, child, gotByUID)

	info, err := tbl.Info(childUPID)
	require.NoError(t, err)
	require.Equal(t, childUID, info.UID)
}

// 6. Orphan -> SIGHUP+SIGCONT: when a pgroup's leader count drops to
// zero while a session leader is present, every live member observes
// SIGHUP queued pending; the trailing SIGCONT clears only the
// stop-class bits, so SIGHUP survives it.
func TestOrphanSignalsHUPThenCONT(t *testing.T) {
	tbl := newTestTable(t)
	leader := createRoot(t, tbl)
	tbl.lock()
	tbl.entries[leader].Flags |= FlagSessionLeader
	tbl.entries[leader].SessionID = 1
	tbl.unlock()

	member := createRoot(t, tbl)
	tbl.lock()
	tbl.entries[member].SessionID = 1
	tbl.unlock()

	require.NoError(t, tbl.SetPgroup(leader, 50))
	require.NoError(t, tbl.SetPgroup(member, 50))
	pg := tbl.entries[leader].PgroupIdx

	// Drive leader_count to zero directly, as decr_leader_count's own
	// caller (set_pgroup / pgroup_cleanup) would when the last outside
	// process leaves the session.
	tbl.lock()
	tbl.pgroups[pg].LeaderCount = 1
	tbl.decrLeaderCount(pg)
	tbl.unlock()

	hup := sigset.Bit(sigset.SIGHUP)
	for _, m := range []Index{leader, member} {
		require.True(t, tbl.entries[m].Pending&hup != 0, "slot %d missing pending SIGHUP", m)
	}
}

// SIGCONT(22) clears only the stop-class pending bits; everything else
// (SIGHUP included) stays queued, and SIGCONT itself is never queued.
func TestSigcontClearsOnlyStopClassPending(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	const sigtstp = 20 // a stop-class signal, outside the Stoppable mask

	tbl.lock()
	tbl.deliverInternalLocked(idx, sigset.SIGHUP, 0)
	tbl.entries[idx].Pending = tbl.entries[idx].Pending.Set(sigtstp)
	tbl.deliverInternalLocked(idx, sigset.SIGCONT, 0)
	pending := tbl.entries[idx].Pending
	tbl.unlock()

	require.True(t, pending.Test(sigset.SIGHUP), "SIGCONT must not clear non-stop pending signals")
	require.False(t, pending.Test(sigtstp), "SIGCONT clears the stop-class pending bits")
	require.False(t, pending.Test(sigset.SIGCONT), "SIGCONT itself is an action, not a queued signal")
}

// A blocked_1 signal is only noted, never queued; SIGHUP leaves its
// mark in the flag word.
func TestBlocked1SignalIsOnlyNoted(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	tbl.lock()
	tbl.entries[idx].Blocked1 = sigset.Bit(sigset.SIGHUP)
	tbl.deliverInternalLocked(idx, sigset.SIGHUP, 0)
	pending := tbl.entries[idx].Pending
	flags := tbl.entries[idx].Flags
	tbl.unlock()

	require.False(t, pending.Test(sigset.SIGHUP), "a blocked_1 signal must not be queued")
	require.True(t, flags&FlagSighupPending != 0, "a blocked_1 SIGHUP is noted in the flag word")
}

// An ordinary unblocked signal is queued and handed to FIM in the same
// call, and delivering it again while still pending re-runs the
// delivery check rather than being dropped.
func TestUnblockedSignalReachesFIMImmediately(t *testing.T) {
	f := newFakeFIM()
	deps := newTestDeps()
	deps.FIM = f
	tbl := New(deps)
	idx := createRoot(t, tbl)

	require.NoError(t, tbl.DeliverSignal(idx, 5, 0))
	require.True(t, tbl.entries[idx].Pending.Test(5))

	f.mu.Lock()
	first := len(f.delivered)
	f.mu.Unlock()
	require.NotZero(t, first, "an unblocked signal must be handed to FIM at once")

	// Re-deliver while still pending: the already-pending path goes
	// straight back to the delivery check.
	f.SetQuitInhibit(tbl.entries[idx].ASID, false)
	require.NoError(t, tbl.DeliverSignal(idx, 5, 0))
	f.mu.Lock()
	second := len(f.delivered)
	f.mu.Unlock()
	require.Greater(t, second, first, "an already-pending signal is re-handed to FIM")
}

// 7. Zombie reap round-trip: a child exiting with code c is observed by
// wait(-1) with status (c<<8), and its slot returns to the free list.
func TestZombieReapRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)
	child := createChild(t, tbl, parent)

	tbl.Exit(child, 7)

	res, err := tbl.Wait(parent, -1, WaitOptions{}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0x00000700, res.Status)
	require.Contains(t, freeListMembers(tbl), child)
}

// 10. Lock invariant: a panic raised while PROC2_LOCK is held (a
// CrashSystem invariant violation) still releases the lock on unwind,
// so the table remains usable afterward.
func TestLockReleasedOnPanic(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected detach_from_parent to crash on a nil parent")
			if c, ok := r.(status.Crash); ok {
				require.Equal(t, status.AlreadyOrphan, c.Code)
			}
		}()
		tbl.lock()
		defer tbl.unlock()
		tbl.detachFromParent(idx, NoIndex) // idx has no parent: crashes
	}()

	// The deferred unlock above must have run despite the panic; this
	// would hang forever if it hadn't.
	done := make(chan struct{})
	go func() {
		_, _ = tbl.Info(99999)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("table is still locked after a recovered panic")
	}
}

// End-to-end scenario: fork (vfork form) then wait. The child calls
// CompleteVfork, exits with code 7, and the parent's wait(-1) observes
// exactly the expected reaped status.
func TestScenarioForkVforkThenWait(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)

	type forkResult struct {
		idx Index
		err error
	}
	resultCh := make(chan forkResult, 1)
	go func() {
		idx, err := tbl.Fork(ForkParams{Parent: parent, StackSize: 4096, ForkFlags: 0})
		resultCh <- forkResult{idx, err}
	}()

	// Fork (vfork form) blocks until CompleteVfork is called on the new
	// child; the child is already spliced onto the parent's FirstChild
	// list before that block begins, so poll there to discover its
	// Index instead of waiting on Fork's own (blocked) return value.
	var child Index
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tbl.lock()
		child = tbl.entries[parent].FirstChild
		tbl.unlock()
		if child != NoIndex {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEqual(t, NoIndex, child, "vforked child never appeared on the parent's child list")

	require.NoError(t, tbl.CompleteVfork(child))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, child, res.idx)
	case <-time.After(2 * time.Second):
		t.Fatal("Fork never returned after CompleteVfork")
	}

	childUPID := tbl.entries[child].UPID
	tbl.Exit(child, 7)

	res, err := tbl.Wait(parent, -1, WaitOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, childUPID, res.UPID)
	require.EqualValues(t, 0x00000700, res.Status)
	require.Contains(t, freeListMembers(tbl), child)
}

// End-to-end scenario: sigpause with a concurrent sender. The sender's
// deliver_pending advances the per-ASID quit EC Sigpause is blocked on;
// sigpause returns having observed the deliverable (unblocked) signal.
func TestScenarioSigpauseConcurrentSignal(t *testing.T) {
	f := newFakeFIM()
	deps := newTestDeps()
	deps.FIM = f
	tbl := New(deps)
	idx := createRoot(t, tbl)

	const sigusr1 = 11
	done := make(chan struct{})
	go func() {
		tbl.Sigpause(idx, 0, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let Sigpause install its mask and block

	tbl.lock()
	tbl.entries[idx].Pending = tbl.entries[idx].Pending.Set(sigusr1)
	tbl.deliverPendingLocked(idx) // the concurrent sender's half of delivery
	tbl.unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sigpause never returned after the sender's deliver_pending")
	}

	tbl.lock()
	live := tbl.entries[idx].Pending.Difference(tbl.entries[idx].Blocked)
	tbl.unlock()
	require.True(t, live.Test(sigusr1))
}

// End-to-end scenario: zombie orphan. A child detached with ORPHAN set
// never lands on any parent's zombie list; its slot is freed directly
// by Exit's orphan branch.
func TestScenarioZombieOrphanFreedDirectly(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)
	child := createChild(t, tbl, parent)

	require.NoError(t, tbl.MakeOrphan(child))
	require.True(t, tbl.entries[child].Flags&FlagOrphan != 0)

	tbl.Exit(child, 3)

	require.Contains(t, freeListMembers(tbl), child)
	for i := tbl.zombieHead; i != NoIndex; i = tbl.entries[i].NextAlloc {
		require.NotEqual(t, child, i, "orphaned child must never reach a zombie list")
	}
}

// End-to-end scenario: the last same-session process outside a pgroup
// exits, the group's leader count hits zero with a session leader still
// present, and every member observes the orphaned-pgroup signals. Also
// checks Exit's child handling: the surviving child is orphaned, not
// left pointing at a recycled parent slot.
func TestExitOrphansChildrenAndSignalsOrphanedPgroup(t *testing.T) {
	tbl := newTestTable(t)

	outside := createRoot(t, tbl)
	leader := createRoot(t, tbl)
	member := createChild(t, tbl, outside)
	tbl.lock()
	tbl.entries[outside].SessionID = 1
	tbl.entries[leader].SessionID = 1
	tbl.entries[leader].Flags |= FlagSessionLeader
	tbl.entries[member].SessionID = 1
	tbl.unlock()

	require.NoError(t, tbl.SetPgroup(outside, 60))
	require.NoError(t, tbl.SetPgroup(leader, 50))
	require.NoError(t, tbl.SetPgroup(member, 50))

	pg := tbl.entries[leader].PgroupIdx
	require.EqualValues(t, 1, tbl.pgroups[pg].LeaderCount,
		"the outside parent of a member should be the group's only leader-count contribution")

	tbl.Exit(outside, 0)

	require.Equal(t, NoIndex, tbl.entries[member].Parent)
	require.True(t, tbl.entries[member].Flags&FlagOrphan != 0)
	require.EqualValues(t, 0, tbl.pgroups[pg].LeaderCount)

	hup := sigset.Bit(sigset.SIGHUP)
	for _, m := range []Index{leader, member} {
		require.True(t, tbl.entries[m].Pending&hup != 0, "slot %d missing pending SIGHUP", m)
	}
}

// A forked child joining its parent's pgroup counts toward that
// pgroup's refcount for exactly as long as it lives.
func TestForkInheritsPgroupRefcount(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)
	require.NoError(t, tbl.SetPgroup(parent, 77))
	pg := tbl.entries[parent].PgroupIdx
	require.EqualValues(t, 1, tbl.pgroups[pg].RefCount)

	child, err := tbl.Fork(ForkParams{Parent: parent, StackSize: 4096, ForkFlags: 1})
	require.NoError(t, err)
	require.Equal(t, pg, tbl.entries[child].PgroupIdx)
	require.EqualValues(t, 2, tbl.pgroups[pg].RefCount)

	tbl.Exit(child, 0)
	_, err = tbl.Wait(parent, -1, WaitOptions{}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, tbl.pgroups[pg].RefCount)
}

// Deliver-FIM hands the lowest unblocked pending signal to the
// user-mode return path, recording it blocked for the handler's
// duration and marking the frame handled.
func TestDeliverFIMHandsOffLowestPendingSignal(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	tbl.lock()
	tbl.entries[idx].Pending = sigset.Bit(5).Union(sigset.Bit(12))
	tbl.entries[idx].AltHandler = 0xBEEF
	tbl.unlock()

	d, delivered := tbl.DeliverFIM(idx, 0)
	require.True(t, delivered)
	require.Equal(t, 5, d.Sig)
	require.Equal(t, uintptr(0xBEEF), d.Handler)
	require.NotZero(t, uint32(d.Status)&0x80000000, "delivery marks the frame handled")
	require.True(t, tbl.entries[idx].Blocked.Test(5), "a delivered signal is blocked for the handler's duration")
	require.False(t, tbl.entries[idx].Pending.Test(5))
	require.True(t, tbl.entries[idx].Pending.Test(12), "the next signal stays queued")

	tbl.lock()
	tbl.entries[idx].Pending = 0
	tbl.unlock()
	_, delivered = tbl.DeliverFIM(idx, 0)
	require.False(t, delivered, "nothing pending means no delivery, just advance")
}

// Deliver-FIM after sigpause hands back the saved mask and disarms the
// alt-handler flag, so the handler's return restores the pre-pause
// blocked set.
func TestDeliverFIMConsumesSigpauseSavedMask(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	saved := sigset.Bit(3).Union(sigset.Bit(4))
	tbl.lock()
	tbl.entries[idx].AltMask = saved
	tbl.entries[idx].Flags |= FlagAltHandlerArmed
	tbl.entries[idx].Pending = sigset.Bit(7)
	tbl.unlock()

	d, delivered := tbl.DeliverFIM(idx, 0)
	require.True(t, delivered)
	require.Equal(t, saved, d.Mask)
	require.Zero(t, tbl.entries[idx].Flags&FlagAltHandlerArmed, "delivery disarms the alt-handler flag")
}

// SetSigMask applies its clear/set pair across the signal fields and
// runs the priority-delta detach: children above the caller's new
// priority are orphaned, zombie children at the matching priority are
// freed.
func TestSetSigMaskAppliesPairAndDetachesByPriority(t *testing.T) {
	tbl := newTestTable(t)
	parent := createRoot(t, tbl)
	high := createChild(t, tbl, parent)
	low := createChild(t, tbl, parent)

	tbl.lock()
	tbl.entries[parent].Priority = 7
	tbl.entries[high].Priority = 9
	tbl.entries[low].Priority = 5
	tbl.entries[parent].Pending = sigset.Bit(3)
	tbl.unlock()

	tbl.SetSigMask(parent, SigMaskUpdate{Clear: sigset.Bit(3), Set: sigset.Bit(8)}, 5)

	require.False(t, tbl.entries[parent].Pending.Test(3))
	require.True(t, tbl.entries[parent].Pending.Test(8))
	require.EqualValues(t, 5, tbl.entries[parent].Priority)

	require.Equal(t, NoIndex, tbl.entries[high].Parent, "a higher-priority child is detached when the caller drops below it")
	require.True(t, tbl.entries[high].Flags&FlagOrphan != 0)
	require.Equal(t, parent, tbl.entries[low].Parent, "children at or below the new priority stay attached")
}

// Regression coverage for the narrowed fault-mode diversion (only
// SIGKILL or SIGCONT-from-wait with the matching param divert into the
// fault-pending slot; an ordinary signal falls through to the normal
// pending path instead).
func TestDeliverFaultModeDiversionIsNarrow(t *testing.T) {
	tbl := newTestTable(t)
	idx := createRoot(t, tbl)

	tbl.lock()
	tbl.entries[idx].Flags |= FlagFaultMode
	tbl.deliverInternalLocked(idx, 5, 0) // an ordinary signal, not SIGKILL/SIGCONT-from-wait
	stillFaultMode := tbl.entries[idx].Flags&FlagFaultMode != 0
	pendingSig5 := tbl.entries[idx].Pending.Test(5)
	tbl.unlock()

	require.True(t, stillFaultMode, "an unrelated signal must not clear fault mode")
	require.True(t, pendingSig5, "an unrelated signal should still be marked pending")

	tbl.lock()
	tbl.deliverInternalLocked(idx, sigset.SIGKILL, 0)
	clearedFaultMode := tbl.entries[idx].Flags&FlagFaultMode == 0
	gotFaultSignal := tbl.entries[idx].FaultSignal
	tbl.unlock()

	require.True(t, clearedFaultMode)
	require.Equal(t, sigset.SIGKILL, gotFaultSignal)
}
