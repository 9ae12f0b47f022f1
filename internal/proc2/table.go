package proc2

import (
	"sync"

	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/status"
	"github.com/domainos/kernel/internal/uid"
)

// Table is the process table, process-group table, PID→index map and
// free/allocated lists, all guarded by a single mutex modelling
// PROC2_LOCK. Every public method acquires it on
// entry and releases on every exit path, including panics propagated
// from CrashSystem.
type Table struct {
	mu sync.Mutex

	entries [NumSlots + 1]Entry
	pgroups [PgroupSlots + 1]Pgroup

	freeHead  Index
	allocHead Index
	zombieHead Index

	byUPID  map[int32]Index
	byPID   map[int16]Index
	nextUPID int32

	deps Deps
}

// New builds an empty table with every non-zero slot chained onto the
// free list, and the external collaborators wired in.
func New(deps Deps) *Table {
	t := &Table{
		deps:    deps,
		byUPID:  make(map[int32]Index),
		byPID:   make(map[int16]Index),
		nextUPID: 1,
	}
	for i := NumSlots; i >= 1; i-- {
		t.entries[i].NextFree = t.freeHead
		t.freeHead = Index(i)
	}
	return t
}

// lock and unlock are named so every call site that takes PROC2_LOCK
// reads the same way the m68k kernel's ML_$LOCK(PROC2_LOCK_ID) calls did.
func (t *Table) lock() { t.mu.Lock() }

func (t *Table) unlock() { t.mu.Unlock() }

// alloc pops the free-list head, pushes it onto the allocated list head,
// and runs INIT_ENTRY. Caller must hold t.mu.
func (t *Table) alloc() (Index, error) {
	if t.freeHead == NoIndex {
		return NoIndex, status.New(status.TableFull)
	}
	idx := t.freeHead
	e := &t.entries[idx]
	t.freeHead = e.NextFree

	*e = Entry{}
	e.Lifecycle = Allocated
	e.UID = uid.Generator{}.New()
	e.UPID = t.nextUPID
	t.nextUPID++
	e.NextAlloc = t.allocHead
	e.PrevAlloc = NoIndex
	if t.allocHead != NoIndex {
		t.entries[t.allocHead].PrevAlloc = idx
	}
	t.allocHead = idx
	e.ForkEC = ec.New()
	e.CreationEC = ec.New()

	t.byUPID[e.UPID] = idx
	return idx, nil
}

// free reverses alloc: unlink from the allocated list, clear the UID,
// push onto the free list. Caller must hold t.mu. free does not unlink
// from parent/sibling/zombie lists; callers do that first.
func (t *Table) free(idx Index) {
	e := &t.entries[idx]
	if e.PrevAlloc != NoIndex {
		t.entries[e.PrevAlloc].NextAlloc = e.NextAlloc
	} else if t.allocHead == idx {
		t.allocHead = e.NextAlloc
	}
	if e.NextAlloc != NoIndex {
		t.entries[e.NextAlloc].PrevAlloc = e.PrevAlloc
	}
	delete(t.byUPID, e.UPID)
	if e.PID != 0 {
		delete(t.byPID, e.PID)
	}

	*e = Entry{}
	e.Lifecycle = Free
	e.NextFree = t.freeHead
	t.freeHead = idx
}

// findByUID scans the allocated list for a matching UID.
func (t *Table) findByUID(u uid.UID) Index {
	for i := t.allocHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].UID == u {
			return i
		}
	}
	for i := t.zombieHead; i != NoIndex; i = t.entries[i].NextAlloc {
		if t.entries[i].UID == u {
			return i
		}
	}
	return NoIndex
}

// findByUPID looks up the reverse map maintained by alloc/free.
func (t *Table) findByUPID(upid int32) Index {
	if idx, ok := t.byUPID[upid]; ok {
		return idx
	}
	return NoIndex
}

// pidToIndex looks up the reverse map populated when a scheduler task is
// bound.
func (t *Table) pidToIndex(pid int16) Index {
	if idx, ok := t.byPID[pid]; ok {
		return idx
	}
	return NoIndex
}

// Info is a read-only snapshot of an entry, returned by public
// accessors so callers never get a pointer into the live table outside
// the lock.
type Info struct {
	UID        uid.UID
	UPID       int32
	ParentUPID int32
	ASID       int16
	PID        int16
	Lifecycle  Lifecycle
	Flags      Flags
	PgroupIdx  Index
	SessionID  int32
}

func infoOf(e *Entry) Info {
	return Info{
		UID:        e.UID,
		UPID:       e.UPID,
		ParentUPID: e.ParentUPID,
		ASID:       e.ASID,
		PID:        e.PID,
		Lifecycle:  e.Lifecycle,
		Flags:      e.Flags,
		PgroupIdx:  e.PgroupIdx,
		SessionID:  e.SessionID,
	}
}

// Info returns the snapshot for the given UPID (PROC2_$GET_INFO).
func (t *Table) Info(upid int32) (Info, error) {
	t.lock()
	defer t.unlock()
	idx := t.findByUPID(upid)
	if idx == NoIndex {
		return Info{}, status.New(status.UIDNotFound)
	}
	return infoOf(&t.entries[idx]), nil
}

// InfoByIndex returns the snapshot for a table slot directly, for
// callers (fork/create's own return path, cmd/kerneld's demo scenario)
// that already hold the Index and shouldn't pay for a reverse UPID
// lookup.
func (t *Table) InfoByIndex(idx Index) Info {
	t.lock()
	defer t.unlock()
	return infoOf(&t.entries[idx])
}

// MyUPIDs returns the UPID and parent UPID for the calling PID
// (PROC2_$GET_MY_UPIDS). AUDIT's event-record filler does not call it;
// it reads the identity from Proc1.Current.
func (t *Table) MyUPIDs(pid int16) (upid, parentUPID int32, err error) {
	t.lock()
	defer t.unlock()
	idx := t.pidToIndex(pid)
	if idx == NoIndex {
		return 0, 0, status.New(status.UIDNotFound)
	}
	e := &t.entries[idx]
	return e.UPID, e.ParentUPID, nil
}

// FirstChildOf returns the head of idx's live child list, NoIndex if it
// has none. A vforked child can use this to find its own slot before
// completing the handshake, since the parent is blocked in Fork until
// then and the child list is stable.
func (t *Table) FirstChildOf(idx Index) Index {
	t.lock()
	defer t.unlock()
	return t.entries[idx].FirstChild
}

// WhoAmI returns the calling PID's own index-derived identity
// (PROC2_$WHO_AM_I / PROC2_$MY_PID), using Deps.Proc1.Current().
func (t *Table) WhoAmI() (Info, error) {
	pid := t.deps.Proc1.Current()
	t.lock()
	defer t.unlock()
	idx := t.pidToIndex(pid)
	if idx == NoIndex {
		return Info{}, status.New(status.UIDNotFound)
	}
	return infoOf(&t.entries[idx]), nil
}
