// Package sim is an in-memory simulation of the pinned kernelapi
// interfaces, sufficient to drive PROC2/FIM/AUDIT in tests and the
// cmd/kerneld demo without a real Domain/OS below them.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/domainos/kernel/internal/kernelapi"
	"github.com/domainos/kernel/internal/uid"
)

var ErrNotBound = errors.New("sim: pid not bound")

// Proc1 is a trivial scheduler simulation: PIDs are handed out
// sequentially, "binding" just records bookkeeping.
type Proc1 struct {
	mu      sync.Mutex
	next    int16
	bound   map[int16]bool
	current int16
	asid    int16
}

func NewProc1() *Proc1 {
	return &Proc1{next: 1, bound: make(map[int16]bool)}
}

func (p *Proc1) Bind(entry, ctx, stack uintptr, flags uint32) (int16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pid := p.next
	p.next++
	p.bound[pid] = true
	return pid, nil
}

func (p *Proc1) Unbind(pid int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound[pid] {
		return ErrNotBound
	}
	delete(p.bound, pid)
	return nil
}

func (p *Proc1) Resume(pid int16) error { return nil }

func (p *Proc1) AllocStack(size int) (uintptr, error) { return uintptr(size), nil }

func (p *Proc1) FreeStack(ptr uintptr) {}

func (p *Proc1) SetPriority(pid int16, mode int, min, max *int) error {
	if min != nil {
		*min = 3
	}
	if max != nil {
		*max = 14
	}
	return nil
}

func (p *Proc1) SetType(pid int16, t int) error { return nil }

func (p *Proc1) CreateP(entry uintptr, flags uint32) (int16, error) {
	return p.Bind(entry, 0, 0, flags)
}

func (p *Proc1) Current() int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Proc1) SetCurrent(pid int16) {
	p.mu.Lock()
	p.current = pid
	p.mu.Unlock()
}

func (p *Proc1) ASID() int16 { return p.asid }

func (p *Proc1) SetASID(a int16) { p.asid = a }

// MST is a trivial address-space simulation: ASIDs are a bitmap of 64
// slots; ASIDs never exceed 64.
type MST struct {
	mu   sync.Mutex
	used [65]bool
}

func NewMST() *MST { return &MST{} }

func (m *MST) AllocASID() (int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i <= 64; i++ {
		if !m.used[i] {
			m.used[i] = true
			return int16(i), nil
		}
	}
	return 0, errors.New("sim: no free ASID")
}

func (m *MST) FreeASID(asid int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if asid < 1 || asid > 64 {
		return errors.New("sim: asid out of range")
	}
	m.used[asid] = false
	return nil
}

func (m *MST) MapInitialArea(asid int16) error             { return nil }
func (m *MST) MapAreaAt(asid int16, addr uintptr, size int) error { return nil }
func (m *MST) GetVAInfo(asid int16) (uintptr, int, error)   { return 0, 0, nil }
func (m *MST) Wire(ptr uintptr, size int) error             { return nil }

// ACL grants rights to a fixed "administrator" UID set by the caller.
type ACL struct {
	mu    sync.Mutex
	admin map[uid.UID]bool
	super int
}

func NewACL() *ACL { return &ACL{admin: make(map[uid.UID]bool)} }

func (a *ACL) GrantAdmin(u uid.UID) {
	a.mu.Lock()
	a.admin[u] = true
	a.mu.Unlock()
}

func (a *ACL) AllocASID(asid int16) error { return nil }
func (a *ACL) EnterSuper()                { a.mu.Lock(); a.super++; a.mu.Unlock() }
func (a *ACL) ExitSuper()                 { a.mu.Lock(); a.super--; a.mu.Unlock() }
func (a *ACL) GetPidSID(pid int16) (sid [36]byte) { return }

// Rights returns 2 ("administrator") for UIDs granted via GrantAdmin, 0
// otherwise — mirroring AUDIT's use of ACL_$RIGHTS on
// //node_data/audit.
func (a *ACL) Rights(u uid.UID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.admin[u] {
		return 2, nil
	}
	return 0, nil
}

func (a *ACL) CheckFaultRights(asid int16) error          { return nil }
func (a *ACL) CheckDebugRights(target, debugger int16) error { return nil }

// Name resolves a fixed set of paths the caller preloads, standing in for
// the naming layer.
type Name struct {
	mu        sync.Mutex
	resolved  map[string]uid.UID
}

func NewName() *Name { return &Name{resolved: make(map[string]uid.UID)} }

func (n *Name) Preload(path string, u uid.UID) {
	n.mu.Lock()
	n.resolved[path] = u
	n.mu.Unlock()
}

func (n *Name) InitASID(asid int16) error      { return nil }
func (n *Name) Fork(parent, child int16) error { return nil }

var ErrNameNotFound = errors.New("sim: name not found")

func (n *Name) Resolve(path string) (uid.UID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	u, ok := n.resolved[path]
	if !ok {
		return uid.NIL, ErrNameNotFound
	}
	return u, nil
}

// File is an in-memory file layer: UIDs map to byte slices plus a
// single-holder lock flag.
type File struct {
	mu     sync.Mutex
	data   map[uid.UID][]byte
	locked map[uid.UID]bool
}

func NewFile() *File {
	return &File{data: make(map[uid.UID][]byte), locked: make(map[uid.UID]bool)}
}

func (f *File) Put(u uid.UID, b []byte) {
	f.mu.Lock()
	f.data[u] = b
	f.mu.Unlock()
}

func (f *File) Get(u uid.UID) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[u]
	return b, ok
}

func (f *File) FWFile(u uid.UID) error             { return nil }
func (f *File) ForkLock(parent, child int16) error { return nil }

func (f *File) Lock(u uid.UID) (uint16, uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[u] {
		return 0, 0, errors.New("sim: already locked")
	}
	f.locked[u] = true
	return 1, 1, nil
}

func (f *File) Unlock(u uid.UID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, u)
	return nil
}

// Time reports wall-clock seconds and a tick counter that advances once
// per call.
type Time struct {
	mu    sync.Mutex
	ticks int32
}

func NewTime() *Time { return &Time{} }

func (t *Time) Clock() int64 { return time.Now().Unix() }

func (t *Time) ClockH() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks++
	return t.ticks
}

// XPD is a no-op ptrace/fault-capture simulation.
type XPD struct{}

func NewXPD() *XPD { return &XPD{} }

func (x *XPD) Read(target int16, addr uintptr) (uint32, error)  { return 0, nil }
func (x *XPD) Write(target int16, addr uintptr, val uint32) error { return nil }
func (x *XPD) CaptureFault(target int16) error                  { return nil }
func (x *XPD) ResetPtraceOpts(target int16) error                { return nil }
func (x *XPD) InheritPtraceOptions(parent, child int16) bool     { return false }

var (
	_ kernelapi.Proc1 = (*Proc1)(nil)
	_ kernelapi.MST   = (*MST)(nil)
	_ kernelapi.ACL   = (*ACL)(nil)
	_ kernelapi.Name  = (*Name)(nil)
	_ kernelapi.File  = (*File)(nil)
	_ kernelapi.Time  = (*Time)(nil)
	_ kernelapi.XPD   = (*XPD)(nil)
)
