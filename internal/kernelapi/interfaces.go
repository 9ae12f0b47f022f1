// Package kernelapi pins the external kernel interfaces PROC2, FIM and
// AUDIT consume but this core does not respecify: PROC1's scheduler, MST's address-space
// store, ACL's rights checks, NAME's naming state, FILE's file layer,
// TIME's clock, and XPD's ptrace/fault-capture surface. Each is a
// narrow, single-purpose interface at its subsystem boundary rather
// than one monolithic "OS" interface.
package kernelapi

import "github.com/domainos/kernel/internal/uid"

// Proc1 is the low-level scheduler (PROC1_$*): binds/unbinds/resumes
// kernel tasks, allocates stacks, and reports the caller's own identity.
type Proc1 interface {
	Bind(entry uintptr, ctx uintptr, stack uintptr, flags uint32) (pid int16, err error)
	Unbind(pid int16) error
	Resume(pid int16) error
	AllocStack(size int) (ptr uintptr, err error)
	FreeStack(ptr uintptr)
	SetPriority(pid int16, mode int, min, max *int) error
	SetType(pid int16, t int) error
	CreateP(entry uintptr, flags uint32) (pid int16, err error)
	Current() int16
	ASID() int16
}

// MST is the memory-store / address-space manager (MST_$*).
type MST interface {
	AllocASID() (asid int16, err error)
	FreeASID(asid int16) error
	MapInitialArea(asid int16) error
	MapAreaAt(asid int16, addr uintptr, size int) error
	GetVAInfo(asid int16) (base uintptr, size int, err error)
	Wire(ptr uintptr, size int) error
}

// ACL is the rights/identity layer (ACL_$*).
type ACL interface {
	AllocASID(asid int16) error
	EnterSuper()
	ExitSuper()
	GetPidSID(pid int16) (sid [36]byte)
	Rights(u uid.UID) (int, error)
	CheckFaultRights(asid int16) error
	CheckDebugRights(target, debugger int16) error
}

// Name is the naming-state layer (NAME_$*).
type Name interface {
	InitASID(asid int16) error
	Fork(parent, child int16) error
	Resolve(path string) (uid.UID, error)
}

// File is the file layer (FILE_$*), used by PROC2's fork path
// (ForkLock). AUDIT keeps its log and list files on the host
// filesystem and does not go through it.
type File interface {
	FWFile(u uid.UID) error
	ForkLock(parent, child int16) error
	Lock(u uid.UID) (lockIndex uint16, rights uint8, err error)
	Unlock(u uid.UID) error
}

// Time is the clock (TIME_$*). ClockH is the free-running tick count;
// audit's flush-timeout deadline is taken from the host clock, not
// from ClockH.
type Time interface {
	Clock() int64
	ClockH() int32
}

// Accounting samples host-level resource usage to populate the rusage
// words in a zombie's exit block. The m68k kernel's PROC1 owns
// these accounting fields directly; this core doesn't respecify PROC1
//, so Accounting reads real host process statistics
// as a substitute.
type Accounting interface {
	Rusage() (words [5]uint32, err error)
}

// XPD is the ptrace/fault-capture surface (XPD_$*) FIM and the debugger
// hierarchy operations consult.
type XPD interface {
	Read(target int16, addr uintptr) (uint32, error)
	Write(target int16, addr uintptr, val uint32) error
	CaptureFault(target int16) error
	ResetPtraceOpts(target int16) error
	InheritPtraceOptions(parent, child int16) bool
}
