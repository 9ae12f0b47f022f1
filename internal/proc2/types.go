// Package proc2 implements process-table management, the parent/child/
// debugger hierarchy, process groups and sessions, the signal core, and
// fork/create/vfork/wait — the PROC2 layer. The table
// is an arena of fixed slots addressed by 1-based Index; slot 0 is the
// permanent "none" sentinel.
package proc2

import (
	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/kernelapi"
	"github.com/domainos/kernel/internal/sigset"
	"github.com/domainos/kernel/internal/uid"
)

// NumSlots is the process table's fixed arena size, slot 0 reserved as
// "none".
const NumSlots = 70

// PgroupSlots is the process-group table's fixed arena size.
const PgroupSlots = 70

// Index is a 1-based slot number into the process table; 0 means "none".
// A distinct type from PID/UPID so the two families of small integers
// can never be mixed up at a call site.
type Index uint16

// NoIndex is the zero sentinel meaning "no entry" (parent, debugger,
// sibling, etc. all default to it).
const NoIndex Index = 0

// Lifecycle is the explicit state machine replacing the m68k kernel's single
// flags word: Free → Allocated
// → Bound → Valid → Zombie → Free.
type Lifecycle int

const (
	Free Lifecycle = iota
	Allocated
	Bound
	Valid
	Zombie
)

func (l Lifecycle) String() string {
	switch l {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Bound:
		return "bound"
	case Valid:
		return "valid"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Flags are orthogonal mode bits that coexist with Lifecycle:
// vfork/debug/trace state that isn't itself a lifecycle stage.
type Flags uint16

const (
	FlagOnstack Flags = 1 << iota
	FlagFaultMode
	FlagSuspended
	FlagAltHandlerArmed // "BIT_10" in the m68k kernel
	FlagSessionLeader
	FlagAltASID // vfork: running on the borrowed parent ASID
	FlagOrphan
	FlagStopped
	FlagStopReported
	FlagTraced
	// FlagSighupPending is the flag-word record of a SIGHUP that arrived
	// while unbypassable; distinct from FlagOrphan, which is lifecycle state.
	FlagSighupPending
)

// ExitInfo is the wait/exit block retained on a zombie entry until its
// parent collects it.
type ExitInfo struct {
	Status     int32
	Rusage     [5]uint32
	Accounting [14]uint32
}

// Entry is one process-table slot.
type Entry struct {
	UID          uid.UID
	UPID         int32
	ParentUPID   int32
	ASID         int16
	ASIDAlt      int16
	PID          int16
	OwnerSession int32

	// Allocated-list / free-list / graph links, all by Index.
	NextAlloc Index
	PrevAlloc Index
	NextFree  Index

	FirstChild       Index
	NextSibling      Index
	Parent           Index
	Debugger         Index
	FirstDebugTarget Index
	NextDebugTarget  Index

	PgroupIdx       Index
	SessionID       int32
	ParentPgroupIdx Index

	// Signal state. Blocked1 and Mask1 are distinct masks in the m68k
	// kernel (sig_blocked_1 vs the alternate-handler bit set) and stay
	// distinct here.
	Pending     sigset.Set
	Blocked     sigset.Set // blocked_2: masked out of delivery
	Blocked1    sigset.Set // blocked_1: noted, never queued, unless debugged
	Mask1       sigset.Set // alternate-handler bits
	Mask2       sigset.Set // user signal-action table
	Mask3       sigset.Set // sigstack bits
	AltMask     sigset.Set // sigpause's saved mask, consumed by Deliver-FIM
	HandlerAddr uintptr
	AltHandler  uintptr

	Lifecycle Lifecycle
	Flags     Flags

	// Priority is the scheduler priority Wait's child matching and
	// SetSigMask's detach pass compare against; inherited from the parent at fork/create.
	Priority int16

	CrRec   uintptr // code descriptor
	CrRec2  uintptr // stack context
	TTYUid  uid.UID

	ExitInfo ExitInfo

	// FAULT_SIGNAL / FAULT_FLAG / FAULT_PARAM.
	FaultSignal int
	FaultFlag   bool
	FaultParam  int32

	// AuditSuspend is the per-PID audit suspension counter copied to
	// children at creation.
	AuditSuspend int16

	// ForkEC advances when a vfork child completes, waking the parent
	// blocked at the tail of Fork. CreationEC is the creation-record EC
	// a waiting parent registers alongside FIM's quit EC.
	ForkEC     *ec.Counter
	CreationEC *ec.Counter
}

func (e *Entry) isFree() bool { return e.Lifecycle == Free }

// Pgroup is one process-group table slot.
type Pgroup struct {
	UPGID       int32
	SessionID   int32
	RefCount    int32
	LeaderCount int32
}

func (g *Pgroup) isFree() bool { return g.RefCount == 0 }

// Deps bundles the pinned external collaborators PROC2 consumes but
// does not respecify.
type Deps struct {
	Proc1 kernelapi.Proc1
	MST   kernelapi.MST
	ACL   kernelapi.ACL
	Name  kernelapi.Name
	File  kernelapi.File
	Time  kernelapi.Time
	XPD   kernelapi.XPD

	// Acct samples real host accounting stats into a zombie's rusage
	// words at exit; nil leaves Rusage zeroed,
	// which sim-backed tests rely on for deterministic assertions.
	Acct kernelapi.Accounting

	// FIM is the fault/interrupt manager PROC2's signal core hands off
	// to for fault-style delivery. It is
	// an interface here, not the concrete fim package, to avoid an
	// import cycle: package fim imports proc2.
	FIM FIMHandoff

	// AuditLogger posts security-relevant state changes to AUDIT. Nil disables auditing from this table.
	AuditLogger AuditLogger
}

// FIMHandoff is the slice of the fim.Manager surface PROC2's signal core
// calls into.
type FIMHandoff interface {
	QuitInhibit(asid int16) bool
	SetQuitInhibit(asid int16, v bool)
	SetTraceStatus(asid int16, status int32)
	DeliverTraceFault(asid int16) error
	QuitEC(asid int16) ECHandle
}

// ECHandle lets proc2 wait on FIM's per-ASID quit event counter without
// importing the concrete ec.Counter type into the handoff interface's
// signature in more than one place.
type ECHandle interface {
	Read() uint64
	Wait(target uint64, cancel <-chan struct{})
}

// AuditLogger is the narrow surface AUDIT exposes to PROC2: event
// posting from the signal path and the
// suspension-counter copy at fork.
type AuditLogger interface {
	LogEvent(eventType int, target uid.UID, data []byte) error
	InheritAudit(parentPID, childPID int16)
}
