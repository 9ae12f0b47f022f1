// Package status implements the module-tagged status codes used across
// PROC2, FIM and AUDIT. Every kernel operation that can fail
// returns a *status.Error instead of an opaque Go error so callers can
// recover the original module/code pair the m68k kernel's status_$t
// out-parameters carried.
package status

import "fmt"

// Module identifies which subsystem a Code belongs to.
type Module uint8

const (
	ModuleProc2 Module = 0x19
	ModuleFim   Module = 0x1A
	ModuleAudit Module = 0x30
)

// Code is a module-tagged status code. The zero Code (module 0, code 0)
// is "ok" for both modules.
type Code struct {
	Module Module
	Value  uint32
}

func (c Code) OK() bool { return c.Value == 0 }

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("status(%#02x:%#x)", uint8(c.Module), c.Value)
}

// PROC2 (module 0x19) codes.
var (
	TableFull                = Code{ModuleProc2, 0x01}
	UIDNotFound              = Code{ModuleProc2, 0x02}
	Zombie                   = Code{ModuleProc2, 0x03}
	ProcessWasntVforked      = Code{ModuleProc2, 0x04}
	ProcessIsGroupLeader     = Code{ModuleProc2, 0x05}
	ProcessUsingPgroupID     = Code{ModuleProc2, 0x06}
	PgroupInDifferentSession = Code{ModuleProc2, 0x07}
	PermissionDenied         = Code{ModuleProc2, 0x08}
	AlreadyOrphan            = Code{ModuleProc2, 0x09}
	ProcNotDebugTarget       = Code{ModuleProc2, 0x0A}
	WaitFoundNoChildren      = Code{ModuleProc2, 0x0D}
	AsyncFaultWhileWaiting   = Code{ModuleProc2, 0x0B}
	AnotherFaultPending      = Code{ModuleProc2, 0x0C}
	NoRightToPerformOp       = Code{ModuleProc2, 0x0E}
)

// FIM (module 0x1A) codes. FIM has no user-recoverable status codes in
// the m68k kernel; NestedFault and
// NoUserHandler name the two crash causes BuildDeliveryFrame raises.
var (
	NestedFault   = Code{ModuleFim, 0x01}
	NoUserHandler = Code{ModuleFim, 0x02}
)

// AUDIT (module 0x30) codes.
var (
	ExcessiveEventTypes       = Code{ModuleAudit, 0x01}
	EventLoggingAlreadyOn     = Code{ModuleAudit, 0x02}
	EventLoggingAlreadyOff    = Code{ModuleAudit, 0x03}
	EventListNotCurrentFormat = Code{ModuleAudit, 0x04}
	NotEnabled                = Code{ModuleAudit, 0x05}
	AuditFileNotFound         = Code{ModuleAudit, 0x06}
	InvalidCommand            = Code{ModuleAudit, 0x07}
	NotAdministrator          = Code{ModuleAudit, 0x08}
)

var names = map[Code]string{
	TableFull:                 "table_full",
	UIDNotFound:                "uid_not_found",
	Zombie:                     "zombie",
	ProcessWasntVforked:        "process_wasnt_vforked",
	ProcessIsGroupLeader:       "process_is_group_leader",
	ProcessUsingPgroupID:       "process_using_pgroup_id",
	PgroupInDifferentSession:   "pgroup_in_different_session",
	PermissionDenied:           "permission_denied",
	AlreadyOrphan:              "already_orphan",
	ProcNotDebugTarget:         "proc_not_debug_target",
	WaitFoundNoChildren:        "wait_found_no_children",
	AsyncFaultWhileWaiting:     "async_fault_while_waiting",
	AnotherFaultPending:        "another_fault_pending",
	NoRightToPerformOp:         "no_right_to_perform_operation",
	NestedFault:                "fim_nested_fault",
	NoUserHandler:              "fim_no_user_handler",
	ExcessiveEventTypes:        "excessive_event_types",
	EventLoggingAlreadyOn:      "event_logging_already_started",
	EventLoggingAlreadyOff:     "event_logging_already_stopped",
	EventListNotCurrentFormat:  "event_list_not_current_format",
	NotEnabled:                 "not_enabled",
	AuditFileNotFound:          "file_not_found",
	InvalidCommand:             "invalid_command",
	NotAdministrator:           "not_administrator",
}

// Error wraps a Code. External is set when the failure originated outside
// PROC2/AUDIT (e.g. the pinned MST/FILE/ACL interfaces in
// internal/kernelapi) — the rewrite's equivalent of the m68k kernel's
// "OR 0x80000000 onto non-PROC2 errors" convention.
type Error struct {
	Code     Code
	External error
}

func New(c Code) *Error { return &Error{Code: c} }

func Wrap(c Code, external error) *Error {
	return &Error{Code: c, External: external}
}

// External marks err as originating outside PROC2/FIM/AUDIT (MST, FILE,
// NAME, PROC1, ACL) — the rewrite's 0x80000000 "external cause" flag.
// An error that is already a *Error passes through unchanged
// so double-wrapping on the way up a cleanup path can't happen.
func External(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{External: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil status>"
	}
	if e.External != nil {
		if e.Code.OK() {
			return fmt.Sprintf("external: %v", e.External)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.External)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.External }

// Is reports whether err carries the given Code, so callers can write
// `errors.Is(err, status.New(status.Zombie))`-style checks... though in
// practice callers compare Code directly via As, which is cheaper.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Crash is the panic value raised for internal invariant violations that
// the m68k kernel handled by CRASH_SYSTEM(status) — missing parent in
// detachFromParent, pgroup table exhaustion on an unconditional allocation path,
// and similar "this must never happen" states.
type Crash struct {
	Code   Code
	Reason string
}

func (c Crash) String() string {
	return fmt.Sprintf("kernel crash: %s: %s", c.Code, c.Reason)
}

// CrashSystem panics with a Crash value. Callers at the PROC2_LOCK
// boundary do not recover it; only cmd/kerneld's top-level run loop does,
// logging it as fatal before exiting.
func CrashSystem(c Code, reason string) {
	panic(Crash{Code: c, Reason: reason})
}
