// Package fim implements the per-address-space fault/interrupt manager:
// exception-frame decoding, synchronous fault delivery to user mode,
// the cleanup-handler stack, and trace-fault propagation.
// State is indexed by ASID, 64-wide.
package fim

import (
	"sync"

	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/kernelapi"
	"github.com/domainos/kernel/internal/proc2"
	"github.com/domainos/kernel/internal/status"
)

// *Manager satisfies proc2's FIMHandoff interface, the handoff surface
// the signal core calls into during "Deliver pending".
var _ proc2.FIMHandoff = (*Manager)(nil)

// MaxASID bounds the per-ASID arrays.
const MaxASID = 64

// frameSizes is the 16-entry format-code→byte-size table: formats 0,1 → 8 bytes; 2-7 → 12; 8 → 58; 9 → 20;
// A → 32; B → 92; the remaining codes are reserved in the m68k kernel and
// have no defined size here.
var frameSizes = [16]int{
	0x0: 8, 0x1: 8,
	0x2: 12, 0x3: 12, 0x4: 12, 0x5: 12, 0x6: 12, 0x7: 12,
	0x8: 58,
	0x9: 20,
	0xA: 32,
	0xB: 92,
}

// FrameSize returns the byte size of exception frame format code, or 0
// if the format code has no defined size.
func FrameSize(formatCode int) int {
	if formatCode < 0 || formatCode >= len(frameSizes) {
		return 0
	}
	return frameSizes[formatCode]
}

// Frame is the architecture-specific exception frame's kernel-visible
// projection.
type Frame struct {
	StatusRegister  uint16
	PC              uint32
	SpecialStatus   uint32
	FaultAddress    uint32
	FormatCode      int
}

// Supervisor reports whether the frame was taken in supervisor mode
// (SR bit 0x2000).
func (f Frame) Supervisor() bool { return f.StatusRegister&0x2000 != 0 }

// Trace reports whether the frame carries the trace bit (SR bit
// 0x8000).
func (f Frame) Trace() bool { return f.StatusRegister&0x8000 != 0 }

// inFimState is the per-ASID "currently inside FIM" state
// (in_fim: 0 / active / blocked).
type inFimState int

const (
	inFimIdle inFimState = iota
	inFimActive
	inFimBlocked
)

// asidState holds the per-ASID FIM state arrays.
type asidState struct {
	inFim          inFimState
	userFimAddr    uintptr
	cleanupStack   *cleanupRecord
	quitValue      uint64
	quitInhibit    bool
	traceStatus    int32
	traceBit       bool
	initialized    bool
}

// Manager is the per-ASID FIM state store plus the collaborators it
// consults during fault delivery.
type Manager struct {
	mu    sync.Mutex
	state [MaxASID + 1]asidState

	deps   Deps
	quitEC [MaxASID + 1]*ec.Counter

	pendingTraceFaults uint64
}

// Deps bundles the external collaborators FIM consults but does not
// respecify: ACL for fault-rights checks and XPD for fault capture
// during debug-attach. Recoverable-address classification needs no
// collaborator; recoverableFault decides it from the address alone.
type Deps struct {
	ACL kernelapi.ACL
	XPD kernelapi.XPD
}

// New builds a Manager with every ASID slot uninitialized; Init must be
// called per-ASID before fault delivery is valid there.
func New(deps Deps) *Manager {
	m := &Manager{deps: deps}
	for i := range m.quitEC {
		m.quitEC[i] = ec.New()
	}
	return m
}

// Init registers asid with a user fault handler address.
func (m *Manager) Init(asid int16, userFimAddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.state[asid]
	*s = asidState{userFimAddr: userFimAddr, initialized: true}
}

// recoverableFault reports whether addr is in the "recoverable" range
// the m68k kernel treats specially in BUILD_DF: at or above 0x00D00000, or
// flagged recoverable by the caller (the m68k kernel's "known recovery
// flag" bit, folded here into an explicit parameter since the rewrite
// has no raw status word to read it from).
func recoverableFault(addr uint32, knownRecoveryFlag bool) bool {
	return addr >= 0x00D00000 || knownRecoveryFlag
}

// BuildDeliveryFrame is FIM_$BUILD_DF: detects nested faults (fatal),
// tries the top cleanup
// record for a recoverable fault, else pushes a delivery frame and
// redirects the exception frame's PC to the user handler, else
// crashes. push is the caller's frame-push primitive (architecture-
// specific; abstracted here as a callback so fim stays free of
// machine-dependent stack layout code).
func (m *Manager) BuildDeliveryFrame(asid int16, frame Frame, knownRecoveryFlag bool, push func(magic uint16, version uint8, payload uintptr) error) error {
	m.mu.Lock()
	s := &m.state[asid]
	if s.inFim == inFimActive {
		m.mu.Unlock()
		status.CrashSystem(status.NestedFault, "fim: nested fault inside BUILD_DF")
	}
	s.inFim = inFimActive

	if recoverableFault(frame.FaultAddress, knownRecoveryFlag) && s.cleanupStack != nil {
		rec := s.cleanupStack
		s.cleanupStack = rec.next
		m.mu.Unlock()
		rec.run()
		return nil
	}

	userAddr := s.userFimAddr
	m.mu.Unlock()

	if userAddr == 0 {
		status.CrashSystem(status.NoUserHandler, "fim: no user fault handler installed")
	}
	if err := m.deps.ACL.CheckFaultRights(asid); err != nil {
		return err
	}
	// Delivery frame: magic 0xDFDF, version 2, 0x6A bytes.
	return push(0xDFDF, 2, userAddr)
}

// InFimDone clears the "inside FIM" marker once delivery completes.
func (m *Manager) InFimDone(asid int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[asid].inFim = inFimIdle
}
