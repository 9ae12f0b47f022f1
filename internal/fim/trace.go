package fim

import (
	"sync/atomic"

	"github.com/domainos/kernel/internal/proc2"
)

// SingleStep records the trapping
// status, arms the per-ASID trace bit, and counts the fault globally so
// the exit-hook check-and-branch fires exactly once.
func (m *Manager) SingleStep(asid int16, status int32) {
	m.mu.Lock()
	s := &m.state[asid]
	s.traceStatus = status
	s.traceBit = true
	m.mu.Unlock()
	atomic.AddUint64(&m.pendingTraceFaults, 1)
}

// SetTraceStatus sets the per-ASID trace_status word directly (used by
// proc2's deliver_pending to copy FAULT_PARAM through for
// SIGCONT-from-wait.
func (m *Manager) SetTraceStatus(asid int16, value int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[asid].traceStatus = value // high bit set on delivery, see DeliverTraceFault
}

// QuitInhibit reports and SetQuitInhibit sets the per-ASID re-entrancy
// gate during signal dispatch.
func (m *Manager) QuitInhibit(asid int16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[asid].quitInhibit
}

func (m *Manager) SetQuitInhibit(asid int16, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[asid].quitInhibit = v
}

// DeliverTraceFault clears the trace bit, sets the high bit of
// trace_status, clears quit_inhibit and advances the per-ASID quit EC
// so any waiter in proc2.Sigpause/Wait observes the delivery. It does
// not push a delivery frame; BuildDeliveryFrame is the only FIM path
// that calls a frame-push primitive.
func (m *Manager) DeliverTraceFault(asid int16) error {
	m.mu.Lock()
	s := &m.state[asid]
	s.traceBit = false
	s.traceStatus = int32(uint32(s.traceStatus) | 0x80000000)
	s.quitInhibit = false
	qec := m.quitEC[asid]
	m.mu.Unlock()

	qec.Advance()
	return nil
}

// QuitEC returns the per-ASID quit event counter proc2 waits on, typed as proc2.ECHandle so *Manager
// satisfies proc2.FIMHandoff outright. *ec.Counter's Read/Wait methods
// satisfy that interface structurally, so no adapter type is needed.
func (m *Manager) QuitEC(asid int16) proc2.ECHandle {
	return m.quitEC[asid]
}
