package fim

// cleanupRecord is one entry of the per-ASID cleanup stack: a scoped recovery record invoked during fault
// delivery instead of the intended handler, signaled back to its
// caller via ranCleanup.
type cleanupRecord struct {
	next *cleanupRecord
	fn   func()
}

func (r *cleanupRecord) run() {
	if r.fn != nil {
		r.fn()
	}
}

// Guard is returned by PushCleanup; its Release method pops the
// record on every exit path, modelling the m68k kernel's "push ... pop"
// scoped-acquisition pattern as a drop-on-all-paths guard object
//.
type Guard struct {
	m    *Manager
	asid int16
}

// PushCleanup installs fn as the top cleanup record for asid, to run
// (instead of the normal handler) if a recoverable fault occurs before
// the Guard is released.
func (m *Manager) PushCleanup(asid int16, fn func()) *Guard {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.state[asid]
	s.cleanupStack = &cleanupRecord{next: s.cleanupStack, fn: fn}
	return &Guard{m: m, asid: asid}
}

// Release pops the cleanup record this Guard installed, if it is still
// the top of the stack (it may already have been consumed by
// BuildDeliveryFrame running it).
func (g *Guard) Release() {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	s := &g.m.state[g.asid]
	if s.cleanupStack != nil {
		s.cleanupStack = s.cleanupStack.next
	}
}
