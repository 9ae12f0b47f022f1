package audit

import "github.com/domainos/kernel/internal/status"

// Command names the seven AUDIT_$CONTROL operations.
type Command int

const (
	LoadList Command = iota
	Flush
	Start
	Stop
	SuspendSelf
	ResumeSelf
	IsEnabled
)

// requiresAdmin reports whether cmd needs administrator rights.
func (c Command) requiresAdmin() bool {
	return c != SuspendSelf && c != ResumeSelf
}

// Control is AUDIT's single control entry point: dispatches cmd, gating admin-only commands on
// NAME_$RESOLVE("//node_data/audit") followed by ACL_$RIGHTS returning 2.
func (s *Subsystem) Control(cmd Command) (enabled bool, err error) {
	if cmd.requiresAdmin() {
		if err := s.checkAdmin(); err != nil {
			return false, err
		}
	}

	switch cmd {
	case LoadList:
		return false, s.list.load(s.cfg.ListPath)
	case Flush:
		s.mu.Lock()
		l := s.log
		s.mu.Unlock()
		if l == nil {
			return false, status.New(status.NotEnabled)
		}
		l.flush()
		return false, nil
	case Start:
		return false, s.startLogging()
	case Stop:
		return false, s.stopLogging()
	case SuspendSelf:
		s.Suspend()
		return false, nil
	case ResumeSelf:
		s.Resume()
		return false, nil
	case IsEnabled:
		return s.IsEnabled(), nil
	default:
		return false, status.New(status.InvalidCommand)
	}
}

// checkAdmin implements the administrator check every non-self-
// suspension command requires: NAME_$RESOLVE("//node_data/
// audit") then ACL_$RIGHTS returning 2).
func (s *Subsystem) checkAdmin() error {
	u, err := s.deps.Name.Resolve(AdminPath)
	if err != nil {
		return status.New(status.AuditFileNotFound)
	}
	rights, err := s.deps.ACL.Rights(u)
	if err != nil || rights != 2 {
		return status.New(status.NotAdministrator)
	}
	return nil
}
