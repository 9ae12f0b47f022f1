package audit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/domainos/kernel/internal/kernlog"
	"github.com/domainos/kernel/internal/status"
)

// Init is AUDIT_$INIT: acquires the event counter and
// exclusion lock (already allocated by New), clears per-PID suspension,
// then attempts start_logging; on failure it prints the three fixed
// warning lines and falls back to corrupted mode so every subsequent
// event is logged regardless of selectivity.
//
// The m68k kernel calls ACL_$ENTER_SUPER twice
// (once on entry, once where EXIT_SUPER was clearly intended) — a bug
// the rewrite does not reproduce. Init uses the matched EnterSuper/
// ExitSuper pair below.
func (s *Subsystem) Init() {
	s.deps.ACL.EnterSuper()
	defer s.deps.ACL.ExitSuper()

	s.suspendMu.Lock()
	s.suspend = make(map[int16]int16)
	s.suspendMu.Unlock()

	if err := s.startLogging(); err != nil {
		s.mu.Lock()
		s.corrupted = true
		s.mu.Unlock()
		s.deps.Log.AuditWarn(err)
	}

	s.queueOnce.Do(func() { go s.drainQueue() })
}

// drainQueue is the queue's single consumer, started once for the
// Subsystem's lifetime: it outlives individual start_logging/stop_logging
// cycles, so the queue keeps a consumer across a stop/start. A record
// drained while logging is off (s.log == nil) is discarded, since
// writeRecord no-ops then.
func (s *Subsystem) drainQueue() {
	for buf := range s.queue.Out {
		s.writeRecord(buf)
	}
}

// Shutdown implements AUDIT_$SHUTDOWN: stop_logging, errors ignored.
func (s *Subsystem) Shutdown() {
	_ = s.stopLogging()
}

// startLogging is AUDIT_$START_LOGGING: load the selective
// list, open and wire the log under exclusion, set enabled, then either
// signal the already-running server or spawn a fresh one.
func (s *Subsystem) startLogging() error {
	// A bad or unreadable list doesn't stop logging from starting: the
	// caller (Init) falls back to corrupted mode, which must still have
	// an open log to write everything to.
	listErr := s.list.load(s.cfg.ListPath)

	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return status.New(status.EventLoggingAlreadyOn)
	}
	l, err := openLog(s.cfg.LogPath)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.log = l
	s.enabled = true
	running := s.serverRunning
	s.mu.Unlock()

	if s.watcher == nil && s.cfg.ListPath != "" {
		s.watcher = startWatcher(s.cfg.ListPath, s.deps.Log, func() {
			if err := s.list.load(s.cfg.ListPath); err != nil {
				s.deps.Log.Warn("audit: selective-list reload failed", kernlog.KVErr(err))
			}
		})
	}

	if running {
		s.ec.Advance()
		return listErr
	}
	s.spawnServer()
	return listErr
}

// stopLogging is AUDIT_$STOP_LOGGING: clear enabled, advance
// the EC, close the log under exclusion. Returns AlreadyStopped (mapped
// to EventLoggingAlreadyOff here) if called twice.
func (s *Subsystem) stopLogging() error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return status.New(status.EventLoggingAlreadyOff)
	}
	s.enabled = false
	l := s.log
	s.log = nil
	s.mu.Unlock()

	s.ec.Advance()

	if s.watcher != nil {
		s.watcher.stop()
		s.watcher = nil
	}

	if l != nil {
		return l.close()
	}
	return nil
}

// reopenLog implements the m68k kernel's close-then-reopen recovery path on a
// failed write.
func (s *Subsystem) reopenLog() error {
	s.mu.Lock()
	old := s.log
	s.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	l, err := openLog(s.cfg.LogPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.log = l
	s.mu.Unlock()
	return nil
}

// spawnServer starts the background flush server: it loops while enabled,
// waiting on the audit event counter and, if TIMEOUT is set, a deadline
// derived from the selective list's flush timeout (or the 0x1E0-second
// default, 8 minutes). On timeout wake it flushes a dirty log; on exit
// it unbinds itself, mirrored here as clearing serverRunning.
func (s *Subsystem) spawnServer() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s.serverRunning = true
	s.serverCancel = cancel
	s.serverDone = make(chan struct{})

	g.Go(func() error {
		s.runServer(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		s.mu.Lock()
		s.serverRunning = false
		s.mu.Unlock()
		close(s.serverDone)
	}()
}

// runServer is the server task's loop body, run on its own goroutine by
// spawnServer; errgroup.Group supervises start/cancel.
func (s *Subsystem) runServer(ctx context.Context) {
	for {
		s.mu.Lock()
		enabled := s.enabled
		s.mu.Unlock()
		if !enabled {
			return
		}

		deadline := s.nextDeadline()
		target := s.ec.Read() + 1
		woken := s.waitECOrDeadline(target, deadline, ctx.Done())
		if !woken {
			s.flushIfDirty()
			continue
		}
		// woken by an EC advance (start_logging or stop_logging; logging
		// an event does not advance it) or by ctx: the enabled check at
		// the top of the loop decides whether to exit.
	}
}

// nextDeadline computes the server's wait deadline: only set when the list's TIMEOUT flag is on; the zero
// time means "no deadline, wait on the event counter alone".
func (s *Subsystem) nextDeadline() time.Time {
	if s.list.Flags()&FlagTimeout == 0 {
		return time.Time{}
	}
	units := s.list.Timeout()
	return time.Now().Add(time.Duration(units) * 4 * time.Second)
}

// waitECOrDeadline blocks until the event counter reaches target, the
// deadline passes (if nonzero), or done fires. Returns true if woken by
// the event counter rather than the deadline.
func (s *Subsystem) waitECOrDeadline(target uint64, deadline time.Time, done <-chan struct{}) bool {
	cancel := make(chan struct{})
	defer close(cancel)

	woke := make(chan struct{})
	go func() {
		s.ec.Wait(target, cancel)
		close(woke)
	}()

	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-woke:
			return true
		case <-timer.C:
			return false
		case <-done:
			return true
		}
	}
	select {
	case <-woke:
		return true
	case <-done:
		return true
	}
}

func (s *Subsystem) flushIfDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil && s.log.dirty {
		s.log.flush()
	}
}
