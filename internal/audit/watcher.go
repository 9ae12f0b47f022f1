package audit

import (
	"github.com/fsnotify/fsnotify"

	"github.com/domainos/kernel/internal/kernlog"
)

// watcher hot-reloads the selective list when audit_list changes on
// disk, without waiting for an explicit LOAD_LIST control call.
type watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// startWatcher watches path and calls reload (startLogging passes a
// closure that re-runs list.load) whenever it's written or replaced. A missing directory is tolerated:
// the watch is simply not established, matching "missing file ⇒
// selective auditing off".
func startWatcher(path string, log *kernlog.Logger, reload func()) *watcher {
	kvl := kernlog.NewLoggerWithKV(log, kernlog.KV("component", "audit-watcher"), kernlog.KV("path", path))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		kvl.Warn("audit: selective-list watcher unavailable", kernlog.KVErr(err))
		return nil
	}
	if err := w.Add(pathDir(path)); err != nil {
		kvl.Warn("audit: could not watch selective-list directory", kernlog.KVErr(err))
		w.Close()
		return nil
	}
	wch := &watcher{w: w, done: make(chan struct{})}
	go func() {
		defer close(wch.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == path && (ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0) {
					reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				kvl.Warn("audit: selective-list watch error", kernlog.KVErr(err))
			}
		}
	}()
	return wch
}

func (wch *watcher) stop() {
	if wch == nil {
		return
	}
	wch.w.Close()
	<-wch.done
}

func pathDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}
