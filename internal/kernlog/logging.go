// Package kernlog provides structured, level-gated logging for the
// PROC2/FIM/AUDIT kernel core, in RFC 5424 form.

package kernlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/domainos/kernel/internal/kernlog/rotate"
)

// Level orders log lines by severity; lines below the Logger's level
// are dropped.
type Level int

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

// DEFAULT_DEPTH is the runtime.Caller skip that lands on the Logger
// method's caller; wrappers add to it per layer they insert.
const DEFAULT_DEPTH = 3

const (
	defaultSDID = `domainos@1`

	maxAppname  = 48
	maxHostname = 255
	maxMsgID    = 32
)

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

// levels maps each Level to its display name and syslog priority; a
// Level absent from the table is invalid.
var levels = map[Level]struct {
	name string
	prio rfc5424.Priority
}{
	OFF:      {`OFF`, 0},
	DEBUG:    {`DEBUG`, rfc5424.User | rfc5424.Debug},
	INFO:     {`INFO`, rfc5424.User | rfc5424.Info},
	WARN:     {`WARN`, rfc5424.User | rfc5424.Warning},
	ERROR:    {`ERROR`, rfc5424.User | rfc5424.Error},
	CRITICAL: {`CRITICAL`, rfc5424.User | rfc5424.Crit},
	FATAL:    {`FATAL`, rfc5424.User | rfc5424.Emergency},
}

func (l Level) String() string {
	if li, ok := levels[l]; ok {
		return li.name
	}
	return `UNKNOWN`
}

func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

func (l Level) priority() rfc5424.Priority {
	if li, ok := levels[l]; ok && l != OFF {
		return li.prio
	}
	return rfc5424.User | rfc5424.Debug
}

// LevelFromString parses a config-file level name, case-insensitively.
func LevelFromString(s string) (Level, error) {
	up := strings.ToUpper(s)
	for lvl, li := range levels {
		if li.name == up {
			return lvl, nil
		}
	}
	return OFF, ErrInvalidLevel
}

// Relay receives every emitted line alongside the writers, letting a
// second sink (console mirror, test capture) observe the stream.
type Relay interface {
	WriteLog(Level, time.Time, []byte) error
}

// Logger fans formatted RFC 5424 lines out to a set of writers and
// relays, dropping anything below its level.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	rls      []Relay
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a Logger writing to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	if hn, err := os.Hostname(); err == nil {
		l.hostname = clampName(hn, maxHostname)
	}
	if args := os.Args; len(args) > 0 {
		exe := filepath.Base(args[0])
		exe = strings.TrimSuffix(exe, filepath.Ext(exe))
		l.appname = clampName(exe, maxAppname)
	}
	return l
}

// NewFile opens (or appends to) f and logs there.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

// NewRotatingFile is like NewFile but rolls the file over once it
// passes maxSize, gzip-compressing up to maxHistory old segments, so
// the kernel's own diagnostic trail stays bounded.
func NewRotatingFile(f string, maxSize int64, maxHistory uint) (*Logger, error) {
	fr, err := rotate.Open(f, rotate.Options{
		Perm:       0660,
		MaxSize:    maxSize,
		MaxHistory: maxHistory,
		Compress:   true,
	})
	if err != nil {
		return nil, err
	}
	return New(fr), nil
}

// NewDiscardLogger swallows everything; used by tests that need a
// Logger but not its output.
func NewDiscardLogger() *Logger {
	var dc discardCloser
	return New(dc)
}

// Close shuts the Logger and every writer it still owns.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

// AddWriter attaches another writer that gets every line from now on.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	if wtr == nil {
		return errors.New("nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// AddRelay attaches a relay that gets every line from now on.
func (l *Logger) AddRelay(r Relay) error {
	if r == nil {
		return errors.New("nil relay")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.rls = append(l.rls, r)
	return nil
}

// SetLevel changes the drop threshold.
func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.Valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.lvl = lvl
	return nil
}

// SetLevelString is SetLevel taking the config-file spelling.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

// GetLevel reports the current drop threshold, OFF once closed.
func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return OFF
	}
	return l.lvl
}

// Infof logs a printf-style line at INFO.
func (l *Logger) Infof(f string, args ...interface{}) error {
	return l.outputf(DEFAULT_DEPTH, INFO, f, args...)
}

// Warnf logs a printf-style line at WARN.
func (l *Logger) Warnf(f string, args ...interface{}) error {
	return l.outputf(DEFAULT_DEPTH, WARN, f, args...)
}

// WarnfWithDepth is Warnf with an explicit caller-skip depth, used by
// AuditWarn so its fixed three-line banner always reports the audit
// subsystem's own call site rather than AuditWarn's.
func (l *Logger) WarnfWithDepth(d int, f string, args ...interface{}) error {
	return l.outputf(d, WARN, f, args...)
}

// Warn logs a structured line at WARN, with sds as RFC 5424
// structured-data parameters.
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DEFAULT_DEPTH, WARN, msg, sds...)
}

// Fatalf logs at FATAL and exits with -1; the logger is not closed first.
func (l *Logger) Fatalf(f string, args ...interface{}) {
	l.outputf(DEFAULT_DEPTH, FATAL, f, args...)
	os.Exit(-1)
}

// FatalfCode is Fatalf with a caller-chosen exit code.
func (l *Logger) FatalfCode(code int, f string, args ...interface{}) {
	l.outputf(DEFAULT_DEPTH, FATAL, f, args...)
	os.Exit(code)
}

func (l *Logger) outputf(depth int, lvl Level, f string, args ...interface{}) error {
	// +1 skips outputf's own frame so depth counts from the printf
	// wrapper, same as the structured path.
	return l.outputStructured(depth+1, lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) outputStructured(depth int, lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	gate := l.lvl
	l.mtx.Unlock()
	if gate == OFF || lvl < gate {
		return nil
	}
	ts := time.Now()
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   l.appname,
		MessageID: clampName(callLoc(depth), maxMsgID),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         defaultSDID,
			Parameters: sds,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	line := strings.TrimRight(string(b), "\n\t\r")
	return l.writeLine(lvl, ts, line)
}

func (l *Logger) writeLine(lvl Level, ts time.Time, line string) (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	for _, w := range l.wtrs {
		if _, lerr := io.WriteString(w, line+"\n"); lerr != nil {
			err = lerr
		}
	}
	for _, r := range l.rls {
		if lerr := r.WriteLog(lvl, ts, []byte(line)); lerr != nil {
			err = lerr
		}
	}
	return
}

// Write lets the Logger stand in for an io.Writer (e.g. behind the
// standard library's log package), bypassing level gating.
func (l *Logger) Write(b []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return 0, ErrNotOpen
	}
	for _, w := range l.wtrs {
		if _, err := w.Write(b); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// callLoc names the file:line that asked for the log line, trimmed to
// its enclosing directory.
func callLoc(depth int) string {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	dir, base := filepath.Split(file)
	return fmt.Sprintf("%s:%d", filepath.Join(filepath.Base(dir), base), line)
}

// clampName bounds an RFC 5424 header field to its maximum length,
// falling back to the basename when a path-shaped value is too long.
func clampName(v string, max int) string {
	if len(v) <= max {
		return v
	}
	if base := filepath.Base(v); len(base) <= max {
		return base
	}
	return v[:max]
}

type discardCloser bool

func (dc discardCloser) Write(b []byte) (int, error) { return len(b), nil }

func (dc discardCloser) Close() error { return nil }

// StderrCallback receives the override file before stderr is redirected
// onto it, so callers can stamp a banner first.
type StderrCallback func(io.Writer)

// NewStderrLogger builds a Logger on os.Stderr; a non-empty
// fileOverride redirects fd 2 into that file first (see the
// platform-specific newStderrLogger).
func NewStderrLogger(fileOverride string) (*Logger, error) {
	return newStderrLogger(fileOverride, nil)
}

func NewStderrLoggerEx(fileOverride string, cb StderrCallback) (*Logger, error) {
	return newStderrLogger(fileOverride, cb)
}

// Fixed text printed by the audit subsystem's init path when it fails to
// start logging. This is the one place the kernel core emits diagnostic
// text on its own rather than through a caller's status code; the three
// lines are kept byte-for-byte so scripts scraping console output keep
// working.
const (
	AuditWarnCouldNotStart = `        Warning: could not start audit event logging...`
	AuditWarnAllEvents     = `All events will be logged.   `
	AuditWarnAdminsOnly    = `Only audit administrators will be able to stop auditing...`
)

// AuditWarn prints the fixed three-line warning the audit subsystem
// emits when it falls back into corrupted (log-everything) mode.
func (l *Logger) AuditWarn(cause error) {
	l.WarnfWithDepth(DEFAULT_DEPTH+1, "%s %v", AuditWarnCouldNotStart, cause)
	l.WarnfWithDepth(DEFAULT_DEPTH+1, "%s", AuditWarnAllEvents)
	l.WarnfWithDepth(DEFAULT_DEPTH+1, "%s", AuditWarnAdminsOnly)
}
