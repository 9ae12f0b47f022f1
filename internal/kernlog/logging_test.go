package kernlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureWriter collects every line handed to the Logger.
type captureWriter struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.lines = append(c.lines, strings.TrimRight(string(b), "\n"))
	c.mu.Unlock()
	return len(b), nil
}

func (c *captureWriter) Close() error { return nil }

func (c *captureWriter) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

func TestLevelGating(t *testing.T) {
	cw := &captureWriter{}
	lgr := New(cw)

	require.NoError(t, lgr.SetLevel(WARN))
	require.NoError(t, lgr.Infof("info line %d", 1))
	require.NoError(t, lgr.Warnf("warn line %d", 2))

	out := cw.joined()
	require.NotContains(t, out, "info line 1", "lines below the level must be dropped")
	require.Contains(t, out, "warn line 2")
}

func TestSetLevelString(t *testing.T) {
	lgr := NewDiscardLogger()
	require.NoError(t, lgr.SetLevelString("debug"))
	require.Equal(t, DEBUG, lgr.GetLevel())
	require.Error(t, lgr.SetLevelString("shouting"))
}

func TestLevelFromString(t *testing.T) {
	for s, want := range map[string]Level{
		"OFF": OFF, "DEBUG": DEBUG, "INFO": INFO, "WARN": WARN,
		"ERROR": ERROR, "CRITICAL": CRITICAL, "FATAL": FATAL,
	} {
		got, err := LevelFromString(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}
	_, err := LevelFromString("nope")
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestMultipleWriters(t *testing.T) {
	a := &captureWriter{}
	b := &captureWriter{}
	lgr := New(a)
	require.NoError(t, lgr.AddWriter(b))

	require.NoError(t, lgr.Infof("both sinks"))
	require.Contains(t, a.joined(), "both sinks")
	require.Contains(t, b.joined(), "both sinks")
}

type captureRelay struct {
	mu    sync.Mutex
	lvls  []Level
	lines []string
}

func (c *captureRelay) WriteLog(lvl Level, _ time.Time, line []byte) error {
	c.mu.Lock()
	c.lvls = append(c.lvls, lvl)
	c.lines = append(c.lines, string(line))
	c.mu.Unlock()
	return nil
}

func TestRelayObservesLines(t *testing.T) {
	lgr := NewDiscardLogger()
	cr := &captureRelay{}
	require.NoError(t, lgr.AddRelay(cr))

	require.NoError(t, lgr.Warnf("relayed"))

	cr.mu.Lock()
	defer cr.mu.Unlock()
	require.Len(t, cr.lines, 1)
	require.Contains(t, cr.lines[0], "relayed")
	require.Equal(t, WARN, cr.lvls[0])
}

func TestStructuredWarnCarriesParams(t *testing.T) {
	cw := &captureWriter{}
	lgr := New(cw)

	require.NoError(t, lgr.Warn("structured", KV("component", "test"), KVErr(io.ErrClosedPipe)))
	out := cw.joined()
	require.Contains(t, out, "structured")
	require.Contains(t, out, "component")
	require.Contains(t, out, "test")
}

func TestCloseStopsLogging(t *testing.T) {
	cw := &captureWriter{}
	lgr := New(cw)
	require.NoError(t, lgr.Close())

	require.ErrorIs(t, lgr.Infof("after close"), ErrNotOpen)
	require.Equal(t, OFF, lgr.GetLevel())
	require.ErrorIs(t, lgr.Close(), ErrNotOpen)
}

func TestNewFileAppends(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "kern.log")

	lgr, err := NewFile(pth)
	require.NoError(t, err)
	require.NoError(t, lgr.Infof("first"))
	require.NoError(t, lgr.Close())

	lgr, err = NewFile(pth)
	require.NoError(t, err)
	require.NoError(t, lgr.Infof("second"))
	require.NoError(t, lgr.Close())

	bts, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Contains(t, string(bts), "first")
	require.Contains(t, string(bts), "second")
}

func TestKVLoggerPrependsFixedParams(t *testing.T) {
	cw := &captureWriter{}
	lgr := New(cw)
	kvl := NewLoggerWithKV(lgr, KV("component", "audit-watcher"))

	require.NoError(t, kvl.Warn("watch failed", KVErr(io.ErrUnexpectedEOF)))
	out := cw.joined()
	require.Contains(t, out, "audit-watcher")
	require.Contains(t, out, "watch failed")
	require.Contains(t, out, "unexpected EOF")
}

func TestAuditWarnBannerLines(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "auditwarn.log")
	lgr, err := NewFile(pth)
	require.NoError(t, err)

	lgr.AuditWarn(io.ErrClosedPipe)
	require.NoError(t, lgr.Close())

	bts, err := os.ReadFile(pth)
	require.NoError(t, err)
	s := string(bts)
	require.Contains(t, s, AuditWarnCouldNotStart)
	require.Contains(t, s, AuditWarnAllEvents)
	require.Contains(t, s, AuditWarnAdminsOnly)
}
