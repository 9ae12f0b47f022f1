//go:build linux
// +build linux

// kernlog: RFC 5424 structured logging support.

package kernlog

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

// newStderrLogger builds a Logger writing RFC5424 lines to os.Stderr. If
// fileOverride is set, stderr is first duped aside and the override file
// is duped onto fd 2, so anything else writing to stderr (panics, child
// processes) lands in the file; a critLevelRelay then mirrors this
// Logger's own ERROR-and-above lines back to the preserved original
// stderr, so operators still see kernel crashes on the console.
func newStderrLogger(fileOverride string, cb StderrCallback) (lgr *Logger, err error) {
	var oldStderr io.WriteCloser
	if len(fileOverride) > 0 {
		var fout *os.File
		if fout, err = os.Create(fileOverride); err != nil {
			return
		}
		if cb != nil {
			cb(fout)
		}

		var dupFd int
		if dupFd, err = syscall.Dup(int(os.Stderr.Fd())); err != nil {
			fout.Close()
			return
		}
		oldStderr = os.NewFile(uintptr(dupFd), "oldstderr")

		if err = syscall.Dup3(int(fout.Fd()), int(os.Stderr.Fd()), 0); err != nil {
			fout.Close()
			return
		}
	}

	lgr = New(os.Stderr)
	if oldStderr != nil {
		if rerr := lgr.AddRelay(&critLevelRelay{raw: oldStderr}); rerr != nil {
			err = rerr
		}
	}
	return
}

// critLevelRelay mirrors ERROR-and-above lines to a separate writer,
// used to keep crash/error output visible on the console when the
// Logger's own output has been redirected to a file.
type critLevelRelay struct {
	raw io.WriteCloser
}

func (c *critLevelRelay) WriteLog(l Level, ts time.Time, line []byte) (err error) {
	if l < ERROR || c.raw == nil {
		return nil
	}
	_, err = fmt.Fprintf(c.raw, "%s\n", line)
	return
}

func (c *critLevelRelay) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
