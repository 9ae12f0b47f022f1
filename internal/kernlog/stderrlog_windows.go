//go:build windows
// +build windows

// kernlog: RFC 5424 structured logging support.

package kernlog

import (
	"errors"
)

func newStderrLogger(fileOverride string, cb StderrCallback) (lgr *Logger, err error) {
	err = errors.New("stderr logger not avialable on windows")
	return
}
