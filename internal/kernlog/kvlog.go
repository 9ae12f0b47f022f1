// kernlog: RFC 5424 structured logging support.

package kernlog

import (
	"github.com/crewjam/rfc5424"
)

// KVLogger wraps a Logger with a fixed set of structured-data params
// (e.g. which audit component emitted the line) that get prepended to
// every call, so call sites don't have to repeat them.
type KVLogger struct {
	*Logger
	sds []rfc5424.SDParam
}

func NewLoggerWithKV(l *Logger, sds ...rfc5424.SDParam) *KVLogger {
	return &KVLogger{
		Logger: l,
		sds:    sds,
	}
}

// Warn writes a WARN level log to the underlying writer, prepending the
// KVLogger's fixed params ahead of sds.
func (kvl *KVLogger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH, WARN, msg, append(kvl.sds, sds...)...)
}

// AddKV adds additional fixed params to the KV logger.
func (kvl *KVLogger) AddKV(sds ...rfc5424.SDParam) {
	kvl.sds = append(kvl.sds, sds...)
}
