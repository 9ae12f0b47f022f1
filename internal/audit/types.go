// Package audit implements the kernel-resident security event log
//: a per-PID suspension model, a selective UID filter,
// a persisted append-only log, and a background flush server, all
// reachable through a single Control entry point.
package audit

import (
	"sync"

	"github.com/domainos/kernel/internal/auditqueue"
	"github.com/domainos/kernel/internal/ec"
	"github.com/domainos/kernel/internal/kernelapi"
	"github.com/domainos/kernel/internal/kernlog"
	"github.com/domainos/kernel/internal/uid"
)

// Flags are the audit_list header's mode bits.
type Flags uint16

const (
	FlagSelective Flags = 1 << iota
	FlagTimeout
)

// DefaultTimeoutUnits is the flush-timeout fallback when the loaded list
// has a zero timeout field, in 4-second units: 0x1E0 seconds (8 minutes).
const DefaultTimeoutUnits = 0x1E0 / 4

// MaxListEntries bounds the selective list.
const MaxListEntries = 256

// HashBuckets is the selective filter's bucket count.
const HashBuckets = 37

// ListVersionMax is the highest audit_list header version this core
// understands; anything higher is rejected.
const ListVersionMax = 1

// AdminPath is the naming-layer path AUDIT resolves to check
// administrator rights.
const AdminPath = "//node_data/audit"

// Config bundles the paths and tunables Subsystem needs at construction.
type Config struct {
	// ListPath is the filesystem path audit_list is loaded from and
	// watched on.
	ListPath string
	// LogPath is the bbolt-backed append log's file path.
	LogPath string

	// QueueCachePath optionally enables auditqueue's disk-spill cache
	// directory for the log-event buffer. Empty disables disk
	// spill; the buffer is then purely in-memory.
	QueueCachePath string
}

// Deps bundles the pinned collaborators AUDIT consumes.
type Deps struct {
	ACL   kernelapi.ACL
	Name  kernelapi.Name
	Proc1 kernelapi.Proc1
	Time  kernelapi.Time
	Log   *kernlog.Logger
}

// Subsystem is the AUDIT process-wide block: one instance
// per kernel, guarded by a single exclusion lock. The lock is a leaf:
// no other lock may be acquired while it is held.
type Subsystem struct {
	mu sync.Mutex // the AUDIT exclusion lock

	enabled   bool
	corrupted bool

	suspendMu sync.Mutex
	suspend   map[int16]int16

	list *list
	log  *log

	// queue buffers encoded event records between logEventS (the
	// producer, called on PROC2's signal path) and the background
	// writer drained in Init.
	queue     *auditqueue.Queue
	queueOnce sync.Once

	ec *ec.Counter

	serverRunning bool
	serverCancel  func()
	serverDone    chan struct{}

	cfg  Config
	deps Deps

	watcher *watcher
}

// New allocates an unstarted Subsystem.
func New(cfg Config, deps Deps) *Subsystem {
	// NewQueue only errors when QueueCachePath is set and unusable; fall
	// back to a purely in-memory buffer rather than failing construction
	// over a spill directory.
	q, err := auditqueue.NewQueue(1000, cfg.QueueCachePath, 0)
	if err != nil {
		q, _ = auditqueue.NewQueue(1000, "", 0)
	}
	return &Subsystem{
		suspend: make(map[int16]int16),
		list:    newList(),
		queue:   q,
		ec:      ec.New(),
		cfg:     cfg,
		deps:    deps,
	}
}

// LogEvent is the narrow surface PROC2 calls into from the signal core
// (AUDIT_$LOG_EVENT, called from PROC2's signal path) and
// satisfies proc2.AuditLogger structurally.
func (s *Subsystem) LogEvent(eventType int, target uid.UID, data []byte) error {
	return s.logEventS(target, uint16(eventType), 0, data)
}
