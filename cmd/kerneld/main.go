// Command kerneld wires PROC2, FIM and AUDIT together over the
// in-memory kernelapi/sim collaborators and runs a short fork/wait
// smoke scenario: fork a child, complete the vfork, exit it,
// reap it. It is not a real init process: there is no
// scheduler below it, just the pinned interfaces' simulation.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/domainos/kernel/internal/audit"
	"github.com/domainos/kernel/internal/fim"
	"github.com/domainos/kernel/internal/kernelapi"
	"github.com/domainos/kernel/internal/kernelapi/sim"
	"github.com/domainos/kernel/internal/kernlog"
	"github.com/domainos/kernel/internal/proc2"
	"github.com/domainos/kernel/internal/status"
)

var (
	listPath   = flag.String("audit-list", "", "path to the audit_list file (empty disables selective auditing)")
	logPath    = flag.String("audit-log", "/tmp/kerneld-audit.bolt", "path to the bbolt-backed audit log file")
	logLevel   = flag.String("log-level", "INFO", "kernel diagnostic log level (DEBUG, INFO, WARN, ERROR, CRITICAL)")
	kernelLog  = flag.String("kernel-log", "", "path to a rotating kernel diagnostic log file (empty logs to stderr)")
	maxLogSize = flag.Int64("kernel-log-max-size", 4*1024*1024, "size in bytes at which -kernel-log rotates")
)

func main() {
	flag.Parse()

	var lg *kernlog.Logger
	var err error
	if *kernelLog != "" {
		lg, err = kernlog.NewRotatingFile(*kernelLog, *maxLogSize, 3)
	} else {
		lg, err = kernlog.NewStderrLogger("")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: logger init failed: %v\n", err)
		os.Exit(1)
	}
	if err := lg.SetLevelString(*logLevel); err != nil {
		lg.Warnf("kerneld: invalid -log-level %q, keeping default", *logLevel)
	}
	kernlog.PrintOSInfo(os.Stderr)

	defer func() {
		if r := recover(); r != nil {
			if c, ok := r.(status.Crash); ok {
				lg.FatalfCode(int(c.Code.Value), "kernel crash: %s", c.Reason)
			}
			lg.Fatalf("kerneld: unrecoverable panic: %v", r)
		}
	}()

	run(lg)
}

func run(lg *kernlog.Logger) {
	proc1 := sim.NewProc1()
	mst := sim.NewMST()
	acl := sim.NewACL()
	name := sim.NewName()
	file := sim.NewFile()
	tme := sim.NewTime()
	xpd := sim.NewXPD()

	fimMgr := fim.New(fim.Deps{ACL: acl, XPD: xpd})

	auditSub := audit.New(audit.Config{
		ListPath: *listPath,
		LogPath:  *logPath,
	}, audit.Deps{ACL: acl, Name: name, Proc1: proc1, Time: tme, Log: lg})
	auditSub.Init()
	defer auditSub.Shutdown()

	table := proc2.New(proc2.Deps{
		Proc1: proc1, MST: mst, ACL: acl, Name: name, File: file, Time: tme, XPD: xpd,
		Acct:        kernelapi.NewHostAccounting(),
		FIM:         fimMgr,
		AuditLogger: auditSub,
	})

	initIdx, err := table.Create(proc2.CreateParams{
		Parent:    proc2.NoIndex,
		EntryAddr: 0x1000,
		StackSize: 4096,
		Session:   1,
	})
	if err != nil {
		lg.Fatalf("kerneld: could not create init process: %v", err)
	}
	fimMgr.Init(table.InfoByIndex(initIdx).ASID, 0x2000)
	lg.Infof("kerneld: init process created, upid=%d", table.InfoByIndex(initIdx).UPID)

	// Fork with fork_flags=0 is a vfork: the parent blocks until the
	// child runs its half of the handshake, so the "child" side of the
	// demo runs on its own goroutine, discovering its slot through the
	// parent's child list the way a real child finds itself by PID.
	go func() {
		for {
			if child := table.FirstChildOf(initIdx); child != proc2.NoIndex {
				if err := table.CompleteVfork(child); err != nil {
					lg.Warnf("kerneld: complete_vfork failed: %v", err)
				}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	childIdx, err := table.Fork(proc2.ForkParams{Parent: initIdx, StackSize: 4096, ForkFlags: 0})
	if err != nil {
		lg.Fatalf("kerneld: fork failed: %v", err)
	}
	lg.Infof("kerneld: child forked, upid=%d", table.InfoByIndex(childIdx).UPID)

	table.Exit(childIdx, 7)

	res, err := table.Wait(initIdx, -1, proc2.WaitOptions{}, nil)
	if err != nil {
		lg.Fatalf("kerneld: wait failed: %v", err)
	}
	lg.Infof("kerneld: reaped upid=%d status=%#x", res.UPID, res.Status)
}
