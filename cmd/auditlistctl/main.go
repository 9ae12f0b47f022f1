// Command auditlistctl authors an audit_list file for the AUDIT
// subsystem's selective filter, writing through a file lock and an
// atomic rename so the kernel never loads a torn list.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/domainos/kernel/internal/audit"
	"github.com/domainos/kernel/internal/uid"
)

var (
	out       = flag.String("out", "", "path to write the audit_list file to")
	timeout   = flag.Uint("timeout-seconds", 0, "flush timeout in seconds, rounded down to 4-second units (0 = use AUDIT's default)")
	selective = flag.Bool("selective", true, "set the SELECTIVE flag (only listed UIDs are logged)")
	withTO    = flag.Bool("with-timeout", false, "set the TIMEOUT flag (server wakes on the timeout as well as new events)")
	uidsFlag  = flag.String("uids", "", "comma-separated high:low hex UID pairs to include, e.g. deadbeef:1,cafef00d:2")
)

func main() {
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "auditlistctl: -out is required")
		os.Exit(2)
	}

	entries, err := parseUIDs(*uidsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditlistctl: %v\n", err)
		os.Exit(2)
	}

	var flags audit.Flags
	if *selective {
		flags |= audit.FlagSelective
	}
	if *withTO {
		flags |= audit.FlagTimeout
	}

	listUID := (uid.Generator{}).New()
	units := uint16(*timeout / 4)

	if err := audit.WriteList(*out, listUID, units, entries, flags); err != nil {
		fmt.Fprintf(os.Stderr, "auditlistctl: write failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("auditlistctl: wrote %d entries to %s (list uid %s)\n", len(entries), *out, listUID)
}

func parseUIDs(s string) ([]uid.UID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uid.UID, 0, len(parts))
	for _, p := range parts {
		hl := strings.SplitN(p, ":", 2)
		if len(hl) != 2 {
			return nil, fmt.Errorf("bad uid pair %q, want high:low", p)
		}
		var high, low uint32
		if _, err := fmt.Sscanf(hl[0], "%x", &high); err != nil {
			return nil, fmt.Errorf("bad high word %q: %w", hl[0], err)
		}
		if _, err := fmt.Sscanf(hl[1], "%x", &low); err != nil {
			return nil, fmt.Errorf("bad low word %q: %w", hl[1], err)
		}
		out = append(out, uid.UID{High: high, Low: low})
	}
	return out, nil
}
