// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package admin implements §4.6's dump-and-control surface: a small
// argument grammar accepted over an opaque human-readable fd, validated
// by hand (cobra's own flag package does not enforce the exact
// error-vs-help-text rules this surface needs) and routed to the
// collection controller and the supervisor.
package admin

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/antimetal/carwatchdogd/internal/watchdog/collection"
	"github.com/antimetal/carwatchdogd/internal/watchdog/sampler"
	"github.com/antimetal/carwatchdogd/internal/watchdog/supervisor"
	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

const helpText = `usage:
  --start_io [--interval SEC] [--max_duration SEC] [--filter_packages CSV]
                 start a custom collection window
  --end_io       end the active custom collection and dump its records
  -h, --help     print this message
  (no args)      dump supervisor status, boot-time report and periodic report
`

// Dispatcher routes §4.6 admin verbs to the collection controller and the
// supervisor, enforcing the SYSTEM-UID gate on every privileged call.
type Dispatcher struct {
	collection *collection.Controller
	supervisor *supervisor.Supervisor
	systemUID  int32
}

func New(c *collection.Controller, s *supervisor.Supervisor, systemUID int32) *Dispatcher {
	return &Dispatcher{collection: c, supervisor: s, systemUID: systemUID}
}

// Dispatch parses args and writes human-readable output to out. callerUID
// is the effective UID of the process that issued the call; every verb
// except plain client registration (not reachable through this surface at
// all) requires it to equal the configured SYSTEM UID.
func (d *Dispatcher) Dispatch(out io.Writer, callerUID int32, args []string) error {
	if callerUID != d.systemUID {
		return fmt.Errorf("%w: admin dispatch requires the SYSTEM UID", werrors.ErrAuthDenied)
	}

	verb, opts, err := parseArgs(args)
	if err != nil {
		io.WriteString(out, helpText)
		return fmt.Errorf("%w: %s", werrors.ErrInvalidInput, err)
	}

	switch verb {
	case verbHelp:
		io.WriteString(out, helpText)
		return nil
	case verbStartIO:
		return d.startIO(out, opts)
	case verbEndIO:
		return d.endIO(out)
	case verbDump:
		return d.dump(out)
	default:
		io.WriteString(out, helpText)
		return fmt.Errorf("%w: unrecognized verb", werrors.ErrInvalidInput)
	}
}

func (d *Dispatcher) startIO(out io.Writer, opts map[string]string) error {
	interval := collection.DefaultCustomCollectionInterval
	maxDuration := collection.DefaultCustomCollectionDuration
	var filter []string

	if v, ok := opts["interval"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			io.WriteString(out, helpText)
			return fmt.Errorf("%w: --interval must be an integer number of seconds", werrors.ErrInvalidInput)
		}
		interval = time.Duration(secs) * time.Second
	}
	if v, ok := opts["max_duration"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			io.WriteString(out, helpText)
			return fmt.Errorf("%w: --max_duration must be an integer number of seconds", werrors.ErrInvalidInput)
		}
		maxDuration = time.Duration(secs) * time.Second
	}
	if v, ok := opts["filter_packages"]; ok && v != "" {
		filter = strings.Split(v, ",")
	}

	if err := d.collection.StartCustom(interval, maxDuration, filter); err != nil {
		return err
	}
	fmt.Fprintf(out, "started custom collection: interval=%s max_duration=%s filter=%v\n", interval, maxDuration, filter)
	return nil
}

func (d *Dispatcher) endIO(out io.Writer) error {
	// Snapshot first: ending the custom collection discards its records.
	dump := d.collection.Dump()
	if err := d.collection.EndCustom(); err != nil {
		return err
	}
	writeRecords(out, "custom", dump.CustomRecords)
	return nil
}

func (d *Dispatcher) dump(out io.Writer) error {
	if d.supervisor != nil {
		st := d.supervisor.Dump()
		fmt.Fprintf(out, "supervisor: enabled=%v monitor_registered=%v clients=%d stopped_users=%v\n",
			st.Enabled, st.MonitorRegistered, len(st.Clients), st.StoppedUsers)
		for _, c := range st.Clients {
			fmt.Fprintf(out, "  pid=%d uid=%d tier=%v role=%v\n", c.PID, c.UID, c.Tier, c.Role)
		}
	}
	cdump := d.collection.Dump()
	fmt.Fprintf(out, "collection: mode=%v\n", cdump.Mode)
	writeCollectorStatus(out, cdump.CollectorStatus)
	writeRecords(out, "boot-time", cdump.BootRecords)
	writeRecords(out, "periodic", cdump.PeriodicRecords)
	return nil
}

// writeCollectorStatus prints one "disabled: <path> not accessible" line
// per sampler whose construction-time access probe failed, matching
// dumpCollectorsStatusLocked.
func writeCollectorStatus(out io.Writer, st collection.CollectorStatus) {
	if !st.UIDIOEnabled {
		fmt.Fprintf(out, "disabled: %s not accessible\n", sampler.UIDIOSource)
	}
	if !st.SystemEnabled {
		fmt.Fprintf(out, "disabled: %s not accessible\n", sampler.ProcStatSource)
	}
	if !st.ProcessEnabled {
		fmt.Fprintf(out, "disabled: %s not accessible\n", sampler.ProcDirSource)
	}
}

func writeRecords(out io.Writer, label string, records []watchdog.Record) {
	fmt.Fprintf(out, "%s records: %d\n", label, len(records))
}

type verb int

const (
	verbDump verb = iota
	verbStartIO
	verbEndIO
	verbHelp
)

// parseArgs implements §4.6's input validation: each flag accepts exactly
// one value, unknown flags are errors, and too many positional args are
// errors. No args means the dump verb.
func parseArgs(args []string) (verb, map[string]string, error) {
	if len(args) == 0 {
		return verbDump, nil, nil
	}

	switch args[0] {
	case "-h", "--help":
		if len(args) > 1 {
			return 0, nil, fmt.Errorf("unexpected arguments after %s", args[0])
		}
		return verbHelp, nil, nil
	case "--start_io":
		opts, err := parseFlags(args[1:], map[string]bool{
			"--interval":        true,
			"--max_duration":    true,
			"--filter_packages": true,
		})
		return verbStartIO, opts, err
	case "--end_io":
		if len(args) > 1 {
			return 0, nil, fmt.Errorf("--end_io takes no arguments")
		}
		return verbEndIO, nil, nil
	default:
		return 0, nil, fmt.Errorf("unrecognized flag %q", args[0])
	}
}

// parseFlags accepts only flags present in allowed, each followed by
// exactly one value, and rejects any positional argument that is not a
// flag's value.
func parseFlags(args []string, allowed map[string]bool) (map[string]string, error) {
	opts := make(map[string]string)
	i := 0
	for i < len(args) {
		flag := args[i]
		if !allowed[flag] {
			return nil, fmt.Errorf("unrecognized flag %q", flag)
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %q requires a value", flag)
		}
		name := strings.TrimPrefix(flag, "--")
		if _, dup := opts[name]; dup {
			return nil, fmt.Errorf("flag %q specified more than once", flag)
		}
		opts[name] = args[i+1]
		i += 2
	}
	return opts, nil
}
