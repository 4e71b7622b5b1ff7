// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/go-logr/logr"
)

var _ ProcStatSampler = (*ProcStat)(nil)

// ProcStat reads /proc/stat: the aggregate "cpu " line (ten counters) plus
// procs_running and procs_blocked. Unlike a general-purpose system-metrics
// collector, this sampler is strict: exactly one of each required line is
// expected, any other procs_* line is an error, and duplicates of any
// required line are errors — the daemon would rather fail the tick than
// silently average over an unexpected kernel format.
type ProcStat struct {
	logger  logr.Logger
	path    string
	enabled bool
}

func NewProcStat(logger logr.Logger, path string) *ProcStat {
	if path == "" {
		path = ProcStatSource
	}
	_, err := os.Open(path)
	return &ProcStat{
		logger:  logger.WithName("proc_stat"),
		path:    path,
		enabled: err == nil,
	}
}

func (p *ProcStat) Name() string  { return "proc_stat" }
func (p *ProcStat) Enabled() bool { return p.enabled }

func (p *ProcStat) Sample(ctx context.Context) (watchdog.SystemStat, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return watchdog.SystemStat{}, fmt.Errorf("opening %s: %w", p.path, err)
	}
	defer f.Close()

	var (
		stat       watchdog.SystemStat
		haveCPU    bool
		haveRun    bool
		haveBlocked bool
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "cpu "):
			if haveCPU {
				return watchdog.SystemStat{}, fmt.Errorf("%s: duplicate aggregate cpu line", p.path)
			}
			cpu, err := parseCPULine(line)
			if err != nil {
				return watchdog.SystemStat{}, fmt.Errorf("%s: %w", p.path, err)
			}
			stat.CPU = cpu
			haveCPU = true

		case strings.HasPrefix(line, "procs_running"):
			if haveRun {
				return watchdog.SystemStat{}, fmt.Errorf("%s: duplicate procs_running line", p.path)
			}
			n, err := parseProcsCount(line, "procs_running")
			if err != nil {
				return watchdog.SystemStat{}, fmt.Errorf("%s: %w", p.path, err)
			}
			stat.RunnableProcesses = n
			haveRun = true

		case strings.HasPrefix(line, "procs_blocked"):
			if haveBlocked {
				return watchdog.SystemStat{}, fmt.Errorf("%s: duplicate procs_blocked line", p.path)
			}
			n, err := parseProcsCount(line, "procs_blocked")
			if err != nil {
				return watchdog.SystemStat{}, fmt.Errorf("%s: %w", p.path, err)
			}
			stat.IOBlockedProcesses = n
			haveBlocked = true

		case strings.HasPrefix(line, "procs_"):
			return watchdog.SystemStat{}, fmt.Errorf("%s: unrecognized procs_ line: %q", p.path, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return watchdog.SystemStat{}, fmt.Errorf("scanning %s: %w", p.path, err)
	}

	if !haveCPU {
		return watchdog.SystemStat{}, fmt.Errorf("%s: missing aggregate cpu line", p.path)
	}
	if !haveRun {
		return watchdog.SystemStat{}, fmt.Errorf("%s: missing procs_running line", p.path)
	}
	if !haveBlocked {
		return watchdog.SystemStat{}, fmt.Errorf("%s: missing procs_blocked line", p.path)
	}

	p.logger.V(1).Info("sampled proc/stat", "runnable", stat.RunnableProcesses, "blocked", stat.IOBlockedProcesses)
	return stat, nil
}

// parseCPULine parses the ten-counter aggregate "cpu " line. The second
// field (after the "cpu" token) is conventionally empty due to the double
// space before the first counter; §4.1 says to ignore it rather than
// require it to be a number.
func parseCPULine(line string) (watchdog.CPUStats, error) {
	fields := strings.Fields(line)
	if len(fields) < 11 {
		return watchdog.CPUStats{}, fmt.Errorf("cpu line has %d fields, want 11 (cpu + 10 counters)", len(fields))
	}
	// fields[0] == "cpu"; fields[1..10] are the ten counters.
	vals := make([]uint64, 10)
	for i := 0; i < 10; i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return watchdog.CPUStats{}, fmt.Errorf("parsing cpu counter %d (%q): %w", i, fields[i+1], err)
		}
		vals[i] = v
	}
	return watchdog.CPUStats{
		User: vals[0], Nice: vals[1], System: vals[2], Idle: vals[3], IOWait: vals[4],
		IRQ: vals[5], SoftIRQ: vals[6], Steal: vals[7], Guest: vals[8], GuestNice: vals[9],
	}, nil
}

func parseProcsCount(line, prefix string) (uint32, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, fmt.Errorf("%s line has %d fields, want 2", prefix, len(fields))
	}
	v, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s value %q: %w", prefix, fields[1], err)
	}
	return uint32(v), nil
}
