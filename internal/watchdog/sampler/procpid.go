// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/go-logr/logr"
)

var _ ProcPidSampler = (*ProcPidStat)(nil)

// ProcPidStat walks /proc/[pid] and parses each process's stat, status,
// and task/[tid]/stat files into a ProcessStats tree.
//
// There is no teacher collector for this source (the teacher's types.go
// declares ProcessStats/MetricTypeProcess but no collector implements
// them); the parsing rules here are grounded directly on
// ProcPidStat.cpp/.h instead.
type ProcPidStat struct {
	logger  logr.Logger
	path    string
	enabled bool
}

func NewProcPidStat(logger logr.Logger, path string) *ProcPidStat {
	if path == "" {
		path = ProcDirSource
	}
	_, err := os.Open(path)
	return &ProcPidStat{
		logger:  logger.WithName("proc_pid_stat"),
		path:    path,
		enabled: err == nil,
	}
}

func (p *ProcPidStat) Name() string  { return "proc_pid_stat" }
func (p *ProcPidStat) Enabled() bool { return p.enabled }

func (p *ProcPidStat) Sample(ctx context.Context) (map[int32]watchdog.ProcessStats, error) {
	entries, err := os.ReadDir(p.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p.path, err)
	}

	result := make(map[int32]watchdog.ProcessStats)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid64, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue // not a numeric PID directory
		}
		pid := int32(pid64)

		stat, ok, err := p.readPidStatFile(filepath.Join(p.path, entry.Name(), "stat"))
		if err != nil {
			return nil, fmt.Errorf("reading stat for pid %d: %w", pid, err)
		}
		if !ok {
			// PID disappeared between directory scan and file open: soft, skip.
			p.logger.V(1).Info("pid stat unavailable, skipping", "pid", pid)
			continue
		}

		uid, tgid, ok, err := p.readPidStatus(filepath.Join(p.path, entry.Name(), "status"))
		if err != nil {
			return nil, fmt.Errorf("reading status for pid %d: %w", pid, err)
		}
		if !ok {
			p.logger.V(1).Info("pid status unavailable, skipping", "pid", pid)
			continue
		}

		if tgid != pid {
			// Thread appearing as its own PID directory; not a process.
			continue
		}

		proc := watchdog.ProcessStats{
			TGID:    tgid,
			UID:     uid,
			Process: stat,
			Threads: make(map[int32]watchdog.PidStat),
		}

		taskDir := filepath.Join(p.path, entry.Name(), "task")
		taskEntries, err := os.ReadDir(taskDir)
		if err != nil {
			// No task directory is a soft condition; the process stats
			// alone are still collected.
			p.logger.V(1).Info("task directory unavailable", "pid", pid, "error", err)
			taskEntries = nil
		}

		didReadMainThread := false
		for _, taskEntry := range taskEntries {
			if !taskEntry.IsDir() {
				continue
			}
			tid64, err := strconv.ParseInt(taskEntry.Name(), 10, 32)
			if err != nil {
				continue
			}
			tid := int32(tid64)

			if _, exists := proc.Threads[tid]; exists {
				return nil, fmt.Errorf("duplicate thread stats for tid %d under pid %d", tid, pid)
			}

			threadStat, ok, err := p.readPidStatFile(filepath.Join(taskDir, taskEntry.Name(), "stat"))
			if err != nil {
				return nil, fmt.Errorf("reading thread stat for tid %d (pid %d): %w", tid, pid, err)
			}
			if !ok {
				p.logger.V(1).Info("thread stat unavailable, skipping", "pid", pid, "tid", tid)
				continue
			}

			if threadStat.PID == pid {
				didReadMainThread = true
			}
			proc.Threads[threadStat.PID] = threadStat
		}

		if !didReadMainThread {
			// Race with termination: synthesize a thread record from the
			// process fields so the threads map is never empty.
			proc.Threads[pid] = watchdog.PidStat{
				PID:            pid,
				Comm:           stat.Comm,
				State:          stat.State,
				PPID:           stat.PPID,
				NumThreads:     stat.NumThreads,
				StartTimeTicks: stat.StartTimeTicks,
			}
		}

		result[pid] = proc
	}

	p.logger.V(1).Info("sampled /proc pid tree", "processes", len(result))
	return result, nil
}

// readPidStatFile reads and parses one stat file. A file-open failure is
// soft (ok=false, err=nil); malformed content is a hard error.
func (p *ProcPidStat) readPidStatFile(path string) (watchdog.PidStat, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return watchdog.PidStat{}, false, nil
	}

	content := strings.TrimRight(string(data), "\n")
	if strings.Contains(content, "\n") {
		return watchdog.PidStat{}, false, fmt.Errorf("%s: expected a single line", path)
	}

	stat, err := parsePidStatLine(content)
	if err != nil {
		return watchdog.PidStat{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return stat, true, nil
}

// parsePidStatLine implements the comm-parenthesis reconstruction and
// fixed post-comm field offsets documented in §4.1 and
// ProcPidStat.cpp's parsePidStatLine.
func parsePidStatLine(line string) (watchdog.PidStat, error) {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return watchdog.PidStat{}, fmt.Errorf("too few fields: %q", line)
	}

	pid, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return watchdog.PidStat{}, fmt.Errorf("parsing pid: %w", err)
	}

	// comm is enclosed in ( ) and may itself contain spaces; scan forward
	// from field 1 for the token ending in ")".
	var commFields []string
	commEndOffset := -1
	for i := 1; i < len(fields); i++ {
		commFields = append(commFields, fields[i])
		if strings.HasSuffix(fields[i], ")") {
			commEndOffset = i - 1
			break
		}
	}
	if commEndOffset < 0 {
		return watchdog.PidStat{}, fmt.Errorf("comm field not terminated: %q", line)
	}
	comm := strings.Join(commFields, " ")
	if !strings.HasPrefix(comm, "(") || !strings.HasSuffix(comm, ")") {
		return watchdog.PidStat{}, fmt.Errorf("comm field not enclosed in parentheses: %q", comm)
	}
	comm = comm[1 : len(comm)-1]

	// Required fields live at fixed offsets past commEndOffset.
	stateIdx := 2 + commEndOffset
	ppidIdx := 3 + commEndOffset
	majorFaultsIdx := 11 + commEndOffset
	numThreadsIdx := 19 + commEndOffset
	startTimeIdx := 21 + commEndOffset

	if len(fields) < 22+commEndOffset {
		return watchdog.PidStat{}, fmt.Errorf("too few fields (%d) for comm offset %d: %q", len(fields), commEndOffset, line)
	}

	ppid, err := strconv.ParseInt(fields[ppidIdx], 10, 32)
	if err != nil {
		return watchdog.PidStat{}, fmt.Errorf("parsing ppid: %w", err)
	}
	majorFaults, err := strconv.ParseUint(fields[majorFaultsIdx], 10, 64)
	if err != nil {
		return watchdog.PidStat{}, fmt.Errorf("parsing major faults: %w", err)
	}
	numThreads, err := strconv.ParseUint(fields[numThreadsIdx], 10, 32)
	if err != nil {
		return watchdog.PidStat{}, fmt.Errorf("parsing num threads: %w", err)
	}
	startTime, err := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	if err != nil {
		return watchdog.PidStat{}, fmt.Errorf("parsing start time: %w", err)
	}

	state := byte(0)
	if len(fields[stateIdx]) > 0 {
		state = fields[stateIdx][0]
	}

	return watchdog.PidStat{
		PID:            int32(pid),
		Comm:           comm,
		State:          state,
		PPID:           int32(ppid),
		MajorFaults:    majorFaults,
		NumThreads:     uint32(numThreads),
		StartTimeTicks: startTime,
	}, nil
}

// readPidStatus reads the Uid/Tgid lines from a status file. A file-open
// failure is soft; missing or duplicate required lines are hard errors.
func (p *ProcPidStat) readPidStatus(path string) (uid int32, tgid int32, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return 0, 0, false, nil
	}

	var didReadUID, didReadTgid bool
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "Uid:"):
			if didReadUID {
				return 0, 0, false, fmt.Errorf("%s: duplicate Uid line: %q", path, line)
			}
			fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
			if len(fields) < 1 {
				return 0, 0, false, fmt.Errorf("%s: invalid Uid line: %q", path, line)
			}
			v, parseErr := strconv.ParseInt(fields[0], 10, 32)
			if parseErr != nil {
				return 0, 0, false, fmt.Errorf("%s: invalid Uid line: %q", path, line)
			}
			uid = int32(v)
			didReadUID = true

		case strings.HasPrefix(line, "Tgid:"):
			if didReadTgid {
				return 0, 0, false, fmt.Errorf("%s: duplicate Tgid line: %q", path, line)
			}
			fields := strings.Fields(strings.TrimPrefix(line, "Tgid:"))
			if len(fields) != 1 {
				return 0, 0, false, fmt.Errorf("%s: invalid Tgid line: %q", path, line)
			}
			v, parseErr := strconv.ParseInt(fields[0], 10, 32)
			if parseErr != nil {
				return 0, 0, false, fmt.Errorf("%s: invalid Tgid line: %q", path, line)
			}
			tgid = int32(v)
			didReadTgid = true
		}
	}

	if !didReadUID || !didReadTgid {
		return 0, 0, false, fmt.Errorf("%s: missing Uid or Tgid line", path)
	}
	return uid, tgid, true, nil
}
