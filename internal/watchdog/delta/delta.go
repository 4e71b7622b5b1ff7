// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package delta implements §4.2: it retains the previous sample of each
// source and computes per-entity deltas on every new sample, clamping
// negative raw deltas to zero and revalidating PID/TID identity by
// start-time before subtracting, per SPEC_FULL §9's reuse note. Grounded
// on the collect() methods of UidIoStats.cpp, ProcStat.cpp and
// ProcPidStat.cpp, which all follow the same "diff against cache, then
// replace cache wholesale" shape.
package delta

import (
	"sync"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
)

// Engine holds the last-snapshot cache for all three sources. One Engine
// lives for the lifetime of the daemon and is only ever touched from the
// collection goroutine; its methods still serialize on an internal mutex.
type Engine struct {
	mu sync.Mutex

	lastUIDIO   map[int32]watchdog.UIDIOStats
	lastSystem  watchdog.CPUStats
	haveSystem  bool
	lastProcess map[int32]watchdog.ProcessStats
}

func NewEngine() *Engine {
	return &Engine{}
}

// UIDIOUsage is the per-UID delta emitted by the UID I/O delta step: the
// same shape as watchdog.UIDIOStats but explicitly a difference, with
// negative raw deltas clamped to zero.
type UIDIOUsage = watchdog.UIDIOStats

// UIDIO computes the per-UID delta against the cached previous sample and
// replaces the cache with the new sample wholesale.
func (e *Engine) UIDIO(sample map[int32]watchdog.UIDIOStats) map[int32]UIDIOUsage {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[int32]UIDIOUsage, len(sample))
	for uid, cur := range sample {
		prev, ok := e.lastUIDIO[uid]
		if !ok {
			prev = watchdog.UIDIOStats{}
		}
		out[uid] = watchdog.UIDIOStats{
			UID:        uid,
			Foreground: clampSub(cur.Foreground, prev.Foreground),
			Background: clampSub(cur.Background, prev.Background),
		}
	}
	e.lastUIDIO = sample
	return out
}

func clampSub(cur, prev watchdog.IOUsage) watchdog.IOUsage {
	return watchdog.IOUsage{
		ReadChars:  clampSubU64(cur.ReadChars, prev.ReadChars),
		WriteChars: clampSubU64(cur.WriteChars, prev.WriteChars),
		ReadBytes:  clampSubU64(cur.ReadBytes, prev.ReadBytes),
		WriteBytes: clampSubU64(cur.WriteBytes, prev.WriteBytes),
		FsyncCount: clampSubU64(cur.FsyncCount, prev.FsyncCount),
	}
}

func clampSubU64(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// System computes the CPU-time delta against the cached previous sample
// (process counts pass through unchanged, as absolutes) and replaces the
// cache.
func (e *Engine) System(sample watchdog.SystemStat) watchdog.SystemStat {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := sample
	if e.haveSystem {
		out.CPU = watchdog.CPUStats{
			User:      clampSubU64(sample.CPU.User, e.lastSystem.User),
			Nice:      clampSubU64(sample.CPU.Nice, e.lastSystem.Nice),
			System:    clampSubU64(sample.CPU.System, e.lastSystem.System),
			Idle:      clampSubU64(sample.CPU.Idle, e.lastSystem.Idle),
			IOWait:    clampSubU64(sample.CPU.IOWait, e.lastSystem.IOWait),
			IRQ:       clampSubU64(sample.CPU.IRQ, e.lastSystem.IRQ),
			SoftIRQ:   clampSubU64(sample.CPU.SoftIRQ, e.lastSystem.SoftIRQ),
			Steal:     clampSubU64(sample.CPU.Steal, e.lastSystem.Steal),
			Guest:     clampSubU64(sample.CPU.Guest, e.lastSystem.Guest),
			GuestNice: clampSubU64(sample.CPU.GuestNice, e.lastSystem.GuestNice),
		}
	}
	e.lastSystem = sample.CPU
	e.haveSystem = true
	return out
}

// Process computes the per-PID/per-TID major-faults delta, keyed on PID
// but revalidated by start-time: an unchanged start-time subtracts the
// cached major faults; a changed or new start-time emits the new counters
// unchanged. The cache is then replaced wholesale.
func (e *Engine) Process(sample map[int32]watchdog.ProcessStats) map[int32]watchdog.ProcessStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[int32]watchdog.ProcessStats, len(sample))
	for pid, cur := range sample {
		cached, ok := e.lastProcess[pid]
		if !ok || cached.Process.StartTimeTicks != cur.Process.StartTimeTicks {
			out[pid] = cur
			continue
		}

		deltaProc := cur
		deltaProc.Process.MajorFaults = clampSubU64(cur.Process.MajorFaults, cached.Process.MajorFaults)

		deltaThreads := make(map[int32]watchdog.PidStat, len(cur.Threads))
		for tid, curThread := range cur.Threads {
			cachedThread, ok := cached.Threads[tid]
			if !ok || cachedThread.StartTimeTicks != curThread.StartTimeTicks {
				deltaThreads[tid] = curThread
				continue
			}
			deltaThread := curThread
			deltaThread.MajorFaults = clampSubU64(curThread.MajorFaults, cachedThread.MajorFaults)
			deltaThreads[tid] = deltaThread
		}
		deltaProc.Threads = deltaThreads
		out[pid] = deltaProc
	}
	e.lastProcess = sample
	return out
}
