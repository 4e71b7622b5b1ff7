// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ranker implements §4.3: turning one tick's deltas into the
// bounded top-N reports an admin dump or custom-collection report reads.
// Grounded on IoPerfCollection.cpp's collectUidIoPerfDataLocked,
// collectProcessIoPerfDataLocked and getUidProcessStats, which is where
// the two different insertion/truncation patterns below come from.
package ranker

import (
	"sort"
	"strconv"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
)

// Ranker turns raw per-tick deltas into bounded top-N reports. It holds no
// mutable state of its own except the previous major-fault total needed
// for the percent-change figure, so one Ranker is safe to reuse across
// ticks. The collection controller uses a single Ranker for every mode
// (the modes run one at a time), so that baseline carries over from one
// mode to the next.
type Ranker struct {
	TopNPerCategory    int
	TopNPerSubcategory int

	lastMajorFaults uint64
}

// New builds a Ranker with the given top-N bounds. The original carwatchdog
// defaults are 10 per category, 5 per subcategory.
func New(topNPerCategory, topNPerSubcategory int) *Ranker {
	return &Ranker{
		TopNPerCategory:    topNPerCategory,
		TopNPerSubcategory: topNPerSubcategory,
	}
}

// Filter is a package-name allow-list. A nil or empty Filter means
// unfiltered: every list is bounded to TopNPerCategory. A non-empty Filter
// excludes non-matching candidates from the list (they are still counted
// in totals) and leaves the surviving list untruncated, per §4.3.
type Filter map[string]bool

func NewFilter(packages []string) Filter {
	if len(packages) == 0 {
		return nil
	}
	f := make(Filter, len(packages))
	for _, p := range packages {
		f[p] = true
	}
	return f
}

func (f Filter) empty() bool { return len(f) == 0 }

// PackageNames resolves a UID to a display name, falling back to the UID
// itself (stringified by the caller) when no mapping is known. Supplied by
// the collection controller, backed by the pkgname resolver's cache.
type PackageNames interface {
	Lookup(uid int32) (name string, ok bool)
}

// uidReadWrite is one UID's candidacy for the top-reads/top-writes lists:
// a pointer-equivalent slot so the zero-value sentinel used for
// pre-allocated padding compares correctly against real entries.
type uidReadWrite struct {
	uid  int32
	ios  watchdog.UIDIOStats
	zero bool
}

func (u uidReadWrite) sumReadBytes() uint64 {
	return u.ios.Foreground.ReadBytes + u.ios.Background.ReadBytes
}

func (u uidReadWrite) sumWriteBytes() uint64 {
	return u.ios.Foreground.WriteBytes + u.ios.Background.WriteBytes
}

func isZeroUsage(u watchdog.IOUsage) bool {
	return u.ReadChars == 0 && u.WriteChars == 0 && u.ReadBytes == 0 &&
		u.WriteBytes == 0 && u.FsyncCount == 0
}

// RankUIDIO builds the UID I/O report for one tick: running totals across
// every UID with non-zero usage, plus the top-N-by-read-bytes and
// top-N-by-write-bytes lists.
//
// The two lists share one insertion pattern, grounded on
// collectUidIoPerfDataLocked: scan the pre-sized candidate slice front to
// back, insert before the first slot whose key compares lower, and pop the
// back of the slice only when the filter is empty. With a filter set the
// slice is left to grow past TopNPerCategory during the scan, and is
// trimmed down only by the per-entry package-name check during the final
// conversion pass — so a filtered report can rank more than N packages if
// more than N match the filter.
func (r *Ranker) RankUIDIO(usage map[int32]watchdog.UIDIOStats, filter Filter, names PackageNames) watchdog.UIDIOReport {
	var report watchdog.UIDIOReport

	reads := newPaddedReadWrite(r.TopNPerCategory)
	writes := newPaddedReadWrite(r.TopNPerCategory)

	// Deterministic iteration order keeps ties resolved the same way on
	// every run, which matters for tests; map order is otherwise
	// unspecified in Go.
	uids := sortedUIDs(usage)
	for _, uid := range uids {
		cur := usage[uid]
		if isZeroUsage(cur.Foreground) && isZeroUsage(cur.Background) {
			continue
		}

		report.TotalReadBytesFg += cur.Foreground.ReadBytes
		report.TotalReadBytesBg += cur.Background.ReadBytes
		report.TotalWriteBytesFg += cur.Foreground.WriteBytes
		report.TotalWriteBytesBg += cur.Background.WriteBytes
		report.TotalFsyncFg += cur.Foreground.FsyncCount
		report.TotalFsyncBg += cur.Background.FsyncCount

		cand := uidReadWrite{uid: uid, ios: cur}
		reads = insertReadWrite(reads, cand, filter.empty(), func(a, b uidReadWrite) bool {
			return a.sumReadBytes() < b.sumReadBytes()
		})
		writes = insertReadWrite(writes, cand, filter.empty(), func(a, b uidReadWrite) bool {
			return a.sumWriteBytes() < b.sumWriteBytes()
		})
	}

	report.TopReads = convertReadWrite(reads, filter, names, func(u uidReadWrite) bool { return u.zero || u.sumReadBytes() == 0 })
	report.TopWrites = convertReadWrite(writes, filter, names, func(u uidReadWrite) bool { return u.zero || u.sumWriteBytes() == 0 })
	return report
}

func newPaddedReadWrite(n int) []uidReadWrite {
	s := make([]uidReadWrite, n)
	for i := range s {
		s[i] = uidReadWrite{zero: true}
	}
	return s
}

// insertReadWrite scans s front to back for the first slot that sorts
// lower than cand under less, inserts cand there, and drops the slice's
// tail element unless truncate is false.
func insertReadWrite(s []uidReadWrite, cand uidReadWrite, truncate bool, less func(a, b uidReadWrite) bool) []uidReadWrite {
	for i, slot := range s {
		if less(slot, cand) {
			s = append(s[:i], append([]uidReadWrite{cand}, s[i:]...)...)
			if truncate {
				s = s[:len(s)-1]
			}
			return s
		}
	}
	return s
}

func convertReadWrite(s []uidReadWrite, filter Filter, names PackageNames, isZero func(uidReadWrite) bool) []watchdog.UIDIOListEntry {
	var out []watchdog.UIDIOListEntry
	for _, u := range s {
		if isZero(u) {
			// End of non-zero entries: the padding sentinel or a real
			// all-zero candidate. Either way nothing further in the
			// slice outranks it.
			break
		}
		name := packageNameOrUID(u.uid, names)
		if !filter.empty() && !filter[name] {
			continue
		}
		out = append(out, watchdog.UIDIOListEntry{
			UID:         u.uid,
			PackageName: name,
			Foreground:  u.ios.Foreground,
			Background:  u.ios.Background,
		})
	}
	return out
}

func packageNameOrUID(uid int32, names PackageNames) string {
	if names != nil {
		if name, ok := names.Lookup(uid); ok {
			return name
		}
	}
	return uidString(uid)
}

// RankSystem is a pass-through conversion; there is nothing to rank in a
// single system-wide sample.
func (r *Ranker) RankSystem(s watchdog.SystemStat) watchdog.SystemReport {
	return watchdog.SystemReport{
		IOWaitTime:        s.CPU.IOWait,
		TotalCPUTime:      s.CPU.Total(),
		IOBlockedCount:    s.IOBlockedProcesses,
		TotalProcessCount: s.TotalProcesses(),
	}
}

// uidProcessAgg is the per-UID rollup aggregated from every process owned
// by that UID, with its own bounded per-process sub-lists. Grounded on
// getUidProcessStats's UidProcessStats struct.
type uidProcessAgg struct {
	uid            int32
	ioBlockedTasks uint32
	totalTasks     uint32
	majorFaults    uint64
	topIOBlocked   []processInfo
	topMajorFaults []processInfo
}

type processInfo struct {
	pid       int32
	comm      string
	count     uint64
	ioBlocked bool
}

// RankProcess builds the process report for one tick: per-UID aggregation
// of the process tree, then the top-N-by-I/O-blocked and
// top-N-by-major-faults UID lists.
//
// Aggregation and the per-process sub-lists (topIOBlocked/topMajorFaults)
// follow getUidProcessStats exactly: those sub-lists are fixed-size,
// zero-padded, and always pop their tail on insert — there is no filter
// concept at the per-process level, only at the per-UID level above them.
// The per-UID lists (topNIoBlockedUids/topNMajorFaultUids) follow the same
// filter-aware pattern as RankUIDIO's lists.
func (r *Ranker) RankProcess(stats map[int32]watchdog.ProcessStats, filter Filter, names PackageNames) watchdog.ProcessReport {
	aggs := make(map[int32]*uidProcessAgg)

	pids := sortedPIDs(stats)
	for _, pid := range pids {
		ps := stats[pid]
		if ps.UID < 0 {
			continue
		}
		agg, ok := aggs[ps.UID]
		if !ok {
			agg = &uidProcessAgg{
				uid:            ps.UID,
				topIOBlocked:   newPaddedProcessInfo(r.TopNPerSubcategory),
				topMajorFaults: newPaddedProcessInfo(r.TopNPerSubcategory),
			}
			aggs[ps.UID] = agg
		}

		agg.majorFaults += ps.Process.MajorFaults
		agg.totalTasks += uint32(len(ps.Threads))

		var ioBlocked uint32
		for _, th := range ps.Threads {
			if th.State == 'D' {
				ioBlocked++
			}
		}
		agg.ioBlockedTasks += ioBlocked

		agg.topIOBlocked = insertProcessInfo(agg.topIOBlocked, processInfo{
			pid: ps.Process.PID, comm: ps.Process.Comm, count: uint64(ioBlocked), ioBlocked: ioBlocked > 0,
		})
		agg.topMajorFaults = insertProcessInfo(agg.topMajorFaults, processInfo{
			pid: ps.Process.PID, comm: ps.Process.Comm, count: ps.Process.MajorFaults, ioBlocked: ioBlocked > 0,
		})
	}

	var report watchdog.ProcessReport
	ioBlockedTop := newPaddedAgg(r.TopNPerCategory)
	majorFaultTop := newPaddedAgg(r.TopNPerCategory)

	uids := sortedAggUIDs(aggs)
	for _, uid := range uids {
		agg := aggs[uid]
		report.TotalMajorFaults += agg.majorFaults

		ioBlockedTop = insertAgg(ioBlockedTop, agg, filter.empty(), func(a, b *uidProcessAgg) bool {
			return a.ioBlockedTasks < b.ioBlockedTasks
		})
		majorFaultTop = insertAgg(majorFaultTop, agg, filter.empty(), func(a, b *uidProcessAgg) bool {
			return a.majorFaults < b.majorFaults
		})
	}

	report.TopByIOBlocked = convertAgg(ioBlockedTop, filter, names, func(a *uidProcessAgg) bool { return a == nil || a.ioBlockedTasks == 0 })
	report.TopByMajorFaults = convertAgg(majorFaultTop, filter, names, func(a *uidProcessAgg) bool { return a == nil || a.majorFaults == 0 })

	if r.lastMajorFaults == 0 {
		report.MajorFaultsPctChange = 0
	} else {
		increase := int64(report.TotalMajorFaults) - int64(r.lastMajorFaults)
		report.MajorFaultsPctChange = (float64(increase) / float64(r.lastMajorFaults)) * 100.0
	}
	r.lastMajorFaults = report.TotalMajorFaults

	return report
}

func newPaddedProcessInfo(n int) []processInfo {
	return make([]processInfo, n)
}

// insertProcessInfo implements the per-process sub-list pattern: always
// pop the tail on a successful insert, no filter.
func insertProcessInfo(s []processInfo, cand processInfo) []processInfo {
	for i, slot := range s {
		if slot.count < cand.count {
			s = append(s[:i], append([]processInfo{cand}, s[i:]...)...)
			return s[:len(s)-1]
		}
	}
	return s
}

func newPaddedAgg(n int) []*uidProcessAgg {
	return make([]*uidProcessAgg, n)
}

func insertAgg(s []*uidProcessAgg, cand *uidProcessAgg, truncate bool, less func(a, b *uidProcessAgg) bool) []*uidProcessAgg {
	zero := &uidProcessAgg{}
	for i, slot := range s {
		a := slot
		if a == nil {
			a = zero
		}
		if less(a, cand) {
			s = append(s[:i], append([]*uidProcessAgg{cand}, s[i:]...)...)
			if truncate {
				s = s[:len(s)-1]
			}
			return s
		}
	}
	return s
}

func convertAgg(s []*uidProcessAgg, filter Filter, names PackageNames, isZero func(*uidProcessAgg) bool) []watchdog.UIDProcessListEntry {
	var out []watchdog.UIDProcessListEntry
	for _, agg := range s {
		if isZero(agg) {
			break
		}
		name := packageNameOrUID(agg.uid, names)
		if !filter.empty() && !filter[name] {
			continue
		}
		entry := watchdog.UIDProcessListEntry{
			UID:            agg.uid,
			PackageName:    name,
			MajorFaults:    agg.majorFaults,
			TotalTasks:     agg.totalTasks,
			IOBlockedTasks: agg.ioBlockedTasks,
			TopIOBlocked:   convertProcessInfo(agg.topIOBlocked),
			TopMajorFaults: convertProcessInfo(agg.topMajorFaults),
		}
		out = append(out, entry)
	}
	return out
}

func convertProcessInfo(s []processInfo) []watchdog.ProcessListEntry {
	var out []watchdog.ProcessListEntry
	for _, p := range s {
		if p.count == 0 {
			break
		}
		out = append(out, watchdog.ProcessListEntry{PID: p.pid, Comm: p.comm, MajorFaults: p.count, IOBlocked: p.ioBlocked})
	}
	return out
}

func sortedUIDs(m map[int32]watchdog.UIDIOStats) []int32 {
	out := make([]int32, 0, len(m))
	for uid := range m {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedPIDs(m map[int32]watchdog.ProcessStats) []int32 {
	out := make([]int32, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedAggUIDs(m map[int32]*uidProcessAgg) []int32 {
	out := make([]int32, 0, len(m))
	for uid := range m {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uidString(uid int32) string {
	return strconv.FormatInt(int64(uid), 10)
}
