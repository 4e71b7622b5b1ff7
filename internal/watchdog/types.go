// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package watchdog holds the domain types shared by the sampler, delta,
// ranker, collection and supervisor packages: tiers, client registrations,
// collection modes and the aggregated performance record.
package watchdog

import "time"

// Tier is a deadline class for registered clients. Fixed at registration,
// immutable thereafter.
type Tier int

const (
	TierCritical Tier = iota
	TierModerate
	TierNormal
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierModerate:
		return "MODERATE"
	case TierNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// Timeout returns the ping-cycle period for the tier: 3s / 6s / 12s.
func (t Tier) Timeout() time.Duration {
	switch t {
	case TierCritical:
		return 3 * time.Second
	case TierModerate:
		return 6 * time.Second
	case TierNormal:
		return 12 * time.Second
	default:
		return 12 * time.Second
	}
}

// AllTiers in a fixed, stable order.
var AllTiers = [3]Tier{TierCritical, TierModerate, TierNormal}

// Role distinguishes a plain supervised client from a mediator, which
// additionally relays liveness on behalf of its own subprocesses. All
// mediators live in TierCritical.
type Role int

const (
	RolePlain Role = iota
	RoleMediator
)

// ClientHandle identifies a registered client or mediator for death-watch
// and outbound challenge delivery. The transport is out of scope (see
// SPEC_FULL §11.4); this is the abstraction boundary callers implement.
type ClientHandle interface {
	// ID uniquely identifies the handle for equality/map-key purposes.
	ID() string
	// Bind establishes the death-watch link; the registry calls it once
	// at registration and returns its error to the caller unregistered.
	Bind() error
	// Unbind releases the death-watch link; called on unregister, on
	// death notification, and by the terminator for every remaining
	// registration.
	Unbind()
	// CheckIfAlive delivers a challenge carrying the session id and tier.
	CheckIfAlive(sessionID int32, tier Tier) error
	// PrepareProcessTermination is a best-effort outbound notification
	// sent to a straggler before it is escalated to the monitor.
	PrepareProcessTermination() error
}

// MonitorHandle is the singleton privileged process notified of clients
// that missed their deadline.
type MonitorHandle interface {
	ID() string
	Bind() error
	Unbind()
	OnClientsNotResponding(pids []int32) error
}

// ClientInfo is one registration: a client or mediator bound to a tier.
type ClientInfo struct {
	Handle ClientHandle
	PID    int32
	UID    int32
	Tier   Tier
	Role   Role
}

// PowerState is the argument of a power-cycle notification.
type PowerState int

const (
	PowerSuspend PowerState = iota
	PowerShutdown
	PowerResume
)

// UserState is the argument of a user-state notification.
type UserState int

const (
	UserStarted UserState = iota
	UserStopped
)

// IOUsage is the per-UID-state (foreground/background) counter set from
// the uid_io/stats source.
type IOUsage struct {
	ReadChars  uint64
	WriteChars uint64
	ReadBytes  uint64
	WriteBytes uint64
	FsyncCount uint64
}

// UIDIOStats is one UID's foreground/background usage pair, one entry of a
// UID I/O sample.
type UIDIOStats struct {
	UID        int32
	Foreground IOUsage
	Background IOUsage
}

// CPUStats is the ten cumulative CPU-time counters from the aggregate
// `cpu ` line of /proc/stat.
type CPUStats struct {
	User      uint64
	Nice      uint64
	System    uint64
	Idle      uint64
	IOWait    uint64
	IRQ       uint64
	SoftIRQ   uint64
	Steal     uint64
	Guest     uint64
	GuestNice uint64
}

// Total sums all ten counters.
func (c CPUStats) Total() uint64 {
	return c.User + c.Nice + c.System + c.Idle + c.IOWait + c.IRQ +
		c.SoftIRQ + c.Steal + c.Guest + c.GuestNice
}

// SystemStat is the full system CPU/process sample from /proc/stat.
type SystemStat struct {
	CPU                  CPUStats
	RunnableProcesses    uint32
	IOBlockedProcesses   uint32
}

func (s SystemStat) TotalProcesses() uint32 {
	return s.RunnableProcesses + s.IOBlockedProcesses
}

// PidStat is one stat record (process main thread or a single task/TID),
// parsed from a /proc/[pid]/stat or /proc/[pid]/task/[tid]/stat file.
type PidStat struct {
	PID          int32
	Comm         string
	State        byte
	PPID         int32
	MajorFaults  uint64
	NumThreads   uint32
	StartTimeTicks uint64
}

// ProcessStats is one process: its own PidStat plus a per-TID map of
// thread PidStats (always non-empty; synthesized from the process fields
// if the main-thread stat could not be read).
type ProcessStats struct {
	TGID    int32
	UID     int32
	Process PidStat
	Threads map[int32]PidStat
}

// CollectionMode names a state of the collection controller.
type CollectionMode int

const (
	ModeInit CollectionMode = iota
	ModeBootTime
	ModePeriodic
	ModeCustom
	ModeTerminated
)

func (m CollectionMode) String() string {
	switch m {
	case ModeInit:
		return "INIT"
	case ModeBootTime:
		return "BOOT_TIME"
	case ModePeriodic:
		return "PERIODIC"
	case ModeCustom:
		return "CUSTOM"
	case ModeTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// CollectionInfo is the per-mode configuration: interval, cache bound and
// optional package filter.
type CollectionInfo struct {
	Interval        time.Duration
	MaxCacheSize    int
	FilterPackages  []string
}

// UIDIOListEntry is one ranked UID in a top-N I/O list.
type UIDIOListEntry struct {
	UID         int32
	PackageName string
	Foreground  IOUsage
	Background  IOUsage
}

// UIDIOReport is the ranker's UID I/O view of one tick.
type UIDIOReport struct {
	TotalReadBytesFg  uint64
	TotalReadBytesBg  uint64
	TotalWriteBytesFg uint64
	TotalWriteBytesBg uint64
	TotalFsyncFg      uint64
	TotalFsyncBg      uint64
	TopReads          []UIDIOListEntry
	TopWrites         []UIDIOListEntry
}

// SystemReport is the ranker's pass-through system view of one tick.
type SystemReport struct {
	IOWaitTime       uint64
	TotalCPUTime      uint64
	IOBlockedCount   uint32
	TotalProcessCount uint32
}

// ProcessListEntry is one ranked process within a UID's sub-list.
type ProcessListEntry struct {
	PID         int32
	Comm        string
	MajorFaults uint64
	IOBlocked   bool
}

// UIDProcessListEntry is one ranked UID in a top-N process list, carrying
// its own bounded sub-lists.
type UIDProcessListEntry struct {
	UID            int32
	PackageName    string
	MajorFaults    uint64
	TotalTasks     uint32
	IOBlockedTasks uint32
	TopIOBlocked   []ProcessListEntry
	TopMajorFaults []ProcessListEntry
}

// ProcessReport is the ranker's process view of one tick.
type ProcessReport struct {
	TopByIOBlocked      []UIDProcessListEntry
	TopByMajorFaults    []UIDProcessListEntry
	TotalMajorFaults    uint64
	MajorFaultsPctChange float64
}

// Record is one fully aggregated, ranked report from one tick.
type Record struct {
	Timestamp time.Time
	UIDIO     UIDIOReport
	System    SystemReport
	Process   ProcessReport
}
