// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler implements the three kernel-data samplers of the
// collection engine: UID I/O accounting, system CPU/process counts, and
// per-process stat trees. Each sampler is a value with an Enabled flag
// fixed at construction from a read-access probe on its source path,
// mirroring the teacher's BaseCollector/PointCollector shape in
// pkg/performance/collector.go, generalized to this domain's three fixed
// sources instead of a pluggable registry.
package sampler

import (
	"context"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
)

// UIDIOSource is the default uid_io/stats path.
const UIDIOSource = "/proc/uid_io/stats"

// ProcStatSource is the default system stat path.
const ProcStatSource = "/proc/stat"

// ProcDirSource is the default per-process directory root.
const ProcDirSource = "/proc"

// Named identifies which source a sampler reads, for logging and metrics.
type Named interface {
	Name() string
	Enabled() bool
}

// UIDIOSampler reads uid_io/stats.
type UIDIOSampler interface {
	Named
	Sample(ctx context.Context) (map[int32]watchdog.UIDIOStats, error)
}

// ProcStatSampler reads /proc/stat.
type ProcStatSampler interface {
	Named
	Sample(ctx context.Context) (watchdog.SystemStat, error)
}

// ProcPidSampler reads the /proc/[pid] tree.
type ProcPidSampler interface {
	Named
	Sample(ctx context.Context) (map[int32]watchdog.ProcessStats, error)
}
