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

var _ UIDIOSampler = (*UidIoStats)(nil)

// UidIoStats reads the kernel's per-UID I/O accounting file.
//
// Line format: uid fgRChar fgWChar fgRBytes fgWBytes bgRChar bgWChar
// bgRBytes bgWBytes fgFsync bgFsync. Lines beginning with "task" are
// kernel-internal rollups and are skipped.
type UidIoStats struct {
	logger  logr.Logger
	path    string
	enabled bool
}

// NewUidIoStats probes path for read access; Enabled reflects the probe,
// not any later transient failure.
func NewUidIoStats(logger logr.Logger, path string) *UidIoStats {
	if path == "" {
		path = UIDIOSource
	}
	_, err := os.Open(path)
	return &UidIoStats{
		logger:  logger.WithName("uid_io_stats"),
		path:    path,
		enabled: err == nil,
	}
}

func (u *UidIoStats) Name() string  { return "uid_io_stats" }
func (u *UidIoStats) Enabled() bool { return u.enabled }

const uidIOFieldCount = 11

// Sample reads and parses the whole file. Any malformed line is a hard
// parse failure for the whole sample, per §4.1.
func (u *UidIoStats) Sample(ctx context.Context) (map[int32]watchdog.UIDIOStats, error) {
	f, err := os.Open(u.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", u.path, err)
	}
	defer f.Close()

	result := make(map[int32]watchdog.UIDIOStats)

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "task") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < uidIOFieldCount {
			return nil, fmt.Errorf("%s:%d: expected %d fields, got %d", u.path, lineNum, uidIOFieldCount, len(fields))
		}

		vals := make([]uint64, uidIOFieldCount)
		uid64, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing uid %q: %w", u.path, lineNum, fields[0], err)
		}
		for i := 1; i < uidIOFieldCount; i++ {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: parsing field %d (%q): %w", u.path, lineNum, i, fields[i], err)
			}
			vals[i] = v
		}

		result[int32(uid64)] = watchdog.UIDIOStats{
			UID: int32(uid64),
			Foreground: watchdog.IOUsage{
				ReadChars:  vals[1],
				WriteChars: vals[2],
				ReadBytes:  vals[3],
				WriteBytes: vals[4],
				FsyncCount: vals[9],
			},
			Background: watchdog.IOUsage{
				ReadChars:  vals[5],
				WriteChars: vals[6],
				ReadBytes:  vals[7],
				WriteBytes: vals[8],
				FsyncCount: vals[10],
			},
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", u.path, err)
	}

	u.logger.V(1).Info("sampled uid_io/stats", "uids", len(result))
	return result, nil
}
