// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"context"
	"fmt"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"golang.org/x/sync/errgroup"
)

// SampleError reports which sampler failed a tick, so callers can attribute
// the failure (logging, metrics) without string-matching the message.
type SampleError struct {
	Sampler string
	Err     error
}

func (e *SampleError) Error() string { return fmt.Sprintf("%s: %s", e.Sampler, e.Err) }
func (e *SampleError) Unwrap() error { return e.Err }

// Set bundles the three independent samplers of §4.1. The collection
// thread invokes it once per tick; the three sources have no dependency
// on one another, so Sample runs them concurrently and returns the first
// hard-parse error, matching §4.4's "on sampler error, terminate" rule.
// The samplers do not watch the context, so it returns only after all
// three reads have finished.
type Set struct {
	UIDIO   UIDIOSampler
	System  ProcStatSampler
	Process ProcPidSampler
}

// Samples is one tick's worth of raw samples, before delta/ranking.
type Samples struct {
	UIDIO   map[int32]watchdog.UIDIOStats
	System  watchdog.SystemStat
	Process map[int32]watchdog.ProcessStats
}

func (s *Set) Sample(ctx context.Context) (Samples, error) {
	var out Samples

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.UIDIO.Sample(ctx)
		if err != nil {
			return &SampleError{Sampler: s.UIDIO.Name(), Err: err}
		}
		out.UIDIO = m
		return nil
	})
	g.Go(func() error {
		st, err := s.System.Sample(ctx)
		if err != nil {
			return &SampleError{Sampler: s.System.Name(), Err: err}
		}
		out.System = st
		return nil
	})
	g.Go(func() error {
		m, err := s.Process.Sample(ctx)
		if err != nil {
			return &SampleError{Sampler: s.Process.Name(), Err: err}
		}
		out.Process = m
		return nil
	})

	if err := g.Wait(); err != nil {
		return Samples{}, err
	}
	return out, nil
}
