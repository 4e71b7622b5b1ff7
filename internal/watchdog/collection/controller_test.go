// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/carwatchdogd/internal/metrics"
	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/antimetal/carwatchdogd/internal/watchdog/delta"
	"github.com/antimetal/carwatchdogd/internal/watchdog/sampler"
	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

type fakeUIDIO struct {
	mu   sync.Mutex
	data map[int32]watchdog.UIDIOStats
	err  error
}

func (f *fakeUIDIO) Name() string  { return "fake-uid-io" }
func (f *fakeUIDIO) Enabled() bool { return true }
func (f *fakeUIDIO) Sample(ctx context.Context) (map[int32]watchdog.UIDIOStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}
func (f *fakeUIDIO) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeSystem struct {
	mu   sync.Mutex
	data watchdog.SystemStat
}

func (f *fakeSystem) Name() string  { return "fake-system" }
func (f *fakeSystem) Enabled() bool { return true }
func (f *fakeSystem) Sample(ctx context.Context) (watchdog.SystemStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, nil
}

type fakeProcess struct {
	mu   sync.Mutex
	data map[int32]watchdog.ProcessStats
}

func (f *fakeProcess) Name() string  { return "fake-process" }
func (f *fakeProcess) Enabled() bool { return true }
func (f *fakeProcess) Sample(ctx context.Context) (map[int32]watchdog.ProcessStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, nil
}

func newTestController(t *testing.T, clk clock.Clock, cfg Config) (*Controller, *fakeUIDIO) {
	t.Helper()
	uidio := &fakeUIDIO{data: map[int32]watchdog.UIDIOStats{}}
	set := &sampler.Set{
		UIDIO:   uidio,
		System:  &fakeSystem{},
		Process: &fakeProcess{data: map[int32]watchdog.ProcessStats{}},
	}
	c := New(logr.Discard(), clk, set, delta.NewEngine(), nil, cfg, nil)
	return c, uidio
}

func testConfig() Config {
	return Config{
		TopNPerCategory:              10,
		TopNPerSubcategory:           5,
		BoottimeCollectionInterval:   1 * time.Second,
		PeriodicCollectionInterval:   10 * time.Second,
		PeriodicCollectionBufferSize: 3,
	}
}

// waitForDump polls Dump until the predicate passes or the deadline
// expires. The controller's worker goroutine processes commands
// asynchronously, so tests that assert on its state need to give it a
// moment to catch up after advancing the mock clock or sending a command.
func waitForDump(t *testing.T, c *Controller, pred func(Dump) bool) Dump {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last Dump
	for time.Now().Before(deadline) {
		last = c.Dump()
		if pred(last) {
			return last
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline, last dump: %+v", last)
	return last
}

func TestController_StartRunsImmediateBootTick(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestController(t, clk, testConfig())
	require.NoError(t, c.Start())
	defer c.Terminate()

	d := waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	assert.Equal(t, watchdog.ModeBootTime, d.Mode)
	assert.Len(t, d.BootRecords, 1)
}

// TestController_BootToPeriodicTransition exercises §8 scenario S4: a
// boot-finished notification ends BOOT_TIME collection and arms the first
// periodic tick one interval later, not immediately.
func TestController_BootToPeriodicTransition(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	c, _ := newTestController(t, clk, cfg)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })

	require.NoError(t, c.OnBootFinished())
	d := waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })
	// The boot-finished transition runs one final boot-time tick before
	// flipping mode.
	assert.Len(t, d.BootRecords, 2)
	assert.Empty(t, d.PeriodicRecords)

	clk.Add(cfg.PeriodicCollectionInterval)
	d = waitForDump(t, c, func(d Dump) bool { return len(d.PeriodicRecords) == 1 })
	assert.Equal(t, watchdog.ModePeriodic, d.Mode)
}

func TestController_OnBootFinishedOutsideBootTimeIsNoop(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestController(t, clk, testConfig())
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	require.NoError(t, c.OnBootFinished())
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	// A duplicate boot-complete broadcast after the transition must not
	// error (SPEC_FULL §12.1 idempotency).
	require.NoError(t, c.OnBootFinished())
}

// TestController_PeriodicCacheEvicts exercises the bounded periodic cache:
// with a buffer size of 3, a fourth tick must evict the oldest record.
func TestController_PeriodicCacheEvicts(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	c, _ := newTestController(t, clk, cfg)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	require.NoError(t, c.OnBootFinished())
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	for i := 0; i < 4; i++ {
		clk.Add(cfg.PeriodicCollectionInterval)
		want := i + 1
		if want > cfg.PeriodicCollectionBufferSize {
			want = cfg.PeriodicCollectionBufferSize
		}
		waitForDump(t, c, func(d Dump) bool { return len(d.PeriodicRecords) == want })
	}
}

// TestController_CustomCollectionDurationCap exercises §8 scenario S5: a
// custom collection reverts to PERIODIC on its own once its max duration
// elapses, with no explicit EndCustom call. The end deadline is set to
// land strictly between two ticks (rather than exactly on one) so the
// tick/end race described in §5 never arises in this test — that race is
// covered separately by TestController_ExplicitEndCustomRace.
func TestController_CustomCollectionDurationCap(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	c, _ := newTestController(t, clk, cfg)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	require.NoError(t, c.OnBootFinished())
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	interval := 2 * time.Second
	maxDuration := 3500 * time.Millisecond // strictly between the 2nd (t=2) and 3rd (t=4) ticks
	require.NoError(t, c.StartCustom(interval, maxDuration, nil))
	d := waitForDump(t, c, func(d Dump) bool { return d.CustomActive && len(d.CustomRecords) == 1 })
	assert.Equal(t, watchdog.ModeCustom, d.Mode)

	clk.Add(interval) // t=2: second custom tick
	waitForDump(t, c, func(d Dump) bool { return len(d.CustomRecords) == 2 })

	clk.Add(1500 * time.Millisecond) // t=3.5: deadline fires, ends before a third tick at t=4
	d = waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })
	assert.False(t, d.CustomActive)
	assert.Empty(t, d.CustomRecords)
}

// TestController_ExplicitEndCustomRace exercises the guard that resolves
// the explicit-end-vs-timed-end race (§5): once the timer has already
// performed the CUSTOM → PERIODIC transition, a later explicit EndCustom
// does not transition again and reports that no custom collection is running.
func TestController_ExplicitEndCustomRace(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	c, _ := newTestController(t, clk, cfg)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	require.NoError(t, c.OnBootFinished())
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	require.NoError(t, c.StartCustom(1*time.Second, 1*time.Second, nil))
	waitForDump(t, c, func(d Dump) bool { return d.CustomActive })

	clk.Add(1 * time.Second)
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	err := c.EndCustom()
	assert.Error(t, err, "EndCustom after the timer already ended the collection must report no custom collection is running")
}

func TestController_EndCustomOutsideCustomErrors(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestController(t, clk, testConfig())
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	err := c.EndCustom()
	assert.Error(t, err)
}

func TestController_StartCustomOutsidePeriodicErrors(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestController(t, clk, testConfig())
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	// Still BOOT_TIME: custom collection can only start from PERIODIC.
	err := c.StartCustom(1*time.Second, 1*time.Second, nil)
	assert.Error(t, err)
}

// TestController_SamplerErrorTerminates exercises the hard-failure path:
// a sampler error during a tick transitions straight to TERMINATED without
// going through Terminate.
func TestController_SamplerErrorTerminates(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	c, uidio := newTestController(t, clk, cfg)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })

	uidio.setErr(errors.New("read /proc/uid_io/stats: permission denied"))
	clk.Add(cfg.BoottimeCollectionInterval)

	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModeTerminated })
}

func TestController_StartTwiceErrors(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestController(t, clk, testConfig())
	require.NoError(t, c.Start())
	defer c.Terminate()

	err := c.Start()
	assert.ErrorIs(t, err, werrors.ErrInvalidState)
}

// slowFakeSystem blocks its slowCall-th Sample call until release is
// closed, so the test can advance the mock clock while that tick is still
// running, simulating a tick whose sampling/ranking work eats into the
// following tick's interval.
type slowFakeSystem struct {
	slowCall int
	calls    int
	entered  chan struct{}
	release  chan struct{}
}

func (s *slowFakeSystem) Name() string  { return "slow-fake-system" }
func (s *slowFakeSystem) Enabled() bool { return true }
func (s *slowFakeSystem) Sample(ctx context.Context) (watchdog.SystemStat, error) {
	s.calls++
	if s.calls == s.slowCall {
		s.entered <- struct{}{}
		<-s.release
	}
	return watchdog.SystemStat{}, nil
}

// TestController_PeriodicTickDoesNotDrift exercises Spec §4.4's anti-drift
// requirement: a tick whose own processing eats into the next interval must
// not push every later tick's due time later by that same amount. With a 2s
// interval the first periodic tick lands at t=2s; the second (t=4s) is made
// to take 1s of "processing time"; the third tick must still land at t=6s,
// one interval after the second's due time, not 1s late (t=7s).
func TestController_PeriodicTickDoesNotDrift(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.PeriodicCollectionInterval = 2 * time.Second
	// Sample calls: 1 = Start's boot-time tick, 2 = the final boot-time tick
	// on boot-finished, 3 and 4 = the first two periodic ticks.
	slow := &slowFakeSystem{slowCall: 4, entered: make(chan struct{}), release: make(chan struct{})}
	set := &sampler.Set{
		UIDIO:   &fakeUIDIO{data: map[int32]watchdog.UIDIOStats{}},
		System:  slow,
		Process: &fakeProcess{data: map[int32]watchdog.ProcessStats{}},
	}
	c := New(logr.Discard(), clk, set, delta.NewEngine(), nil, cfg, nil)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	require.NoError(t, c.OnBootFinished())
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModePeriodic })

	clk.Add(cfg.PeriodicCollectionInterval) // t=2s: first periodic tick
	waitForDump(t, c, func(d Dump) bool { return len(d.PeriodicRecords) == 1 })

	clk.Add(cfg.PeriodicCollectionInterval) // t=4s: second tick starts and blocks
	<-slow.entered
	clk.Add(1 * time.Second) // t=5s: the second tick has cost 1s of "processing"
	close(slow.release)
	waitForDump(t, c, func(d Dump) bool { return len(d.PeriodicRecords) == 2 })

	// The anchored schedule's third due time is t=6s (one interval after the
	// second tick's due time at t=4s), so only 1s remains after the 1s the
	// slow tick already consumed from the clock.
	clk.Add(1 * time.Second) // t=6s
	waitForDump(t, c, func(d Dump) bool { return len(d.PeriodicRecords) == 3 })
}

// TestController_MetricsWiring exercises Comment 2's wiring directly: the
// collection-mode gauge tracks the current mode, and a sampler failure
// increments the sampler-errors counter under that sampler's own name.
func TestController_MetricsWiring(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	m := metrics.New()
	uidio := &fakeUIDIO{data: map[int32]watchdog.UIDIOStats{}}
	set := &sampler.Set{
		UIDIO:   uidio,
		System:  &fakeSystem{},
		Process: &fakeProcess{data: map[int32]watchdog.ProcessStats{}},
	}
	c := New(logr.Discard(), clk, set, delta.NewEngine(), nil, cfg, m)
	require.NoError(t, c.Start())
	defer c.Terminate()

	waitForDump(t, c, func(d Dump) bool { return len(d.BootRecords) == 1 })
	assert.Equal(t, float64(watchdog.ModeBootTime), testutil.ToFloat64(m.CollectionMode))

	uidio.setErr(errors.New("read /proc/uid_io/stats: permission denied"))
	clk.Add(cfg.BoottimeCollectionInterval)
	waitForDump(t, c, func(d Dump) bool { return d.Mode == watchdog.ModeTerminated })

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SamplerErrorsTotal.WithLabelValues(uidio.Name())))
}
