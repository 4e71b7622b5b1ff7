// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collection drives the §4.4 collection state machine on a single
// dedicated goroutine: INIT, BOOT_TIME, PERIODIC and CUSTOM tick timers,
// the boot-to-periodic and custom-start/end transitions, and the
// boot-time/periodic/custom record caches. Grounded on
// IoPerfCollection.cpp's handleMessage/processCollectionEvent dispatch
// (a looper-message handler on a dedicated collection thread), redesigned
// per SPEC_FULL §9 as an event enum sent over a Go channel to one
// goroutine instead of an integer "what" switch.
package collection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/antimetal/carwatchdogd/internal/metrics"
	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/antimetal/carwatchdogd/internal/watchdog/delta"
	"github.com/antimetal/carwatchdogd/internal/watchdog/ranker"
	"github.com/antimetal/carwatchdogd/internal/watchdog/sampler"
	"github.com/antimetal/carwatchdogd/pkg/ringbuffer"
	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

const minInterval = 1 * time.Second

// Default tunables (§3); callers override via Config before calling Start.
const (
	DefaultBoottimeCollectionInterval  = 1 * time.Second
	DefaultPeriodicCollectionInterval  = 10 * time.Second
	DefaultPeriodicCollectionBufferSize = 180
	DefaultCustomCollectionInterval    = 10 * time.Second
	DefaultCustomCollectionDuration    = 30 * time.Minute
)

// unboundedCacheSize mirrors the original's SIZE_MAX for the boot-time and
// custom caches: both are append-only for the lifetime of their mode (no
// eviction), unlike the periodic cache which is bounded.
const unboundedCacheSize = math.MaxInt

// Config is the process-wide tunable set, read once at startup (§3, §9
// "no module-level mutable state").
type Config struct {
	TopNPerCategory              int
	TopNPerSubcategory           int
	BoottimeCollectionInterval   time.Duration
	PeriodicCollectionInterval   time.Duration
	PeriodicCollectionBufferSize int
}

type eventKind int

const (
	evBootTick eventKind = iota
	evEndBoot
	evEndCustom
	evStartCustom
	evTerminate
	evDump
)

type cmd struct {
	kind eventKind

	// evStartCustom
	interval    time.Duration
	maxDuration time.Duration
	filter      []string

	result chan error
	dump   chan Dump
}

// Dump is a snapshot of everything an admin dump (§4.6, no-args form)
// reports: supervisor status is assembled by the caller separately, this
// is only the collection side.
type Dump struct {
	Mode            watchdog.CollectionMode
	CollectorStatus CollectorStatus
	BootRecords     []watchdog.Record
	PeriodicRecords []watchdog.Record
	CustomRecords   []watchdog.Record
	CustomActive    bool
}

// CollectorStatus mirrors dumpCollectorsStatusLocked: which of the three
// samplers failed their construction-time access probe.
type CollectorStatus struct {
	UIDIOEnabled   bool
	SystemEnabled  bool
	ProcessEnabled bool
}

// Controller owns the collection state machine. One Controller runs for
// the lifetime of the daemon; Start launches its worker goroutine.
type Controller struct {
	logger    logr.Logger
	clock     clock.Clock
	samplers  *sampler.Set
	deltaEng  *delta.Engine
	rank      *ranker.Ranker
	names     ranker.PackageNames
	cfg       Config
	metrics   *metrics.Metrics

	cmdCh  chan cmd
	doneCh chan struct{}

	mu      sync.Mutex
	mode    watchdog.CollectionMode
	boot    modeState
	periodic modeState
	custom  modeState
}

// modeState holds one mode's configuration and its record cache.
//
// The boot-time and custom caches are unbounded for the life of their mode
// (the original uses SIZE_MAX as their maxCacheSize — nothing is ever
// evicted), so they are backed by a plain growable slice. Only the
// periodic cache actually bounds and evicts, so it alone uses the adapted
// ring buffer, which pre-allocates its backing array to its capacity and
// would be the wrong tool for an "unbounded" cache.
type modeState struct {
	info  watchdog.CollectionInfo
	list  []watchdog.Record           // boot-time, custom
	ring  *ringbuffer.RingBuffer[watchdog.Record] // periodic only
}

func (s *modeState) push(r watchdog.Record) {
	if s.ring != nil {
		s.ring.Push(r)
		return
	}
	s.list = append(s.list, r)
}

func (s *modeState) getAll() []watchdog.Record {
	if s.ring != nil {
		return s.ring.GetAll()
	}
	return s.list
}

func New(logger logr.Logger, clk clock.Clock, samplers *sampler.Set, deltaEng *delta.Engine, names ranker.PackageNames, cfg Config, m *metrics.Metrics) *Controller {
	if cfg.TopNPerCategory <= 0 {
		cfg.TopNPerCategory = 10
	}
	if cfg.TopNPerSubcategory <= 0 {
		cfg.TopNPerSubcategory = 5
	}
	if cfg.BoottimeCollectionInterval <= 0 {
		cfg.BoottimeCollectionInterval = DefaultBoottimeCollectionInterval
	}
	if cfg.PeriodicCollectionInterval <= 0 {
		cfg.PeriodicCollectionInterval = DefaultPeriodicCollectionInterval
	}
	if cfg.PeriodicCollectionBufferSize <= 0 {
		cfg.PeriodicCollectionBufferSize = DefaultPeriodicCollectionBufferSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		logger:   logger.WithName("collection"),
		clock:    clk,
		samplers: samplers,
		deltaEng: deltaEng,
		rank:     ranker.New(cfg.TopNPerCategory, cfg.TopNPerSubcategory),
		names:    names,
		cfg:      cfg,
		metrics:  m,
		mode:     watchdog.ModeInit,
		cmdCh:    make(chan cmd, 8),
		doneCh:   make(chan struct{}),
	}
}

// Start transitions INIT → BOOT_TIME and launches the worker goroutine. It
// may be called exactly once.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.mode != watchdog.ModeInit {
		c.mu.Unlock()
		return fmt.Errorf("%w: collection already started", werrors.ErrInvalidState)
	}
	c.setModeLocked(watchdog.ModeBootTime)
	c.boot = modeState{
		info: watchdog.CollectionInfo{
			Interval:     c.cfg.BoottimeCollectionInterval,
			MaxCacheSize: unboundedCacheSize,
		},
	}
	periodicRing, err := ringbuffer.New[watchdog.Record](c.cfg.PeriodicCollectionBufferSize)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", werrors.ErrInvalidInput, err)
	}
	c.periodic = modeState{
		info: watchdog.CollectionInfo{
			Interval:     c.cfg.PeriodicCollectionInterval,
			MaxCacheSize: c.cfg.PeriodicCollectionBufferSize,
		},
		ring: periodicRing,
	}
	c.mu.Unlock()

	go c.run()
	// The first boot-time tick runs immediately, matching
	// IoPerfCollection::start's sendMessage (no delay) for BOOT_TIME.
	c.cmdCh <- cmd{kind: evBootTick}
	return nil
}

// OnBootFinished requests the BOOT_TIME → PERIODIC transition. Per
// SPEC_FULL §12.1 this is tolerant of being called outside BOOT_TIME (a
// premature collector termination or a duplicate boot-complete broadcast)
// — it logs and returns nil rather than erroring, since erroring here
// would surface as a boot-loop-inducing exception upstream.
func (c *Controller) OnBootFinished() error {
	return c.dispatch(cmd{kind: evEndBoot})
}

// StartCustom requests PERIODIC → CUSTOM. Returns ErrInvalidState if the
// controller is not currently PERIODIC, ErrInvalidInput if interval or
// maxDuration is below the 1s floor.
func (c *Controller) StartCustom(interval, maxDuration time.Duration, filterPackages []string) error {
	if interval < minInterval || maxDuration < minInterval {
		return fmt.Errorf("%w: interval and max duration must be >= %s", werrors.ErrInvalidInput, minInterval)
	}
	return c.dispatch(cmd{kind: evStartCustom, interval: interval, maxDuration: maxDuration, filter: filterPackages})
}

// EndCustom requests CUSTOM → PERIODIC, discarding the custom cache.
// Returns ErrInvalidState if not currently CUSTOM.
func (c *Controller) EndCustom() error {
	return c.dispatch(cmd{kind: evEndCustom})
}

// Terminate transitions to TERMINATED, clears pending timers and stops the
// worker goroutine, then blocks until it has exited. It must only be
// called from a goroutine other than the worker's own — an internal
// sampler-error termination (see runTick) sets the terminal state
// directly instead of routing through this method, for exactly the
// self-join-deadlock reason the original documents at its analogous call
// site.
func (c *Controller) Terminate() {
	ev := cmd{kind: evTerminate, result: make(chan error, 1)}
	select {
	case c.cmdCh <- ev:
		<-ev.result
	case <-c.doneCh:
	}
	<-c.doneCh
}

// Dump returns a snapshot of the collection-side state for the admin
// no-args dump (§4.6).
func (c *Controller) Dump() Dump {
	ev := cmd{kind: evDump, dump: make(chan Dump, 1)}
	select {
	case c.cmdCh <- ev:
		return <-ev.dump
	case <-c.doneCh:
		return Dump{Mode: watchdog.ModeTerminated}
	}
}

func (c *Controller) dispatch(ev cmd) error {
	ev.result = make(chan error, 1)
	select {
	case c.cmdCh <- ev:
		return <-ev.result
	case <-c.doneCh:
		return fmt.Errorf("%w: collection already terminated", werrors.ErrInvalidState)
	}
}

// until returns the duration from clk.Now() to due, clamped to 0 rather
// than going negative — a tick whose due time has already passed (e.g.
// because runTick itself took longer than the interval) fires
// immediately instead of waiting a further interval, but the *next*
// due time is still computed from the old due time, not from the late
// fire time, so processing time never compounds into permanent drift.
func until(clk clock.Clock, due time.Time) time.Duration {
	d := due.Sub(clk.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) run() {
	defer close(c.doneCh)

	var tickTimer *clock.Timer
	var endTimer *clock.Timer
	var bootNextDue, periodicNextDue, customNextDue time.Time
	defer func() {
		if tickTimer != nil {
			tickTimer.Stop()
		}
		if endTimer != nil {
			endTimer.Stop()
		}
	}()

	for {
		var tickC <-chan time.Time
		if tickTimer != nil {
			tickC = tickTimer.C
		}
		var endC <-chan time.Time
		if endTimer != nil {
			endC = endTimer.C
		}

		select {
		case now := <-tickC:
			_ = now
			mode := c.currentMode()
			switch mode {
			case watchdog.ModeBootTime:
				c.runTick(watchdog.ModeBootTime)
				if c.currentMode() == watchdog.ModeBootTime {
					bootNextDue = bootNextDue.Add(c.cfg.BoottimeCollectionInterval)
					tickTimer = c.clock.Timer(until(c.clock, bootNextDue))
				} else {
					tickTimer = nil
				}
			case watchdog.ModePeriodic:
				c.runTick(watchdog.ModePeriodic)
				if c.currentMode() == watchdog.ModePeriodic {
					periodicNextDue = periodicNextDue.Add(c.cfg.PeriodicCollectionInterval)
					tickTimer = c.clock.Timer(until(c.clock, periodicNextDue))
				} else {
					tickTimer = nil
				}
			case watchdog.ModeCustom:
				c.runTick(watchdog.ModeCustom)
				if c.currentMode() == watchdog.ModeCustom {
					c.mu.Lock()
					ival := c.custom.info.Interval
					c.mu.Unlock()
					customNextDue = customNextDue.Add(ival)
					tickTimer = c.clock.Timer(until(c.clock, customNextDue))
				} else {
					tickTimer = nil
				}
			}

		case <-endC:
			ended := c.endCustomIfActive()
			endTimer = nil
			if ended {
				periodicNextDue = c.clock.Now()
				tickTimer = c.clock.Timer(0) // immediate periodic tick
			}

		case ev := <-c.cmdCh:
			switch ev.kind {
			case evBootTick:
				c.runTick(watchdog.ModeBootTime)
				bootNextDue = c.clock.Now().Add(c.cfg.BoottimeCollectionInterval)
				tickTimer = c.clock.Timer(until(c.clock, bootNextDue))

			case evEndBoot:
				if c.currentMode() != watchdog.ModeBootTime {
					c.logger.V(1).Info("ignoring boot-finished notification outside boot-time collection", "mode", c.currentMode())
					ev.result <- nil
					continue
				}
				// One final boot-time tick, then flip mode and arm the
				// first periodic tick one interval out.
				c.runTick(watchdog.ModeBootTime)
				c.mu.Lock()
				c.setModeLocked(watchdog.ModePeriodic)
				c.mu.Unlock()
				periodicNextDue = c.clock.Now().Add(c.cfg.PeriodicCollectionInterval)
				tickTimer = c.clock.Timer(until(c.clock, periodicNextDue))
				ev.result <- nil

			case evStartCustom:
				c.mu.Lock()
				if c.mode != watchdog.ModePeriodic {
					c.mu.Unlock()
					ev.result <- fmt.Errorf("%w: cannot start custom collection outside periodic collection", werrors.ErrInvalidState)
					continue
				}
				c.setModeLocked(watchdog.ModeCustom)
				c.custom = modeState{
					info: watchdog.CollectionInfo{
						Interval:       ev.interval,
						MaxCacheSize:   unboundedCacheSize,
						FilterPackages: ev.filter,
					},
				}
				c.mu.Unlock()
				if endTimer != nil {
					endTimer.Stop()
				}
				endTimer = c.clock.Timer(ev.maxDuration)
				customNextDue = c.clock.Now()
				tickTimer = c.clock.Timer(0)
				ev.result <- nil

			case evEndCustom:
				if !c.endCustomIfActive() {
					ev.result <- fmt.Errorf("%w: no custom collection is running", werrors.ErrInvalidState)
					continue
				}
				if endTimer != nil {
					endTimer.Stop()
					endTimer = nil
				}
				periodicNextDue = c.clock.Now()
				tickTimer = c.clock.Timer(0)
				ev.result <- nil

			case evTerminate:
				c.mu.Lock()
				c.setModeLocked(watchdog.ModeTerminated)
				c.mu.Unlock()
				ev.result <- nil
				return

			case evDump:
				ev.dump <- c.snapshot()
			}
		}
	}
}

// setModeLocked assigns the controller's mode and, if a metrics bundle was
// supplied, reflects it on the collection_mode gauge. Callers must hold c.mu.
func (c *Controller) setModeLocked(mode watchdog.CollectionMode) {
	c.mode = mode
	if c.metrics != nil {
		c.metrics.CollectionMode.Set(float64(mode))
	}
}

func (c *Controller) currentMode() watchdog.CollectionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// endCustomIfActive performs the CUSTOM → PERIODIC transition if (and only
// if) the controller is still in CUSTOM, discarding the custom cache. It
// returns false if the mode had already moved on — the guard that
// resolves the explicit-end-vs-timed-end race (§5 "only the first of the
// two to run actually performs the transition").
func (c *Controller) endCustomIfActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != watchdog.ModeCustom {
		return false
	}
	c.setModeLocked(watchdog.ModePeriodic)
	c.custom = modeState{}
	return true
}

// runTick executes one collection tick for the given mode: verify the
// controller is still in that mode (drop a stale message otherwise),
// validate the mode's interval/cache-size floor, sample, delta, rank, and
// append the record. A hard sampler error transitions the controller
// straight to TERMINATED without going through Terminate (see its
// doc comment for why).
func (c *Controller) runTick(mode watchdog.CollectionMode) {
	c.mu.Lock()
	if c.mode != mode {
		c.logger.V(1).Info("dropping stale tick", "tick_mode", mode, "current_mode", c.mode)
		c.mu.Unlock()
		return
	}
	state := c.modeStateLocked(mode)
	info := state.info
	c.mu.Unlock()

	if info.MaxCacheSize == 0 {
		c.terminateLocked(fmt.Errorf("maximum cache size for %s collection cannot be 0", mode))
		return
	}
	if info.Interval < minInterval {
		c.terminateLocked(fmt.Errorf("collection interval for %s collection cannot be less than %s", mode, minInterval))
		return
	}

	start := c.clock.Now()
	if c.metrics != nil {
		defer func() {
			c.metrics.CollectionTickSeconds.WithLabelValues(mode.String()).Observe(c.clock.Now().Sub(start).Seconds())
		}()
	}

	samples, err := c.samplers.Sample(context.Background())
	if err != nil {
		if c.metrics != nil {
			var sampleErr *sampler.SampleError
			name := "unknown"
			if errors.As(err, &sampleErr) {
				name = sampleErr.Sampler
			}
			c.metrics.SamplerErrorsTotal.WithLabelValues(name).Inc()
		}
		c.terminateLocked(fmt.Errorf("sampling failed during %s collection: %w", mode, err))
		return
	}

	uidio := c.deltaEng.UIDIO(samples.UIDIO)
	sys := c.deltaEng.System(samples.System)
	proc := c.deltaEng.Process(samples.Process)

	filter := ranker.NewFilter(info.FilterPackages)
	record := watchdog.Record{
		Timestamp: c.clock.Now(),
		UIDIO:     c.rank.RankUIDIO(uidio, filter, c.names),
		System:    c.rank.RankSystem(sys),
		Process:   c.rank.RankProcess(proc, filter, c.names),
	}

	c.mu.Lock()
	s := c.modeStateLocked(mode)
	s.push(record)
	c.setModeStateLocked(mode, s)
	c.mu.Unlock()
}

func (c *Controller) terminateLocked(err error) {
	c.logger.Error(err, "terminating collection")
	c.mu.Lock()
	c.setModeLocked(watchdog.ModeTerminated)
	c.mu.Unlock()
}

func (c *Controller) modeStateLocked(mode watchdog.CollectionMode) modeState {
	switch mode {
	case watchdog.ModeBootTime:
		return c.boot
	case watchdog.ModePeriodic:
		return c.periodic
	case watchdog.ModeCustom:
		return c.custom
	default:
		return modeState{}
	}
}

func (c *Controller) setModeStateLocked(mode watchdog.CollectionMode, s modeState) {
	switch mode {
	case watchdog.ModeBootTime:
		c.boot = s
	case watchdog.ModePeriodic:
		c.periodic = s
	case watchdog.ModeCustom:
		c.custom = s
	}
}

func (c *Controller) snapshot() Dump {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Dump{
		Mode:         c.mode,
		CustomActive: c.mode == watchdog.ModeCustom,
	}
	d.BootRecords = c.boot.getAll()
	d.PeriodicRecords = c.periodic.getAll()
	d.CustomRecords = c.custom.getAll()
	if c.samplers != nil {
		d.CollectorStatus = CollectorStatus{
			UIDIOEnabled:   c.samplers.UIDIO.Enabled(),
			SystemEnabled:  c.samplers.System.Enabled(),
			ProcessEnabled: c.samplers.Process.Enabled(),
		}
	}
	return d
}
