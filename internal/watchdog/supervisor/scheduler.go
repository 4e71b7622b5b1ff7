// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package supervisor

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
)

// scheduler drives the three independent per-tier ping cycles on one
// dedicated goroutine, the same shape as the collection controller's event
// loop (SPEC_FULL §11.2/§11.6): one clock.Timer per tier plus a command
// channel for arm/disable/terminate requests from registry mutations that
// run on transport goroutines. Keeping timer creation confined to this one
// goroutine avoids the data race two goroutines racing clock.Timer
// construction would otherwise introduce.
type scheduler struct {
	sup    *Supervisor
	clock  clock.Clock
	cmdCh  chan schedCmd
	doneCh chan struct{}
}

type schedCmdKind int

const (
	cmdArmTier schedCmdKind = iota
	cmdDisableAll
	cmdTerminate
)

type schedCmd struct {
	kind schedCmdKind
	tier watchdog.Tier
}

func newScheduler(sup *Supervisor, clk clock.Clock) *scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &scheduler{
		sup:    sup,
		clock:  clk,
		cmdCh:  make(chan schedCmd, 16),
		doneCh: make(chan struct{}),
	}
}

func (sc *scheduler) start() {
	go sc.run()
}

// armTier requests the tier's timer be armed if it is not already running,
// used when a tier's registration sequence transitions empty → non-empty
// or when power resumes. A no-op once the scheduler has stopped.
func (sc *scheduler) armTier(t watchdog.Tier) {
	select {
	case sc.cmdCh <- schedCmd{kind: cmdArmTier, tier: t}:
	case <-sc.doneCh:
	}
}

// disableAll stops every tier's timer; used on SUSPEND/SHUTDOWN.
func (sc *scheduler) disableAll() {
	select {
	case sc.cmdCh <- schedCmd{kind: cmdDisableAll}:
	case <-sc.doneCh:
	}
}

// stop requests termination and blocks until the worker goroutine exits.
func (sc *scheduler) stop() {
	select {
	case sc.cmdCh <- schedCmd{kind: cmdTerminate}:
	case <-sc.doneCh:
		return
	}
	<-sc.doneCh
}

// run is the scheduler's event loop. There are exactly three tiers, so the
// per-tier timer channels are three static select cases rather than a
// generic heap — the same "no speculative abstraction" call the collection
// controller makes for its own at-most-two-timer loop.
func (sc *scheduler) run() {
	defer close(sc.doneCh)

	var timers [3]*clock.Timer
	defer func() {
		for _, t := range timers {
			if t != nil {
				t.Stop()
			}
		}
	}()

	for {
		var chans [3]<-chan time.Time
		for i, t := range timers {
			if t != nil {
				chans[i] = t.C
			}
		}

		select {
		case <-chans[0]:
			sc.fire(watchdog.TierCritical, &timers[0])
		case <-chans[1]:
			sc.fire(watchdog.TierModerate, &timers[1])
		case <-chans[2]:
			sc.fire(watchdog.TierNormal, &timers[2])
		case cmd := <-sc.cmdCh:
			switch cmd.kind {
			case cmdArmTier:
				idx := int(cmd.tier)
				if timers[idx] == nil {
					timers[idx] = sc.clock.Timer(0)
				}
			case cmdDisableAll:
				for i, t := range timers {
					if t != nil {
						t.Stop()
						timers[i] = nil
					}
				}
			case cmdTerminate:
				return
			}
		}
	}
}

// fire runs one tier's cycle and rearms or disarms its timer slot
// depending on the outcome, per §4.5 step 5: "If at least one client was
// challenged, schedule the next cycle timeout(tier) later; otherwise go
// idle for the tier."
func (sc *scheduler) fire(tier watchdog.Tier, slot **clock.Timer) {
	challenged := sc.sup.runTierCycle(tier)
	if challenged {
		*slot = sc.clock.Timer(tier.Timeout())
	} else {
		*slot = nil
	}
}
