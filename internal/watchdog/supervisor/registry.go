// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package supervisor implements §4.5: the tiered client/mediator/monitor
// registry, the per-tier ping scheduler, liveness reporting, timeout
// escalation, dump-and-kill, and power/user-state control. Grounded on
// WatchdogProcessService.{h,cpp} nearly line-for-line in control flow.
package supervisor

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/antimetal/carwatchdogd/internal/metrics"
	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

// SystemOracle answers the "is the system shutting down" question
// dump-and-kill consults before dispatching to the monitor. Grounded on
// isSystemShuttingDown()'s sys.powerctl property read; the concrete
// backing implementation lives outside this package (SPEC_FULL §11.4).
type SystemOracle interface {
	IsShuttingDown() bool
}

// registration is one tier's bookkeeping entry: the public ClientInfo plus
// the session id it was last pinged with, if any.
type registration struct {
	info      watchdog.ClientInfo
	sessionID int32 // 0 when not currently pinged
}

// Supervisor owns the three tier registries, the monitor singleton, the
// stopped-users set and the enabled flag, all guarded by mu. Registry
// mutation methods below run on the calling (transport) goroutine and only
// ever hold mu briefly, per §5 "External RPC handlers acquire this mutex
// briefly ... and then return; they never hold it across a transport call
// out." Only bind/unbind calls happen under the lock; CheckIfAlive and
// PrepareProcessTermination run outside it (see scheduler.go/escalation.go).
type Supervisor struct {
	logger  logr.Logger
	oracle  SystemOracle
	metrics *metrics.Metrics

	mu            sync.Mutex
	clients       map[watchdog.Tier][]registration
	pinged        map[watchdog.Tier]map[int32]registration
	monitor       watchdog.MonitorHandle
	stoppedUsers  map[int32]bool
	enabled       bool
	lastSessionID int32
	terminated    bool

	sched *scheduler
}

func New(logger logr.Logger, clk clock.Clock, oracle SystemOracle, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		logger:       logger.WithName("supervisor"),
		oracle:       oracle,
		metrics:      m,
		clients:      make(map[watchdog.Tier][]registration, len(watchdog.AllTiers)),
		pinged:       make(map[watchdog.Tier]map[int32]registration, len(watchdog.AllTiers)),
		stoppedUsers: make(map[int32]bool),
		enabled:      true,
	}
	for _, t := range watchdog.AllTiers {
		s.clients[t] = nil
		s.pinged[t] = make(map[int32]registration)
	}
	s.sched = newScheduler(s, clk)
	return s
}

// Start launches the ping-cycle worker goroutine. Call once, after
// registering any clients restored from a previous session (there are
// none, in this daemon's ephemeral-state design, but the method exists for
// symmetry with the collection controller's lifecycle).
func (s *Supervisor) Start() {
	s.sched.start()
}

// Terminate unbinds every remaining registration's death-watch link and
// stops the worker goroutine, matching WatchdogProcessService::terminate
// plus the destructor-time unbind-all sweep SPEC_FULL §5 requires.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	if s.monitor != nil {
		s.monitor.Unbind()
		s.monitor = nil
	}
	for _, t := range watchdog.AllTiers {
		for _, r := range s.clients[t] {
			r.info.Handle.Unbind()
		}
		s.clients[t] = nil
		s.pinged[t] = make(map[int32]registration)
	}
	s.mu.Unlock()

	s.sched.stop()
}

// RegisterClient binds the handle for death-watch and appends it to the
// tier's sequence. If the sequence was empty, the tier's ping timer is
// armed.
func (s *Supervisor) RegisterClient(handle watchdog.ClientHandle, pid, uid int32, tier watchdog.Tier) error {
	return s.registerLocked(handle, pid, uid, tier, watchdog.RolePlain)
}

// RegisterMediator is RegisterClient with the tier fixed to CRITICAL and
// the role set to mediator.
func (s *Supervisor) RegisterMediator(handle watchdog.ClientHandle, pid, uid int32) error {
	return s.registerLocked(handle, pid, uid, watchdog.TierCritical, watchdog.RoleMediator)
}

func (s *Supervisor) registerLocked(handle watchdog.ClientHandle, pid, uid int32, tier watchdog.Tier, role watchdog.Role) error {
	s.mu.Lock()
	if s.isRegisteredLocked(handle.ID()) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := handle.Bind(); err != nil {
		return fmt.Errorf("%w: cannot register client: %s", werrors.ErrTransport, err)
	}

	s.mu.Lock()
	wasEmpty := len(s.clients[tier]) == 0
	s.clients[tier] = append(s.clients[tier], registration{
		info: watchdog.ClientInfo{Handle: handle, PID: pid, UID: uid, Tier: tier, Role: role},
	})
	s.reportClientGaugeLocked(tier)
	s.mu.Unlock()

	if wasEmpty {
		s.sched.armTier(tier)
	}
	return nil
}

// reportClientGaugeLocked must be called with mu held.
func (s *Supervisor) reportClientGaugeLocked(tier watchdog.Tier) {
	if s.metrics == nil {
		return
	}
	s.metrics.RegisteredClients.WithLabelValues(tier.String()).Set(float64(len(s.clients[tier])))
}

// UnregisterClient unbinds the handle and removes it from every tier it
// could be registered under.
func (s *Supervisor) UnregisterClient(handle watchdog.ClientHandle) error {
	return s.unregisterLocked(handle, watchdog.AllTiers[:])
}

// UnregisterMediator is the same lookup restricted to CRITICAL, matching
// the original's mediator-only-lives-in-CRITICAL invariant.
func (s *Supervisor) UnregisterMediator(handle watchdog.ClientHandle) error {
	return s.unregisterLocked(handle, []watchdog.Tier{watchdog.TierCritical})
}

func (s *Supervisor) unregisterLocked(handle watchdog.ClientHandle, tiers []watchdog.Tier) error {
	s.mu.Lock()
	found := false
	for _, t := range tiers {
		list := s.clients[t]
		for i, r := range list {
			if r.info.Handle.ID() != handle.ID() {
				continue
			}
			s.clients[t] = append(list[:i], list[i+1:]...)
			delete(s.pinged[t], r.sessionID)
			s.reportClientGaugeLocked(t)
			found = true
			break
		}
		if found {
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: client is not registered", werrors.ErrInvalidInput)
	}
	handle.Unbind()
	return nil
}

// RegisterMonitor is idempotent if the same handle is re-registered;
// otherwise at most one monitor may exist at a time per the original's
// single mMonitor field (Open Question decision (c) in DESIGN.md).
func (s *Supervisor) RegisterMonitor(handle watchdog.MonitorHandle) error {
	s.mu.Lock()
	if s.monitor != nil && s.monitor.ID() == handle.ID() {
		s.mu.Unlock()
		return nil
	}
	if s.monitor != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: a monitor is already registered", werrors.ErrInvalidState)
	}
	s.mu.Unlock()

	if err := handle.Bind(); err != nil {
		return fmt.Errorf("%w: cannot register monitor: %s", werrors.ErrTransport, err)
	}

	s.mu.Lock()
	s.monitor = handle
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) UnregisterMonitor(handle watchdog.MonitorHandle) error {
	s.mu.Lock()
	if s.monitor == nil || s.monitor.ID() != handle.ID() {
		s.mu.Unlock()
		return fmt.Errorf("%w: the monitor has not been registered", werrors.ErrInvalidInput)
	}
	s.monitor = nil
	s.mu.Unlock()

	handle.Unbind()
	return nil
}

// ClientDied is the transport's death notification for a client or
// mediator handle: scan every tier and remove the matching registration.
func (s *Supervisor) ClientDied(handleID string) {
	s.mu.Lock()
	for _, t := range watchdog.AllTiers {
		list := s.clients[t]
		for i, r := range list {
			if r.info.Handle.ID() != handleID {
				continue
			}
			s.clients[t] = append(list[:i], list[i+1:]...)
			delete(s.pinged[t], r.sessionID)
			s.reportClientGaugeLocked(t)
			s.logger.Info("client died", "pid", r.info.PID, "tier", t)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
}

// MonitorDied is the transport's death notification for the monitor
// handle.
func (s *Supervisor) MonitorDied(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor != nil && s.monitor.ID() == handleID {
		s.monitor = nil
		s.logger.Info("monitor died")
	}
}

// isRegisteredLocked must be called with mu held.
func (s *Supervisor) isRegisteredLocked(handleID string) bool {
	for _, t := range watchdog.AllTiers {
		for _, r := range s.clients[t] {
			if r.info.Handle.ID() == handleID {
				return true
			}
		}
	}
	return false
}

// getNewSessionIDLocked must be called with mu held. Mirrors
// getNewSessionId: always positive, wraps past INT32_MAX back to 1.
func (s *Supervisor) getNewSessionIDLocked() int32 {
	s.lastSessionID++
	if s.lastSessionID <= 0 {
		s.lastSessionID = 1
	}
	return s.lastSessionID
}

// TellClientAlive looks up sessionID across every tier's pinged-client
// map; if found and the handle matches, the entry is removed.
func (s *Supervisor) TellClientAlive(handle watchdog.ClientHandle, sessionID int32) error {
	return s.tellAliveLocked(handle, sessionID)
}

func (s *Supervisor) tellAliveLocked(handle watchdog.ClientHandle, sessionID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range watchdog.AllTiers {
		r, ok := s.pinged[t][sessionID]
		if !ok || r.info.Handle.ID() != handle.ID() {
			continue
		}
		delete(s.pinged[t], sessionID)
		return nil
	}
	return fmt.Errorf("%w: client is not registered or the session id is not found", werrors.ErrUnknownSession)
}

// TellMediatorAlive is TellClientAlive plus, on success, escalating the
// listed non-responding PIDs via the dump-and-kill path.
func (s *Supervisor) TellMediatorAlive(handle watchdog.ClientHandle, pidsNotResponding []int32, sessionID int32) error {
	if err := s.tellAliveLocked(handle, sessionID); err != nil {
		return err
	}
	if len(pidsNotResponding) > 0 {
		s.dumpAndKillAllProcesses(pidsNotResponding)
	}
	return nil
}

// TellDumpFinished validates that the caller reporting a finished dump is
// the same handle currently registered as the monitor.
func (s *Supervisor) TellDumpFinished(handle watchdog.MonitorHandle, pid int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor == nil || handle == nil || s.monitor.ID() != handle.ID() {
		return fmt.Errorf("%w: the monitor is not registered or an invalid monitor is given", werrors.ErrInvalidInput)
	}
	s.logger.Info("process dumped and killed", "pid", pid)
	return nil
}

// NotifyPowerCycleChange implements §4.5 power-cycle control: SUSPEND and
// SHUTDOWN disable the supervisor, RESUME re-enables it, clears every
// tier's pinged-client map and re-arms every non-empty tier.
func (s *Supervisor) NotifyPowerCycleChange(cycle watchdog.PowerState) error {
	s.mu.Lock()
	was := s.enabled
	switch cycle {
	case watchdog.PowerShutdown, watchdog.PowerSuspend:
		s.enabled = false
	case watchdog.PowerResume:
		s.enabled = true
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: unsupported power cycle", werrors.ErrInvalidInput)
	}
	now := s.enabled
	var nonEmpty []watchdog.Tier
	if cycle == watchdog.PowerResume {
		for _, t := range watchdog.AllTiers {
			// Challenges sent before the suspend are not escalated; the
			// first cycle after RESUME challenges every client afresh.
			s.pinged[t] = make(map[int32]registration)
			if len(s.clients[t]) > 0 {
				nonEmpty = append(nonEmpty, t)
			}
		}
	}
	s.mu.Unlock()

	if was != now {
		s.logger.Info("watchdog enabled state changed", "enabled", now)
	}
	for _, t := range nonEmpty {
		s.sched.armTier(t)
	}
	if !now {
		s.sched.disableAll()
	}
	return nil
}

// NotifyUserStateChange adds or removes userID from the stopped-users set.
func (s *Supervisor) NotifyUserStateChange(userID int32, state watchdog.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case watchdog.UserStarted:
		delete(s.stoppedUsers, userID)
	case watchdog.UserStopped:
		s.stoppedUsers[userID] = true
	default:
		return fmt.Errorf("%w: unsupported user state", werrors.ErrInvalidInput)
	}
	return nil
}

// ClientSummary is one registration as reported by Dump.
type ClientSummary struct {
	PID  int32
	UID  int32
	Tier watchdog.Tier
	Role watchdog.Role
}

// Status is the admin-dump snapshot of supervisor state (§4.6 no-args
// form).
type Status struct {
	Enabled           bool
	Clients           []ClientSummary
	MonitorRegistered bool
	StoppedUsers      []int32
}

// Dump returns a point-in-time snapshot for the admin dump command.
func (s *Supervisor) Dump() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Enabled: s.enabled, MonitorRegistered: s.monitor != nil}
	for _, t := range watchdog.AllTiers {
		for _, r := range s.clients[t] {
			st.Clients = append(st.Clients, ClientSummary{
				PID: r.info.PID, UID: r.info.UID, Tier: r.info.Tier, Role: r.info.Role,
			})
		}
	}
	for uid := range s.stoppedUsers {
		st.StoppedUsers = append(st.StoppedUsers, uid)
	}
	return st
}
