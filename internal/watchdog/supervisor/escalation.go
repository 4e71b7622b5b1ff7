// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package supervisor

import (
	"fmt"

	"github.com/antimetal/carwatchdogd/internal/watchdog"
	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

// runTierCycle runs one full ping cycle for tier: escalate the previous
// cycle's stragglers, then challenge the tier's current registrations.
// Grounded on doHealthCheck, which runs dumpAndKillClientsIfNotResponding
// before building the fresh clientsToCheck snapshot. Returns whether at
// least one client was challenged this cycle — the scheduler reschedules
// the tier's timer only if so, matching doHealthCheck's
// "clientsToCheck.size() > 0" conservative reschedule condition.
func (s *Supervisor) runTierCycle(tier watchdog.Tier) bool {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.escalateStragglers(tier)

	s.mu.Lock()
	s.pinged[tier] = make(map[int32]registration)
	var toChallenge []registration
	for i, r := range s.clients[tier] {
		if s.stoppedUsers[r.info.UID] {
			continue
		}
		sid := s.getNewSessionIDLocked()
		r.sessionID = sid
		s.clients[tier][i] = r
		toChallenge = append(toChallenge, r)
		s.pinged[tier][sid] = r
	}
	s.mu.Unlock()

	for _, r := range toChallenge {
		if err := r.info.Handle.CheckIfAlive(r.sessionID, tier); err != nil {
			s.logger.Info("ping failed, dropping from pinged set", "pid", r.info.PID, "tier", tier, "err", err)
			s.mu.Lock()
			delete(s.pinged[tier], r.sessionID)
			s.mu.Unlock()
		}
	}

	return len(toChallenge) > 0
}

// escalateStragglers implements dumpAndKillClientsIfNotResponding: every
// registration still in the tier's pinged-client map missed its deadline.
// Each is removed from the registry; unless its user is stopped, it is
// notified best-effort and its pid collected for the to-kill dispatch.
func (s *Supervisor) escalateStragglers(tier watchdog.Tier) {
	s.mu.Lock()
	pinged := s.pinged[tier]
	var toNotify []registration
	var pids []int32
	for sid, r := range pinged {
		s.removeFromTierLocked(tier, r.info.Handle.ID())
		if !s.stoppedUsers[r.info.UID] {
			toNotify = append(toNotify, r)
			pids = append(pids, r.info.PID)
		}
	}
	s.pinged[tier] = make(map[int32]registration)
	s.mu.Unlock()

	for _, r := range toNotify {
		if err := r.info.Handle.PrepareProcessTermination(); err != nil {
			s.logger.Info("prepare process termination failed", "pid", r.info.PID, "err", err)
		}
	}
	if len(pids) > 0 {
		if s.metrics != nil {
			s.metrics.EscalationsTotal.WithLabelValues(tier.String()).Add(float64(len(pids)))
		}
		s.dumpAndKillAllProcesses(pids)
	}
}

// removeFromTierLocked must be called with mu held.
func (s *Supervisor) removeFromTierLocked(tier watchdog.Tier, handleID string) {
	list := s.clients[tier]
	for i, r := range list {
		if r.info.Handle.ID() == handleID {
			s.clients[tier] = append(list[:i], list[i+1:]...)
			s.reportClientGaugeLocked(tier)
			return
		}
	}
}

// dumpAndKillAllProcesses implements §4.5's dump-and-kill: no monitor is a
// hard error, a shutting-down system is a silent success, otherwise the
// pids are dispatched to the monitor's onClientsNotResponding.
func (s *Supervisor) dumpAndKillAllProcesses(pids []int32) error {
	if len(pids) == 0 {
		return nil
	}
	s.mu.Lock()
	monitor := s.monitor
	s.mu.Unlock()

	if monitor == nil {
		err := fmt.Errorf("%w: cannot dump and kill processes (pids=%v): monitor is not set", werrors.ErrInvalidState, pids)
		s.logger.Info(err.Error())
		return err
	}
	if s.oracle != nil && s.oracle.IsShuttingDown() {
		s.logger.Info("skip dumping and killing processes: system is shutting down", "pids", pids)
		return nil
	}
	if err := monitor.OnClientsNotResponding(pids); err != nil {
		return fmt.Errorf("%w: %s", werrors.ErrTransport, err)
	}
	s.logger.Info("dumping and killing processes requested", "pids", pids)
	return nil
}
