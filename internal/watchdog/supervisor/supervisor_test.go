// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package supervisor

import (
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
)

type fakeClient struct {
	id string

	mu            sync.Mutex
	bound         bool
	bindErr       error
	checkErr      error
	prepareErr    error
	checks        []int32 // session ids seen by CheckIfAlive
	prepareCalled int
}

func newFakeClient(id string) *fakeClient { return &fakeClient{id: id} }

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) Bind() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound = true
	return nil
}
func (f *fakeClient) Unbind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = false
}
func (f *fakeClient) CheckIfAlive(sessionID int32, tier watchdog.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, sessionID)
	return f.checkErr
}
func (f *fakeClient) PrepareProcessTermination() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalled++
	return f.prepareErr
}
func (f *fakeClient) lastSession() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checks) == 0 {
		return 0
	}
	return f.checks[len(f.checks)-1]
}
func (f *fakeClient) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checks)
}

type fakeMonitor struct {
	id string

	mu           sync.Mutex
	notResponded [][]int32
	err          error
}

func (m *fakeMonitor) ID() string  { return m.id }
func (m *fakeMonitor) Bind() error { return nil }
func (m *fakeMonitor) Unbind()     {}
func (m *fakeMonitor) OnClientsNotResponding(pids []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notResponded = append(m.notResponded, pids)
	return m.err
}
func (m *fakeMonitor) calls() [][]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]int32, len(m.notResponded))
	copy(out, m.notResponded)
	return out
}

type fakeOracle struct {
	mu          sync.Mutex
	shuttingDown bool
}

func (o *fakeOracle) IsShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuttingDown
}

func newTestSupervisor(clk clock.Clock) *Supervisor {
	return New(logr.Discard(), clk, &fakeOracle{}, nil)
}

func waitUntil(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSupervisor_RegisterArmsAndChallenges(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	c := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c, 100, 7, watchdog.TierCritical))

	waitUntil(t, func() bool { return c.checkCount() == 1 })
	assert.NotEqual(t, int32(0), c.lastSession())
}

func TestSupervisor_TellClientAliveClearsPinged(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	c := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c, 100, 7, watchdog.TierCritical))
	waitUntil(t, func() bool { return c.checkCount() == 1 })

	sid := c.lastSession()
	require.NoError(t, s.TellClientAlive(c, sid))

	// The next cycle re-challenges with a fresh session id once the tier
	// timer fires again.
	clk.Add(watchdog.TierCritical.Timeout())
	waitUntil(t, func() bool { return c.checkCount() == 2 })
	assert.NotEqual(t, sid, c.lastSession())
}

func TestSupervisor_TellClientAliveUnknownSessionErrors(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	c := newFakeClient("c1")
	err := s.TellClientAlive(c, 42)
	assert.Error(t, err)
}

// TestSupervisor_EscalatesStragglerToMonitor exercises §8 scenario S3: a
// registered client that never responds is, at the start of the next
// cycle, removed from the registry and dispatched to the monitor.
func TestSupervisor_EscalatesStragglerToMonitor(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	mon := &fakeMonitor{id: "mon"}
	require.NoError(t, s.RegisterMonitor(mon))

	straggler := newFakeClient("straggler")
	require.NoError(t, s.RegisterClient(straggler, 200, 7, watchdog.TierCritical))
	waitUntil(t, func() bool { return straggler.checkCount() == 1 })

	// Straggler never calls TellClientAlive. The next cycle's escalation
	// pass removes it and notifies the monitor.
	clk.Add(watchdog.TierCritical.Timeout())
	waitUntil(t, func() bool { return len(mon.calls()) == 1 })
	assert.Equal(t, []int32{200}, mon.calls()[0])

	st := s.Dump()
	for _, c := range st.Clients {
		assert.NotEqual(t, int32(200), c.PID)
	}
}

func TestSupervisor_EscalationRespectsStoppedUser(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	mon := &fakeMonitor{id: "mon"}
	require.NoError(t, s.RegisterMonitor(mon))
	require.NoError(t, s.NotifyUserStateChange(7, watchdog.UserStopped))

	c := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c, 100, 7, watchdog.TierCritical))

	// The stopped user is skipped entirely: no challenge is sent for it
	// and no escalation pass notifies the monitor for it either.
	clk.Add(watchdog.TierCritical.Timeout())
	clk.Add(watchdog.TierCritical.Timeout())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.checkCount())
	assert.Empty(t, mon.calls())
}

func TestSupervisor_DumpAndKillWithoutMonitorErrors(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	err := s.dumpAndKillAllProcesses([]int32{1})
	assert.Error(t, err)
}

func TestSupervisor_PowerCycleDisablesAndResumes(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	c := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c, 100, 7, watchdog.TierCritical))
	waitUntil(t, func() bool { return c.checkCount() == 1 })

	require.NoError(t, s.NotifyPowerCycleChange(watchdog.PowerShutdown))
	clk.Add(watchdog.TierCritical.Timeout())
	clk.Add(watchdog.TierCritical.Timeout())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.checkCount(), "no new challenges while disabled")

	require.NoError(t, s.NotifyPowerCycleChange(watchdog.PowerResume))
	waitUntil(t, func() bool { return c.checkCount() == 2 })
}

func TestSupervisor_RegisterMonitorTwiceSameHandleIsIdempotent(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	mon := &fakeMonitor{id: "mon"}
	require.NoError(t, s.RegisterMonitor(mon))
	require.NoError(t, s.RegisterMonitor(mon))
}

func TestSupervisor_RegisterSecondMonitorErrors(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	require.NoError(t, s.RegisterMonitor(&fakeMonitor{id: "mon1"}))
	err := s.RegisterMonitor(&fakeMonitor{id: "mon2"})
	assert.Error(t, err)
}

func TestSupervisor_UnregisterClientNotFoundErrors(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	err := s.UnregisterClient(newFakeClient("ghost"))
	assert.Error(t, err)
}

func TestSupervisor_ClientDiedRemovesRegistration(t *testing.T) {
	clk := clock.NewMock()
	s := newTestSupervisor(clk)
	s.Start()
	defer s.Terminate()

	c := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c, 100, 7, watchdog.TierCritical))
	waitUntil(t, func() bool { return c.checkCount() == 1 })

	s.ClientDied(c.ID())
	st := s.Dump()
	assert.Empty(t, st.Clients)
}

// TestSupervisor_MetricsWiring exercises Comment 2's wiring directly: the
// registered-clients gauge tracks a tier's live registration count across
// register/unregister, and the escalations counter increments for a
// straggler actually dispatched to the monitor.
func TestSupervisor_MetricsWiring(t *testing.T) {
	clk := clock.NewMock()
	m := metrics.New()
	s := New(logr.Discard(), clk, &fakeOracle{}, m)
	s.Start()
	defer s.Terminate()

	mon := &fakeMonitor{id: "mon"}
	require.NoError(t, s.RegisterMonitor(mon))

	c1 := newFakeClient("c1")
	require.NoError(t, s.RegisterClient(c1, 100, 7, watchdog.TierCritical))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegisteredClients.WithLabelValues(watchdog.TierCritical.String())))

	c2 := newFakeClient("c2")
	require.NoError(t, s.RegisterClient(c2, 101, 8, watchdog.TierCritical))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RegisteredClients.WithLabelValues(watchdog.TierCritical.String())))

	require.NoError(t, s.UnregisterClient(c2))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegisteredClients.WithLabelValues(watchdog.TierCritical.String())))

	waitUntil(t, func() bool { return c1.checkCount() == 1 })
	clk.Add(watchdog.TierCritical.Timeout())
	waitUntil(t, func() bool { return len(mon.calls()) == 1 })

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EscalationsTotal.WithLabelValues(watchdog.TierCritical.String())))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RegisteredClients.WithLabelValues(watchdog.TierCritical.String())))
}
