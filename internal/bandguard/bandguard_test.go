package bandguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torwatch/vanguard/pkg/config"
)

func TestCircEventCreatesAndBuildsCircuit(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)

	_, ok := m.CircEvent("1", "LAUNCHED", "GENERAL", "", nil, "", now)
	assert.False(t, ok)
	assert.Equal(t, 1, m.CircuitCount())

	_, ok = m.CircEvent("1", "BUILT", "GENERAL", "", []string{"AAAA"}, "", now.Add(time.Second))
	assert.False(t, ok)
	assert.True(t, m.circs["1"].Built)
}

func TestTrackedCircuitIDsReflectsLiveCircuits(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.CircEvent("1", "LAUNCHED", "GENERAL", "", nil, "", now)
	m.CircEvent("2", "LAUNCHED", "GENERAL", "", nil, "", now)

	assert.ElementsMatch(t, []string{"1", "2"}, m.TrackedCircuitIDs())

	m.CircEvent("1", "CLOSED", "GENERAL", "", nil, "", now)
	assert.Equal(t, []string{"2"}, m.TrackedCircuitIDs())
}

func TestCircEventMarksHSCircuitInUseWithGuard(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)

	m.CircEvent("5", "LAUNCHED", "HS_CLIENT_REND", "", nil, "", now)
	m.CircEvent("5", "BUILT", "HS_CLIENT_REND", "HSCI_DONE", []string{"GUARDFP"}, "", now)

	circ := m.circs["5"]
	require.NotNil(t, circ)
	assert.True(t, circ.InUse)
	assert.Equal(t, "GUARDFP", circ.GuardFingerprint)
}

func TestORConnCloseMarksInUseCircuitsPossiblyDestroyed(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)

	m.ORConnEvent("conn1", "GUARDFP", "CONNECTED", "", now)
	m.CircEvent("5", "LAUNCHED", "HS_CLIENT_REND", "", nil, "", now)
	m.CircEvent("5", "BUILT", "HS_CLIENT_REND", "HSCI_DONE", []string{"GUARDFP"}, "", now)

	m.ORConnEvent("conn1", "GUARDFP", "CLOSED", "CHANNEL_CLOSED", now.Add(time.Second))
	assert.False(t, m.circs["5"].PossiblyDestroyedAt.IsZero())
}

func TestCircEventAttributesDestructionToGuardKillWithinLagWindow(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)

	m.ORConnEvent("conn1", "GUARDFP", "CONNECTED", "", now)
	m.CircEvent("5", "LAUNCHED", "HS_CLIENT_REND", "", nil, "", now)
	m.CircEvent("5", "BUILT", "HS_CLIENT_REND", "HSCI_DONE", []string{"GUARDFP"}, "", now)
	m.ORConnEvent("conn1", "GUARDFP", "CLOSED", "CHANNEL_CLOSED", now.Add(time.Second))

	destroyed, ok := m.CircEvent("5", "CLOSED", "HS_CLIENT_REND", "HSCI_DONE", nil, "CHANNEL_CLOSED", now.Add(2*time.Second))
	assert.True(t, ok)
	assert.True(t, destroyed)
	assert.Equal(t, uint32(1), m.guards["GUARDFP"].KilledConns)
}

func TestDroppedReadCellsFormula(t *testing.T) {
	circ := &CircuitStat{ReadBytes: 5090, DeliveredReadBytes: 3984}
	assert.Equal(t, int64(2), circ.DroppedReadCells())
}

func TestCheckCircuitLimitsEmitsKnownBugForPatternA(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.CircEvent("40", "LAUNCHED", "HS_SERVICE_INTRO", "HSSI_ESTABLISHED", nil, "", now)
	m.CircEvent("40", "BUILT", "HS_SERVICE_INTRO", "HSSI_ESTABLISHED", nil, "", now)
	m.CircBWEvent("40", 509, 0, 0, 0, 0, 0)

	v := m.CheckCircuitLimits("40", config.BandguardsConfig{})
	assert.Equal(t, VerdictKnownBug, v.Kind)
	assert.Equal(t, "A", v.BugID)
}

func TestCheckCircuitLimitsEmitsDroppedCellsWhenBuiltAndNoBugMatches(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.CircEvent("41", "LAUNCHED", "GENERAL", "", nil, "", now)
	m.CircEvent("41", "BUILT", "GENERAL", "", nil, "", now)
	m.CircBWEvent("41", 509, 0, 0, 0, 0, 0)

	v := m.CheckCircuitLimits("41", config.BandguardsConfig{})
	assert.Equal(t, VerdictDroppedCells, v.Kind)
}

func TestCheckCircuitLimitsEmitsMaxBytesExceeded(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.CircEvent("42", "LAUNCHED", "GENERAL", "", nil, "", now)
	m.CircEvent("42", "BUILT", "GENERAL", "", nil, "", now)
	m.CircBWEvent("42", 2*bytesPerMB, 0, 2*bytesPerMB, 0, 0, 0)

	v := m.CheckCircuitLimits("42", config.BandguardsConfig{MaxMegabytes: 1})
	assert.Equal(t, VerdictMaxBytesExceeded, v.Kind)
}

func TestGetAgedCircuitsRespectsZeroDisablesSweep(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.CircEvent("old", "LAUNCHED", "GENERAL", "", nil, "", now.Add(-48*time.Hour))

	assert.Empty(t, m.GetAgedCircuits(config.BandguardsConfig{MaxAgeHours: 0}, now))
	assert.Contains(t, m.GetAgedCircuits(config.BandguardsConfig{MaxAgeHours: 1}, now), "old")
}

func TestCheckConnectivityReportsNoConnections(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)

	v := m.CheckConnectivity(now.Add(100*time.Second), config.BandguardsConfig{ConnMaxDisconnectedSecs: 60})
	assert.Equal(t, ConnectivityNoConnections, v.Kind)
	assert.Equal(t, uint32(100), v.Secs)
}

func TestCheckConnectivityReturnsConnectedWhenGuardIsLive(t *testing.T) {
	now := time.Now()
	m := NewMonitor(now)
	m.ORConnEvent("conn1", "GUARDFP", "CONNECTED", "", now)

	v := m.CheckConnectivity(now.Add(100*time.Second), config.BandguardsConfig{ConnMaxDisconnectedSecs: 60})
	assert.Equal(t, ConnectivityConnected, v.Kind)
}
