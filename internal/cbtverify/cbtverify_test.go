package cbtverify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircEventTracksLaunchBuiltAndTimeoutRates(t *testing.T) {
	s := NewStats()
	s.CircEvent("1", "LAUNCHED", "GENERAL", "", "")
	s.CircEvent("2", "LAUNCHED", "HS_CLIENT_REND", "HSCI_DONE", "")
	s.CircEvent("1", "BUILT", "GENERAL", "", "")
	s.CircEvent("2", "FAILED", "HS_CLIENT_REND", "HSCI_DONE", "TIMEOUT")

	assert.Equal(t, uint64(2), s.AllLaunched)
	assert.Equal(t, uint64(1), s.AllBuilt)
	assert.Equal(t, uint64(1), s.AllTimeout)
	assert.Equal(t, uint64(1), s.HSLaunched)
	assert.Equal(t, uint64(1), s.HSTimeout)
	assert.InDelta(t, 0.5, s.TimeoutRateAll(), 0.001)
	assert.InDelta(t, 1.0, s.TimeoutRateHS(), 0.001)
}

func TestClosedCircuitDecrementsLaunchedWithoutCountingOutcome(t *testing.T) {
	s := NewStats()
	s.CircEvent("1", "LAUNCHED", "GENERAL", "", "")
	s.CircEvent("1", "CLOSED", "GENERAL", "", "")

	assert.Equal(t, uint64(0), s.AllLaunched)
	assert.Equal(t, uint64(0), s.AllBuilt)
	assert.Equal(t, uint64(0), s.AllTimeout)
}

func TestCBTResetPausesRecordingAndZeroesCounters(t *testing.T) {
	s := NewStats()
	s.CircEvent("1", "LAUNCHED", "GENERAL", "", "")
	s.CBTEvent("RESET")

	assert.Equal(t, uint64(0), s.AllLaunched)

	s.CircEvent("2", "LAUNCHED", "GENERAL", "", "")
	assert.Equal(t, uint64(0), s.AllLaunched, "circuit events must be ignored until COMPUTED resumes recording")

	s.CBTEvent("COMPUTED")
	s.CircEvent("3", "LAUNCHED", "GENERAL", "", "")
	assert.Equal(t, uint64(1), s.AllLaunched)
}

func TestPendingCountReflectsUnresolvedCircuits(t *testing.T) {
	s := NewStats()
	s.CircEvent("1", "LAUNCHED", "GENERAL", "", "")
	assert.Equal(t, 1, s.PendingCount())
	s.CircEvent("1", "BUILT", "GENERAL", "", "")
	assert.Equal(t, 0, s.PendingCount())
}
