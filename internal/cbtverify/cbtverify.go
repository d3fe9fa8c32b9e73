// Package cbtverify implements the circuit-build-timeout bookkeeping
// collaborator (spec §1 "simple bookkeeping"), grounded on
// original_source/src/cbtverify.rs's TimeoutStats.
package cbtverify

import "strings"

type circuitStat struct {
	circID string
	isHS   bool
}

// Stats tracks circuit-build outcomes, separately for all circuits and
// hidden-service circuits, to compare timeout rates (spec §1). It does not
// itself emit a verdict; it is consulted by metrics and logging.
type Stats struct {
	circuits map[string]circuitStat

	AllLaunched uint64
	AllBuilt    uint64
	AllTimeout  uint64
	HSLaunched  uint64
	HSBuilt     uint64
	HSTimeout   uint64

	recordTimeouts bool
}

// NewStats creates a tracker. Recording starts enabled; a CBT RESET event
// pauses it until the next COMPUTED event, mirroring the daemon's own
// build-timeout estimator life cycle.
func NewStats() *Stats {
	return &Stats{circuits: make(map[string]circuitStat), recordTimeouts: true}
}

func (s *Stats) zero() {
	s.AllLaunched, s.AllBuilt, s.AllTimeout = 0, 0, 0
	s.HSLaunched, s.HSBuilt, s.HSTimeout = 0, 0, 0
}

// CircEvent handles a CIRC event, tallying launches, completions, timeouts,
// and early closures.
func (s *Stats) CircEvent(circID, status, purpose, hsState, reason string) {
	isHS := hsState != "" || strings.HasPrefix(purpose, "HS")

	if !s.recordTimeouts {
		return
	}

	switch status {
	case "LAUNCHED":
		s.addCircuit(circID, isHS)
	case "BUILT":
		s.builtCircuit(circID)
	case "FAILED", "CLOSED":
		if reason == "TIMEOUT" {
			s.timeoutCircuit(circID)
		} else if purpose != "MEASURE_TIMEOUT" {
			s.closedCircuit(circID)
		}
	}
}

// CBTEvent handles a BUILDTIMEOUT_SET event: COMPUTED resumes recording,
// RESET pauses it and zeros the counters.
func (s *Stats) CBTEvent(setType string) {
	switch setType {
	case "COMPUTED":
		s.recordTimeouts = true
	case "RESET":
		s.recordTimeouts = false
		s.zero()
	}
}

func (s *Stats) addCircuit(circID string, isHS bool) {
	s.circuits[circID] = circuitStat{circID: circID, isHS: isHS}
	s.AllLaunched++
	if isHS {
		s.HSLaunched++
	}
}

func (s *Stats) builtCircuit(circID string) {
	c, ok := s.circuits[circID]
	if !ok {
		return
	}
	delete(s.circuits, circID)
	s.AllBuilt++
	if c.isHS {
		s.HSBuilt++
	}
}

// closedCircuit records a circuit that closed before being built or timing
// out; it is removed from the launched tally rather than counted as either
// outcome.
func (s *Stats) closedCircuit(circID string) {
	c, ok := s.circuits[circID]
	if !ok {
		return
	}
	delete(s.circuits, circID)
	if s.AllLaunched > 0 {
		s.AllLaunched--
	}
	if c.isHS && s.HSLaunched > 0 {
		s.HSLaunched--
	}
}

func (s *Stats) timeoutCircuit(circID string) {
	c, ok := s.circuits[circID]
	if !ok {
		return
	}
	delete(s.circuits, circID)
	s.AllTimeout++
	if c.isHS {
		s.HSTimeout++
	}
}

// TimeoutRateAll is the ratio of timed-out to launched circuits.
func (s *Stats) TimeoutRateAll() float64 {
	if s.AllLaunched == 0 {
		return 0
	}
	return float64(s.AllTimeout) / float64(s.AllLaunched)
}

// TimeoutRateHS is the ratio of timed-out to launched hidden-service circuits.
func (s *Stats) TimeoutRateHS() float64 {
	if s.HSLaunched == 0 {
		return 0
	}
	return float64(s.HSTimeout) / float64(s.HSLaunched)
}

// PendingCount returns the number of circuits currently tracked (neither
// built, timed out, nor closed).
func (s *Stats) PendingCount() int { return len(s.circuits) }
