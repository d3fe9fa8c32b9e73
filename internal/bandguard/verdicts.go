package bandguard

import (
	"time"

	"github.com/torwatch/vanguard/pkg/config"
)

// VerdictKind tags a circuit-limit check outcome (spec §9 "Tagged-variant verdicts").
type VerdictKind int

const (
	VerdictOk VerdictKind = iota
	VerdictDroppedCells
	VerdictKnownBug
	VerdictMaxBytesExceeded
	VerdictHSDirBytesExceeded
	VerdictServIntroBytesExceeded
)

// Verdict is the sum-type result of CheckCircuitLimits, carrying only the
// fields relevant to its Kind.
type Verdict struct {
	Kind         VerdictKind
	DroppedCells int64
	BugID        string // set only when Kind == VerdictKnownBug
	Bytes        uint64
	Limit        uint64
}

// knownBugPatterns is the lettered daemon-bug workaround table (spec §4.E
// "Known-bug patterns"), keyed on (purpose, sub-state, old_purpose, old_sub_state).
var knownBugPatterns = []struct {
	id      string
	matches func(c *CircuitStat) bool
}{
	{"A", func(c *CircuitStat) bool { return c.Purpose == "HS_SERVICE_INTRO" && c.HSState == "HSSI_ESTABLISHED" }},
	{"B", func(c *CircuitStat) bool { return c.Purpose == "HS_SERVICE_REND" && c.HSState == "HSSR_CONNECTING" }},
	{"C", func(c *CircuitStat) bool { return c.Purpose == "PATH_BIAS_TESTING" }},
	{"D", func(c *CircuitStat) bool {
		return c.Purpose == "HS_CLIENT_REND" || (c.Purpose == "HS_CLIENT_INTRO" && c.HSState == "HSCI_DONE")
	}},
	{"E", func(c *CircuitStat) bool {
		return c.Purpose == "CIRCUIT_PADDING" && c.OldPurpose == "HS_CLIENT_INTRO" && c.OldHSState == "HSCI_INTRO_SENT"
	}},
}

func matchKnownBug(c *CircuitStat) (string, bool) {
	for _, p := range knownBugPatterns {
		if p.matches(c) {
			return p.id, true
		}
	}
	return "", false
}

// CheckCircuitLimits runs the ordered circuit-limit checks for circID and
// returns the first triggered verdict (spec §4.E, "Ordered checks; return
// the first triggered verdict").
func (m *Monitor) CheckCircuitLimits(circID string, cfg config.BandguardsConfig) Verdict {
	circ, ok := m.circs[circID]
	if !ok {
		return Verdict{Kind: VerdictOk}
	}

	dropped := circ.DroppedReadCells()
	if dropped > circ.DroppedCellsAllowed {
		if bugID, found := matchKnownBug(circ); found {
			return Verdict{Kind: VerdictKnownBug, BugID: bugID, DroppedCells: dropped}
		}
		if circ.Built {
			return Verdict{Kind: VerdictDroppedCells, DroppedCells: dropped}
		}
	}

	total := circ.TotalBytes()

	if cfg.MaxMegabytes > 0 {
		limit := uint64(cfg.MaxMegabytes) * bytesPerMB
		if total > limit {
			return Verdict{Kind: VerdictMaxBytesExceeded, Bytes: total, Limit: limit}
		}
	}

	if cfg.MaxHSDescKilobytes > 0 && circ.IsHSDir {
		limit := uint64(cfg.MaxHSDescKilobytes) * bytesPerKB
		if total > limit {
			return Verdict{Kind: VerdictHSDirBytesExceeded, Bytes: total, Limit: limit}
		}
	}

	if cfg.MaxServIntroKilobytes > 0 && circ.IsServIntro {
		limit := uint64(cfg.MaxServIntroKilobytes) * bytesPerKB
		if total > limit {
			return Verdict{Kind: VerdictServIntroBytesExceeded, Bytes: total, Limit: limit}
		}
	}

	return Verdict{Kind: VerdictOk}
}

// ConnectivityKind tags a connectivity check outcome.
type ConnectivityKind int

const (
	ConnectivityConnected ConnectivityKind = iota
	ConnectivityNoConnections
	ConnectivityCircuitsFailing
)

// ConnectivityVerdict is the sum-type result of CheckConnectivity.
type ConnectivityVerdict struct {
	Kind             ConnectivityKind
	Secs             uint32
	NetworkDownSecs  uint32
	HasNetworkDown   bool
	// BreakerOpen reports whether the guard-connection churn breaker has
	// tripped (GuardConnectionsHealthy() == false), so callers can tell a
	// quiet-but-healthy gap from one caused by repeated connection churn.
	BreakerOpen bool
}

// CheckConnectivity evaluates the periodic connectivity heartbeat (spec
// §4.E.7 "Connectivity verdicts").
func (m *Monitor) CheckConnectivity(now time.Time, cfg config.BandguardsConfig) ConnectivityVerdict {
	breakerOpen := !m.GuardConnectionsHealthy()

	if !m.noConnsSince.IsZero() {
		disconnectedSecs := uint32(now.Sub(m.noConnsSince).Seconds())
		if cfg.ConnMaxDisconnectedSecs > 0 &&
			int64(disconnectedSecs) >= cfg.ConnMaxDisconnectedSecs &&
			(!m.disconnectedConns || int64(disconnectedSecs)%cfg.ConnMaxDisconnectedSecs == 0) {
			m.disconnectedConns = true
			return ConnectivityVerdict{Kind: ConnectivityNoConnections, Secs: disconnectedSecs, BreakerOpen: breakerOpen}
		}
		return ConnectivityVerdict{Kind: ConnectivityConnected, BreakerOpen: breakerOpen}
	}

	if !m.noCircsSince.IsZero() {
		disconnectedSecs := uint32(now.Sub(m.noCircsSince).Seconds())
		if cfg.CircMaxDisconnectedSecs > 0 &&
			int64(disconnectedSecs) >= cfg.CircMaxDisconnectedSecs &&
			m.anyCircuitsPending("") &&
			(!m.disconnectedCircs || int64(disconnectedSecs)%cfg.CircMaxDisconnectedSecs == 0) {
			m.disconnectedCircs = true
			v := ConnectivityVerdict{Kind: ConnectivityCircuitsFailing, Secs: disconnectedSecs, BreakerOpen: breakerOpen}
			if !m.networkDownSince.IsZero() {
				v.HasNetworkDown = true
				v.NetworkDownSecs = uint32(now.Sub(m.networkDownSince).Seconds())
			}
			return v
		}
	}

	return ConnectivityVerdict{Kind: ConnectivityConnected, BreakerOpen: breakerOpen}
}
