// Package bandguard implements the per-circuit bandwidth monitor (spec §4.E
// "Bandwidth Monitor"), grounded on original_source/src/bandguards.rs's
// BandwidthStats.
package bandguard

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/torwatch/vanguard/pkg/config"
	verrors "github.com/torwatch/vanguard/pkg/errors"
)

// Cell and relay-payload sizes from the Tor cell protocol, used by the
// dropped-cell formula (spec §4.E "Dropped Cell Detection").
const (
	CellPayloadSize  = 509
	RelayHeaderSize  = 11
	RelayPayloadSize = CellPayloadSize - RelayHeaderSize
)

const (
	bytesPerKB = 1024
	bytesPerMB = 1024 * bytesPerKB
)

// MaxCircDestroyLagSecs bounds how long after a guard connection closes a
// circuit failure can still be attributed to that closure.
const MaxCircDestroyLagSecs = 2.0

// CircuitStat is a single circuit's bandwidth and state tracking record
// (spec §3 "Circuit Bandwidth Stat").
type CircuitStat struct {
	CircID              string
	IsHS                bool
	IsService           bool
	IsHSDir             bool
	IsServIntro         bool
	DroppedCellsAllowed int64
	Purpose             string
	HSState             string
	OldPurpose          string
	OldHSState          string
	InUse               bool
	Built               bool
	CreatedAt           time.Time
	ReadBytes           uint64
	SentBytes           uint64
	DeliveredReadBytes  uint64
	DeliveredSentBytes  uint64
	OverheadReadBytes   uint64
	OverheadSentBytes   uint64
	GuardFingerprint    string
	PossiblyDestroyedAt time.Time // zero value means "not possibly destroyed"
}

func newCircuitStat(circID string, isHS bool, now time.Time) *CircuitStat {
	return &CircuitStat{CircID: circID, IsHS: isHS, IsService: true, CreatedAt: now}
}

// TotalBytes is the sum of read and sent bytes.
func (c *CircuitStat) TotalBytes() uint64 { return c.ReadBytes + c.SentBytes }

// DroppedReadCells applies the cell-accounting formula: cells the relay
// claims to have forwarded minus cells actually delivered plus overhead
// (spec §4.E "Dropped Cell Detection"). Can be negative due to event
// ordering/timing and is not itself a verdict.
func (c *CircuitStat) DroppedReadCells() int64 {
	received := int64(c.ReadBytes / CellPayloadSize)
	delivered := int64((c.DeliveredReadBytes + c.OverheadReadBytes) / RelayPayloadSize)
	return received - delivered
}

// AgeSeconds returns the circuit's age relative to now.
func (c *CircuitStat) AgeSeconds(now time.Time) float64 {
	return now.Sub(c.CreatedAt).Seconds()
}

// GuardStat is per-guard-relay connection bookkeeping (spec §3 "Guard Connection Stat").
type GuardStat struct {
	ToGuard         string
	KilledConns     uint32
	KilledConnAt    time.Time
	ConnsMade       uint32
	CloseReasons    map[string]uint32
}

func newGuardStat(guardFP string) *GuardStat {
	return &GuardStat{ToGuard: guardFP, CloseReasons: make(map[string]uint32)}
}

func (g *GuardStat) recordCloseReason(reason string) {
	g.CloseReasons[reason]++
}

// Monitor is the main bandwidth-tracking state for attack detection (spec
// §4.E), equivalent to the original's BandwidthStats.
type Monitor struct {
	circs           map[string]*CircuitStat
	liveGuardConns  map[string]*GuardStat
	guards          map[string]*GuardStat
	circsDestroyed  uint64
	noConnsSince    time.Time // zero means "connected"
	noCircsSince    time.Time
	networkDownSince time.Time
	disconnectedCircs bool
	disconnectedConns bool

	// maxFakeID bounds the synthetic-id fix-up (spec §4.E.4): the highest
	// integer connection id observed before the first real churn event,
	// standing in for the initial ORCONN batch reported at subscribe time.
	// fakeIDFrozen stops it from growing once real churn starts, so a
	// later, legitimately large connection id is never mistaken for one of
	// the initial batch's synthetic ids.
	maxFakeID    int
	fakeIDFrozen bool

	// breaker trips after repeated guard connection closures (counted since
	// the breaker was last reset; a successful connection does not reset the
	// count and there is no time window), so the dispatcher can stop issuing close-circuit commands
	// against a daemon whose guard connections are themselves flapping.
	breaker *verrors.CircuitBreaker
}

// NewMonitor creates a bandwidth monitor. It starts with no guard
// connections, mirroring the original's "disconnected until proven
// otherwise" initial state.
func NewMonitor(now time.Time) *Monitor {
	return &Monitor{
		circs:          make(map[string]*CircuitStat),
		liveGuardConns: make(map[string]*GuardStat),
		guards:         make(map[string]*GuardStat),
		noConnsSince:   now,
		maxFakeID:      -1,
		breaker:        verrors.NewCircuitBreaker(verrors.DefaultCircuitBreakerConfig()),
	}
}

func (m *Monitor) guard(fp string) *GuardStat {
	g, ok := m.guards[fp]
	if !ok {
		g = newGuardStat(fp)
		m.guards[fp] = g
	}
	return g
}

// ORConnEvent handles an ORCONN event: guard connection establishment,
// closure, or failure (spec §4.E "Connection events").
func (m *Monitor) ORConnEvent(connID, guardFP, status, reason string, arrivedAt time.Time) {
	m.guard(guardFP)

	switch status {
	case "CONNECTED":
		m.disconnectedConns = false
		m.liveGuardConns[connID] = newGuardStat(guardFP)
		m.guard(guardFP).ConnsMade++
		m.noConnsSince = time.Time{}
		m.observeFakeID(connID)
		m.breaker.Execute(context.Background(), func() error { return nil })

	case "CLOSED", "FAILED":
		m.fakeIDFrozen = true
		actualConnID := m.fixupOrConnID(connID, guardFP)
		if _, ok := m.liveGuardConns[actualConnID]; ok {
			for _, circ := range m.circs {
				if circ.InUse && circ.GuardFingerprint == guardFP {
					circ.PossiblyDestroyedAt = arrivedAt
					m.guard(guardFP).KilledConnAt = arrivedAt
				}
			}
			delete(m.liveGuardConns, actualConnID)
			if len(m.liveGuardConns) == 0 && m.noConnsSince.IsZero() {
				m.noConnsSince = arrivedAt
			}
			m.breaker.Execute(context.Background(), func() error {
				return verrors.ControlProtocolError("guard connection closed", nil)
			})
		}
		if status == "CLOSED" && reason != "" {
			m.guard(guardFP).recordCloseReason(reason)
		}
	}
}

// observeFakeID grows the synthetic-id ceiling while the monitor is still
// within the initial ORCONN batch (no churn observed yet).
func (m *Monitor) observeFakeID(connID string) {
	if m.fakeIDFrozen {
		return
	}
	if id, err := strconv.Atoi(connID); err == nil && id > m.maxFakeID {
		m.maxFakeID = id
	}
}

// fixupOrConnID maps a synthetic connection id from the initial ORCONN batch
// to the live-connection entry recorded under that id, by guard fingerprint
// (spec §4.E.4, grounded on bandguards.rs's fixup_orconn_id). If two
// connections to the same guard appeared in the initial batch, which one
// this resolves to is ambiguous; that race is documented, not resolved
// (spec §9 open question).
func (m *Monitor) fixupOrConnID(connID, guardFP string) string {
	id, err := strconv.Atoi(connID)
	if err != nil || id > m.maxFakeID {
		return connID
	}
	for fakeID, stat := range m.liveGuardConns {
		if stat.ToGuard != guardFP {
			continue
		}
		if fid, err := strconv.Atoi(fakeID); err == nil && fid <= m.maxFakeID {
			return fakeID
		}
	}
	return connID
}

// GuardConnectionsHealthy reports whether the guard-connection churn
// breaker is closed. Dispatch consults this before issuing close-circuit
// commands, to avoid hammering a daemon whose guard connections are
// themselves flapping (spec §4.E.7 "Connectivity verdicts").
func (m *Monitor) GuardConnectionsHealthy() bool {
	return m.breaker.State() != verrors.StateOpen
}

// CircEvent handles a CIRC event: circuit lifecycle transitions (spec §4.E
// "Circuit classification" / "state transitions"). It returns whether the
// circuit's closure is attributable to a guard connection kill, for callers
// that want to log that correlation; ok is false for non-terminal events.
func (m *Monitor) CircEvent(circID, status, purpose, hsState string, path []string, remoteReason string, arrivedAt time.Time) (destroyedByGuardKill bool, ok bool) {
	if status == "FAILED" && m.noCircsSince.IsZero() && m.anyCircuitsPending(circID) {
		m.noCircsSince = arrivedAt
	}

	if status == "FAILED" || status == "CLOSED" {
		circ, present := m.circs[circID]
		if !present {
			return false, false
		}
		delete(m.circs, circID)

		if circ.InUse && !circ.PossiblyDestroyedAt.IsZero() {
			lag := arrivedAt.Sub(circ.PossiblyDestroyedAt).Seconds()
			if lag <= MaxCircDestroyLagSecs && remoteReason == "CHANNEL_CLOSED" {
				if circ.GuardFingerprint != "" {
					g := m.guard(circ.GuardFingerprint)
					g.KilledConnAt = time.Time{}
					g.KilledConns++
				}
				m.circsDestroyed++
				return true, true
			}
		}
		return false, true
	}

	isHS := hsState != "" || strings.HasPrefix(purpose, "HS")
	circ, present := m.circs[circID]
	if !present {
		circ = newCircuitStat(circID, isHS, arrivedAt)
		classifyPurpose(circ, purpose)
		m.circs[circID] = circ
	}

	circ.Purpose = purpose
	circ.HSState = hsState

	switch status {
	case "BUILT", "GUARD_WAIT":
		circ.Built = true
		m.disconnectedCircs = false
		m.noCircsSince = time.Time{}
		if strings.HasPrefix(purpose, "HS_CLIENT") || strings.HasPrefix(purpose, "HS_SERVICE") {
			circ.InUse = true
			if len(path) > 0 {
				circ.GuardFingerprint = path[0]
			}
		}
	case "EXTENDED":
		m.disconnectedCircs = false
		m.noCircsSince = time.Time{}
	}

	return false, false
}

func classifyPurpose(circ *CircuitStat, purpose string) {
	switch {
	case strings.HasPrefix(purpose, "HS_CLIENT"):
		circ.IsService = false
	case strings.HasPrefix(purpose, "HS_SERVICE"):
		circ.IsService = true
	}
	switch purpose {
	case "HS_CLIENT_HSDIR", "HS_SERVICE_HSDIR":
		circ.IsHSDir = true
	case "HS_SERVICE_INTRO":
		circ.IsServIntro = true
	}
}

// CircMinorEvent handles a CIRC_MINOR event: purpose/HS-state changes on an
// already-tracked circuit (spec §4.E "per-event state transitions").
func (m *Monitor) CircMinorEvent(circID, eventType, purpose, hsState, oldPurpose, oldHSState string, path []string) {
	circ, ok := m.circs[circID]
	if !ok {
		return
	}
	circ.Purpose = purpose
	circ.HSState = hsState
	circ.OldPurpose = oldPurpose
	circ.OldHSState = oldHSState

	classifyPurpose(circ, purpose)

	if eventType == "PURPOSE_CHANGED" && oldPurpose == "HS_VANGUARDS" {
		circ.InUse = true
		if len(path) > 0 {
			circ.GuardFingerprint = path[0]
		}
	}
}

// CircBWEvent handles a CIRC_BW event: the six running byte counters (spec
// §4.E "Bandwidth event accounting").
func (m *Monitor) CircBWEvent(circID string, read, written, deliveredRead, deliveredWritten, overheadRead, overheadWritten uint64) {
	m.disconnectedCircs = false
	m.noCircsSince = time.Time{}

	circ, ok := m.circs[circID]
	if !ok {
		return
	}
	circ.ReadBytes += read
	circ.SentBytes += written
	circ.DeliveredReadBytes += deliveredRead
	circ.DeliveredSentBytes += deliveredWritten
	circ.OverheadReadBytes += overheadRead
	circ.OverheadSentBytes += overheadWritten
}

// NetworkLivenessEvent handles a NETWORK_LIVENESS event.
func (m *Monitor) NetworkLivenessEvent(status string, arrivedAt time.Time) {
	switch status {
	case "UP":
		m.networkDownSince = time.Time{}
	case "DOWN":
		m.networkDownSince = arrivedAt
	}
}

func (m *Monitor) anyCircuitsPending(exceptID string) bool {
	for id, circ := range m.circs {
		if !circ.Built && id != exceptID {
			return true
		}
	}
	return false
}

// CircuitCount returns the number of tracked circuits.
func (m *Monitor) CircuitCount() int { return len(m.circs) }

// TrackedCircuitIDs returns every circuit ID currently tracked, for the
// dispatcher's post-bandwidth-event circuit-limit evaluation loop (spec
// §4.G step 3).
func (m *Monitor) TrackedCircuitIDs() []string {
	ids := make([]string, 0, len(m.circs))
	for id := range m.circs {
		ids = append(ids, id)
	}
	return ids
}

// LiveConnectionCount returns the number of live guard connections.
func (m *Monitor) LiveConnectionCount() int { return len(m.liveGuardConns) }

// GetAgedCircuits returns circuit IDs older than cfg.MaxAgeHours (spec §4.E
// "Aged-circuit sweep"). A zero MaxAgeHours disables the sweep.
func (m *Monitor) GetAgedCircuits(cfg config.BandguardsConfig, now time.Time) []string {
	if cfg.MaxAgeHours == 0 {
		return nil
	}
	maxAge := time.Duration(cfg.MaxAgeHours) * time.Hour
	var aged []string
	for id, circ := range m.circs {
		if now.Sub(circ.CreatedAt) > maxAge {
			aged = append(aged, id)
		}
	}
	return aged
}
