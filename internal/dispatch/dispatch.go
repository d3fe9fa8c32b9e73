// Package dispatch implements the Event Dispatcher (spec §4.G), grounded on
// original_source/src/control.rs's control_loop/handle_circ_event and
// friends. It owns the mutable core state for one control-channel session
// and fans out each arriving event to the collaborators that care about it.
package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/torwatch/vanguard/internal/bandguard"
	"github.com/torwatch/vanguard/internal/cbtverify"
	"github.com/torwatch/vanguard/internal/consensus"
	"github.com/torwatch/vanguard/internal/exclude"
	"github.com/torwatch/vanguard/internal/guard"
	"github.com/torwatch/vanguard/internal/logguard"
	"github.com/torwatch/vanguard/internal/metrics"
	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/pathverify"
	"github.com/torwatch/vanguard/internal/rendguard"
	"github.com/torwatch/vanguard/internal/selector"
	"github.com/torwatch/vanguard/pkg/config"
	"github.com/torwatch/vanguard/pkg/controlchan"
	verrors "github.com/torwatch/vanguard/pkg/errors"
	"github.com/torwatch/vanguard/pkg/logger"
)

// eventClasses is the full set the dispatcher subscribes to (spec §6
// "Event classes consumed"); log-level classes are appended only when
// logguard is enabled (spec §4.G "Subscription").
var eventClasses = []string{
	"CIRC", "CIRC_MINOR", "CIRC_BW", "ORCONN", "BW",
	"NETWORK_LIVENESS", "NEWCONSENSUS", "SIGNAL",
	"BUILDTIMEOUT_SET", "GUARD", "CONF_CHANGED",
}

var logLevelClasses = []string{"DEBUG", "INFO", "NOTICE", "WARN", "ERR"}

// Dispatcher holds the mutable core state for the current session: the two
// persistent guard layers, the rendezvous-point tracker embedded in them,
// and every optional collaborator enabled by configuration.
type Dispatcher struct {
	cfg config.Config
	log *logger.Logger
	met *metrics.Registry

	state   *guard.State
	monitor *bandguard.Monitor
	cbt     *cbtverify.Stats
	pv      *pathverify.Verifier
	lg      *logguard.Buffer

	consensusApplied bool
}

// New loads the guard state from disk (or creates a fresh one) and wires up
// every enabled collaborator.
func New(cfg config.Config, log *logger.Logger, met *metrics.Registry) (*Dispatcher, error) {
	state, err := guard.Load(cfg.Vanguards.StateFile)
	if err != nil {
		if verrors.GetKind(err) != verrors.KindStateIntegrity && verrors.GetKind(err) != verrors.KindIO {
			return nil, err
		}
		log.Info().Str("path", cfg.Vanguards.StateFile).Msg("creating new guard state")
		state = &guard.State{
			SchemaRevision: 1,
			Rendezvous: rendguard.New(
				cfg.Rendguard.GlobalStartCount,
				cfg.Rendguard.RelayStartCount,
				cfg.Rendguard.MaxUseToBwRatio,
				cfg.Rendguard.ScaleAtCount,
				cfg.Rendguard.MaxConsensusWeightChurnPct,
			),
		}
	}

	d := &Dispatcher{
		cfg:     cfg,
		log:     log,
		met:     met,
		state:   state,
		monitor: bandguard.NewMonitor(time.Now()),
		cbt:     cbtverify.NewStats(),
		lg:      logguard.NewBuffer(cfg.Logguard.BufferLines),
		pv:      pathverify.NewVerifier(cfg.Vanguards.VanguardsLite, fingerprints(state.Layer2Nodes), fingerprints(state.Layer3Nodes)),
	}
	return d, nil
}

func fingerprints(nodes []guard.Node) []string {
	fps := make([]string, len(nodes))
	for i, n := range nodes {
		fps[i] = n.Fingerprint
	}
	return fps
}

// subscribedClasses returns the event classes this dispatcher's
// configuration needs.
func (d *Dispatcher) subscribedClasses() []string {
	classes := append([]string{}, eventClasses...)
	if d.cfg.EnableLogguard {
		classes = append(classes, logLevelClasses...)
	}
	return classes
}

// RunSession authenticates ch, subscribes to events, and serves the event
// loop until the connection drops, ctx is cancelled, or one-shot mode
// completes its first Consensus Applier pass (spec §4.G). It implements
// driver.Session's shape when partially applied over a channel.
func (d *Dispatcher) RunSession(ctx context.Context, ch controlchan.Channel) error {
	defer ch.Close()

	if err := ch.Authenticate(ctx, d.cfg.ControlPassword, d.cfg.ControlCookiePath); err != nil {
		return err
	}
	if err := ch.SetEvents(ctx, d.subscribedClasses()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch.Events():
			if !ok {
				return verrors.ControlProtocolError("control channel event stream closed", nil)
			}
			if shouldExit, err := d.handleEvent(ctx, ch, ev); err != nil {
				d.log.Warn().Err(err).Str("class", ev.Class).Msg("error handling event")
			} else if shouldExit {
				return nil
			}
		}
	}
}

// handleEvent dispatches one arriving event, timestamped on arrival (spec
// §4.G step 1), and reports whether the session should now exit cleanly
// (one-shot mode after the first Consensus Applier pass).
func (d *Dispatcher) handleEvent(ctx context.Context, ch controlchan.Channel, ev *controlchan.Event) (bool, error) {
	arrivedAt := time.Now()

	switch ev.Class {
	case "CIRC":
		d.handleCirc(ev, arrivedAt)
		d.evaluateCircuitLimits(ctx, ch)
	case "CIRC_MINOR":
		d.handleCircMinor(ev)
	case "CIRC_BW":
		d.handleCircBW(ev)
		d.evaluateCircuitLimits(ctx, ch)
	case "BW":
		d.evaluateCircuitLimits(ctx, ch)
		d.evaluateConnectivity(arrivedAt)
		d.sweepAgedCircuits(ctx, ch)
	case "ORCONN":
		d.handleORConn(ev, arrivedAt)
	case "NETWORK_LIVENESS":
		d.monitor.NetworkLivenessEvent(strings.TrimSpace(ev.Reply), arrivedAt)
	case "NEWCONSENSUS":
		if err := d.applyConsensus(ctx, ch); err != nil {
			return false, err
		}
		if d.cfg.OneShot && d.consensusApplied {
			return true, nil
		}
	case "SIGNAL":
		if strings.TrimSpace(ev.Reply) == "RELOAD" {
			return false, d.pushGuardConfig(ctx, ch)
		}
	case "BUILDTIMEOUT_SET":
		d.cbt.CBTEvent(firstField(ev.Reply))
	case "GUARD", "CONF_CHANGED":
		// Informational only; no collaborator currently reacts to these.
	default:
		if d.cfg.EnableLogguard && isLogLevel(ev.Class) {
			d.lg.LogEvent("", ev.Class, ev.Reply, arrivedAt)
		}
	}
	return false, nil
}

func isLogLevel(class string) bool {
	for _, l := range logLevelClasses {
		if class == l {
			return true
		}
	}
	return false
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// circFields is the parsed form of a CIRC or CIRC_MINOR control line. Every
// field beyond CircID/EventType is carried as KEY=VALUE tokens per the
// control protocol's circuit-event grammar; Path is the one positional,
// comma-separated exception.
type circFields struct {
	CircID     string
	EventType  string
	Path       []string
	Purpose    string
	HSState    string
	OldPurpose string
	OldHSState string
	Reason     string
	RemoteReason string
}

func parseCircLine(reply string) circFields {
	fields := strings.Fields(reply)
	var f circFields
	if len(fields) < 2 {
		return f
	}
	f.CircID, f.EventType = fields[0], fields[1]

	for _, tok := range fields[2:] {
		if key, value, ok := strings.Cut(tok, "="); ok {
			switch key {
			case "PURPOSE":
				f.Purpose = value
			case "HS_STATE":
				f.HSState = value
			case "OLD_PURPOSE":
				f.OldPurpose = value
			case "OLD_HS_STATE":
				f.OldHSState = value
			case "REASON":
				f.Reason = value
			case "REMOTE_REASON":
				f.RemoteReason = value
			}
			continue
		}
		if strings.HasPrefix(tok, "$") || strings.Contains(tok, ",") {
			f.Path = parsePath(tok)
		}
	}
	return f
}

// stripHopDecoration removes a leading $ and a trailing ~Nickname or
// =Nickname qualifier from a single path hop or ORCONN target, leaving the
// bare fingerprint (control protocol path/target grammar).
func stripHopDecoration(hop string) string {
	hop = strings.TrimPrefix(hop, "$")
	if idx := strings.IndexAny(hop, "~="); idx >= 0 {
		hop = hop[:idx]
	}
	return hop
}

func parsePath(raw string) []string {
	hops := strings.Split(raw, ",")
	path := make([]string, 0, len(hops))
	for _, hop := range hops {
		hop = stripHopDecoration(hop)
		if hop != "" {
			path = append(path, hop)
		}
	}
	return path
}

func (d *Dispatcher) handleCirc(ev *controlchan.Event, arrivedAt time.Time) {
	f := parseCircLine(ev.Reply)
	purpose := f.Purpose
	if purpose == "" {
		purpose = "GENERAL"
	}

	if d.cfg.EnableRendguard && purpose == "HS_SERVICE_REND" && f.HSState == "HSSR_CONNECTING" && len(f.Path) > 0 {
		rp := f.Path[len(f.Path)-1]
		verdict := d.state.Rendezvous.RecordUse(rp)
		if verdict.Overused {
			d.log.Warn().Str("rendezvous_point", rp).
				Float64("usage_rate", verdict.UsageRate).
				Float64("expected_rate", verdict.ExpectedRate).
				Msg("possible rendezvous point overuse")
			if d.met != nil {
				d.met.RendezvousOveruse.Inc()
			}
		}
	}

	if d.cfg.EnableBandguards {
		d.monitor.CircEvent(f.CircID, f.EventType, purpose, f.HSState, f.Path, f.RemoteReason, arrivedAt)
	}
	if d.cfg.EnableCBTVerify {
		d.cbt.CircEvent(f.CircID, f.EventType, purpose, f.HSState, f.Reason)
		if d.met != nil {
			d.met.CBTTimeoutRate.WithLabelValues("all").Set(d.cbt.TimeoutRateAll())
			d.met.CBTTimeoutRate.WithLabelValues("hs").Set(d.cbt.TimeoutRateHS())
		}
	}
	if d.cfg.EnableLogguard && (f.EventType == "FAILED" || f.EventType == "CLOSED") {
		d.lg.Dump(f.CircID)
	}
	if d.cfg.EnablePathverify {
		result := d.pv.CheckCircuit(f.EventType, purpose, f.HSState, f.Path)
		if result.LengthMismatch && !result.MismatchExpected {
			d.log.Warn().Str("circ_id", f.CircID).Str("purpose", purpose).
				Int("expected", result.ExpectedLength).Int("actual", result.ActualLength).
				Msg("circuit path length mismatch")
			if d.met != nil {
				d.met.PathLengthMismatches.WithLabelValues(purpose).Inc()
			}
		}
	}
}

func (d *Dispatcher) handleCircMinor(ev *controlchan.Event) {
	f := parseCircLine(ev.Reply)
	purpose := f.Purpose
	if purpose == "" {
		purpose = "GENERAL"
	}
	if d.cfg.EnableBandguards {
		d.monitor.CircMinorEvent(f.CircID, f.EventType, purpose, f.HSState, f.OldPurpose, f.OldHSState, f.Path)
	}
}

func (d *Dispatcher) handleCircBW(ev *controlchan.Event) {
	fields := strings.Fields(ev.Reply)
	if len(fields) == 0 {
		return
	}
	circID := fields[0]
	values := map[string]uint64{}
	for _, tok := range fields[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		values[key] = n
	}
	if d.cfg.EnableBandguards {
		d.monitor.CircBWEvent(circID, values["READ"], values["WRITTEN"],
			values["DELIVERED_READ"], values["DELIVERED_WRITTEN"],
			values["OVERHEAD_READ"], values["OVERHEAD_WRITTEN"])
	}
}

// handleORConn parses an ORCONN line. The first positional field is the
// guard target ($FP~Nickname), not a connection id; the real connection id
// arrives as a separate ID= token (control protocol ORCONN grammar).
func (d *Dispatcher) handleORConn(ev *controlchan.Event, arrivedAt time.Time) {
	fields := strings.Fields(ev.Reply)
	if len(fields) < 2 {
		return
	}
	target, status := fields[0], fields[1]
	var reason, connID string
	for _, tok := range fields[2:] {
		if key, value, ok := strings.Cut(tok, "="); ok {
			switch key {
			case "REASON":
				reason = value
			case "ID":
				connID = value
			}
		}
	}
	if connID == "" {
		connID = target
	}
	guardFP := stripHopDecoration(target)
	if d.cfg.EnableBandguards {
		d.monitor.ORConnEvent(connID, guardFP, status, reason, arrivedAt)
	}
}

// evaluateCircuitLimits runs the post-bandwidth-event circuit-limit
// evaluation loop (spec §4.G step 3): every tracked circuit is checked,
// non-ok/non-known-bug verdicts are logged, and a close-circuit command is
// issued when the close-circuits policy is enabled.
func (d *Dispatcher) evaluateCircuitLimits(ctx context.Context, ch controlchan.Channel) {
	if !d.cfg.EnableBandguards {
		return
	}
	for _, circID := range d.monitor.TrackedCircuitIDs() {
		verdict := d.monitor.CheckCircuitLimits(circID, d.cfg.Bandguards)
		if verdict.Kind == bandguard.VerdictOk || verdict.Kind == bandguard.VerdictKnownBug {
			continue
		}

		d.log.Warn().Str("circ_id", circID).Int("verdict", int(verdict.Kind)).
			Int64("dropped_cells", verdict.DroppedCells).Msg("circuit limit exceeded")
		if d.met != nil {
			d.met.CircuitVerdicts.WithLabelValues(verdictLabel(verdict.Kind)).Inc()
		}

		if !d.cfg.CloseCircuits {
			continue
		}
		if !d.monitor.GuardConnectionsHealthy() {
			d.log.Warn().Str("circ_id", circID).Msg("skipping close-circuit command while guard connections are flapping")
			continue
		}
		for _, entry := range d.lg.Dump(circID) {
			d.log.Info().Str("circ_id", circID).Msg(entry.Format())
		}
		if _, err := ch.SendRequest(ctx, "CLOSECIRCUIT %s", circID); err != nil {
			d.log.Warn().Err(err).Str("circ_id", circID).Msg("failed to close circuit")
			continue
		}
		if d.met != nil {
			d.met.ClosedCircuits.WithLabelValues(verdictLabel(verdict.Kind)).Inc()
		}
	}
}

// evaluateConnectivity runs the periodic connectivity heartbeat check (spec
// §4.E.7), logging and counting non-connected verdicts.
func (d *Dispatcher) evaluateConnectivity(now time.Time) {
	if !d.cfg.EnableBandguards {
		return
	}
	verdict := d.monitor.CheckConnectivity(now, d.cfg.Bandguards)
	if d.met != nil {
		status := 0.0
		if verdict.Kind == bandguard.ConnectivityConnected {
			status = 1.0
		}
		d.met.ConnectivityStatus.Set(status)
	}

	switch verdict.Kind {
	case bandguard.ConnectivityNoConnections:
		d.log.Warn().Uint32("disconnected_secs", verdict.Secs).Bool("breaker_open", verdict.BreakerOpen).
			Msg("no live guard connections")
		if d.met != nil {
			d.met.ConnectivityVerdicts.WithLabelValues("no_connections").Inc()
		}
	case bandguard.ConnectivityCircuitsFailing:
		ev := d.log.Warn().Uint32("disconnected_secs", verdict.Secs)
		if verdict.HasNetworkDown {
			ev = ev.Uint32("network_down_secs", verdict.NetworkDownSecs)
		}
		ev.Msg("circuits failing to build")
		if d.met != nil {
			d.met.ConnectivityVerdicts.WithLabelValues("circuits_failing").Inc()
		}
	}
}

// sweepAgedCircuits runs the aged-circuit sweep (spec §4.E.6) and closes any
// circuit older than the configured maximum age, subject to the same
// close-circuits policy flag and guard-connection health check as the
// circuit-limit evaluation loop.
func (d *Dispatcher) sweepAgedCircuits(ctx context.Context, ch controlchan.Channel) {
	if !d.cfg.EnableBandguards || !d.cfg.CloseCircuits {
		return
	}
	for _, circID := range d.monitor.GetAgedCircuits(d.cfg.Bandguards, time.Now()) {
		if !d.monitor.GuardConnectionsHealthy() {
			d.log.Warn().Str("circ_id", circID).Msg("skipping aged-circuit close while guard connections are flapping")
			continue
		}
		for _, entry := range d.lg.Dump(circID) {
			d.log.Info().Str("circ_id", circID).Msg(entry.Format())
		}
		if _, err := ch.SendRequest(ctx, "CLOSECIRCUIT %s", circID); err != nil {
			d.log.Warn().Err(err).Str("circ_id", circID).Msg("failed to close aged circuit")
			continue
		}
		if d.met != nil {
			d.met.ClosedCircuits.WithLabelValues("aged").Inc()
		}
	}
}

func verdictLabel(k bandguard.VerdictKind) string {
	switch k {
	case bandguard.VerdictDroppedCells:
		return "dropped_cells"
	case bandguard.VerdictMaxBytesExceeded:
		return "max_bytes_exceeded"
	case bandguard.VerdictHSDirBytesExceeded:
		return "hsdir_bytes_exceeded"
	case bandguard.VerdictServIntroBytesExceeded:
		return "servintro_bytes_exceeded"
	default:
		return "ok"
	}
}

// applyConsensus runs the Consensus Applier's eight steps (spec §4.F) in
// response to a NEWCONSENSUS event.
func (d *Dispatcher) applyConsensus(ctx context.Context, ch controlchan.Channel) error {
	nsResp, err := ch.SendRequest(ctx, "GETINFO ns/all")
	if err != nil {
		return err
	}
	routers, err := consensus.ParseNetworkStatuses(strings.Join(nsResp.Data, "\n"))
	if err != nil {
		return err
	}

	excl := d.loadExclusions(ctx, ch)

	weights, err := consensus.ParseBandwidthWeights(d.cfg.DataDirectory)
	if err != nil {
		return err
	}
	consensus.SortByBandwidthDescending(routers)

	guardSel, err := selector.New(routers, selector.FlagRestriction{
		Required:  []string{model.FlagFast, model.FlagStable, model.FlagValid},
		Forbidden: []string{model.FlagAuthority},
	}, weights, model.PositionMiddle)
	if err != nil {
		return err
	}

	known := consensus.FingerprintSet(routers)
	isDown := func(fp string) bool { return !known[model.NormalizeFingerprint(fp)] }

	if err := d.state.Reconcile(guard.Layer2, d.cfg.Vanguards.NumLayer2Guards, guardSel, excl,
		guard.LifetimeRange{MinHours: d.cfg.Vanguards.MinLayer2Lifetime, MaxHours: d.cfg.Vanguards.MaxLayer2Lifetime}, time.Now(), isDown); err != nil {
		return err
	}
	if d.cfg.Vanguards.NumLayer3Guards > 0 {
		if err := d.state.Reconcile(guard.Layer3, d.cfg.Vanguards.NumLayer3Guards, guardSel, excl,
			guard.LifetimeRange{MinHours: d.cfg.Vanguards.MinLayer3Lifetime, MaxHours: d.cfg.Vanguards.MaxLayer3Lifetime}, time.Now(), isDown); err != nil {
			return err
		}
	}

	rendSel, err := selector.New(routers, selector.FlagRestriction{
		Required:  []string{model.FlagFast, model.FlagValid},
		Forbidden: []string{model.FlagAuthority},
	}, weights, model.PositionMiddle)
	if err != nil {
		return err
	}
	rendSel.RepairExits()
	if d.cfg.EnableRendguard {
		d.state.Rendezvous.Reweight(rendSel)
	}

	if err := d.pushGuardConfig(ctx, ch); err != nil {
		return err
	}
	if err := guard.Save(d.cfg.Vanguards.StateFile, d.state); err != nil {
		return err
	}

	d.pv = pathverify.NewVerifier(d.cfg.Vanguards.VanguardsLite, fingerprints(d.state.Layer2Nodes), fingerprints(d.state.Layer3Nodes))

	if d.met != nil {
		d.met.ConsensusApplied.Inc()
		d.met.GuardLayerSize.WithLabelValues("layer2").Set(float64(len(d.state.Layer2Nodes)))
		d.met.GuardLayerSize.WithLabelValues("layer3").Set(float64(len(d.state.Layer3Nodes)))
	}
	d.consensusApplied = true
	return nil
}

// loadExclusions fetches ExcludeNodes/GeoIPExcludeUnknown from the daemon
// (spec §4.F step 1) and falls back to the locally configured values if the
// daemon query fails, since an operator-supplied exclusion list should not
// silently stop applying just because one GETCONF round-trip failed.
func (d *Dispatcher) loadExclusions(ctx context.Context, ch controlchan.Channel) *exclude.Set {
	excludeNodes := d.cfg.Vanguards.ExcludeNodes
	excludeUnknown := d.cfg.Vanguards.ExcludeUnknown

	if resp, err := ch.SendRequest(ctx, "GETCONF ExcludeNodes"); err == nil {
		if _, value, ok := strings.Cut(resp.Reply, "="); ok {
			excludeNodes = value
		}
	}
	if resp, err := ch.SendRequest(ctx, "GETCONF GeoIPExcludeUnknown"); err == nil {
		if _, value, ok := strings.Cut(resp.Reply, "="); ok {
			excludeUnknown = value
		}
	}
	return exclude.Parse(excludeNodes, excludeUnknown)
}

// pushGuardConfig pushes HSLayer2Nodes, and HSLayer3Nodes when a layer-3
// target is configured, to the daemon (spec §4.F step 7, and spec §4.G
// "signal RELOAD re-pushes guard configuration"). It does not push
// NumEntryGuards, NumDirectoryGuards or GuardLifetime.
func (d *Dispatcher) pushGuardConfig(ctx context.Context, ch controlchan.Channel) error {
	_, err := ch.SendRequest(ctx, "SETCONF HSLayer2Nodes=%s", strings.Join(fingerprints(d.state.Layer2Nodes), ","))
	if err != nil {
		return err
	}
	if d.cfg.Vanguards.NumLayer3Guards > 0 {
		if _, err := ch.SendRequest(ctx, "SETCONF HSLayer3Nodes=%s", strings.Join(fingerprints(d.state.Layer3Nodes), ",")); err != nil {
			return err
		}
	}
	return nil
}
