// Package metrics exposes the core's internal counters and gauges over
// Prometheus, the metrics library the rest of the corpus reaches for.
// Nothing in spec.md itself requires a metrics endpoint, but SPEC_FULL.md's
// domain stack gives every collaborator's externally interesting state a
// home here so an operator can graph it next to the rest of their Tor
// daemon's telemetry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric the core publishes, all registered against
// a private prometheus.Registry so a caller can expose them without also
// exposing the process-wide default collectors.
type Registry struct {
	reg *prometheus.Registry

	GuardLayerSize       *prometheus.GaugeVec
	GuardReplenishments  *prometheus.CounterVec
	RendezvousOveruse    prometheus.Counter
	CircuitVerdicts      *prometheus.CounterVec
	ClosedCircuits       *prometheus.CounterVec
	CBTTimeoutRate       *prometheus.GaugeVec
	PathLengthMismatches *prometheus.CounterVec
	ConnectivityStatus   prometheus.Gauge
	ConnectivityVerdicts *prometheus.CounterVec
	ConsensusApplied     prometheus.Counter
	ReconnectAttempts    prometheus.Counter
}

// New builds a Registry with every metric registered, ready to serve.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		GuardLayerSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "guard_layer_size",
			Help:      "Number of nodes currently held in a guard layer.",
		}, []string{"layer"}),
		GuardReplenishments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "guard_replenishments_total",
			Help:      "Guard-layer slots filled by Replenish, by layer.",
		}, []string{"layer"}),
		RendezvousOveruse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "rendezvous_overuse_total",
			Help:      "Rendezvous point use-count verdicts that exceeded their weighted threshold.",
		}),
		CircuitVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "circuit_verdicts_total",
			Help:      "Per-circuit bandwidth verdicts, by kind.",
		}, []string{"kind"}),
		ClosedCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "closed_circuits_total",
			Help:      "Circuits the core asked the daemon to close, by reason.",
		}, []string{"reason"}),
		CBTTimeoutRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "cbt_timeout_rate",
			Help:      "Current circuit-build timeout rate, by circuit population.",
		}, []string{"population"}),
		PathLengthMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "path_length_mismatches_total",
			Help:      "Hidden-service circuits whose hop count didn't match the expected table.",
		}, []string{"purpose"}),
		ConnectivityStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vanguard",
			Name:      "connectivity_status",
			Help:      "1 if the guard connection and at least one circuit are live, 0 otherwise.",
		}),
		ConnectivityVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "connectivity_verdicts_total",
			Help:      "Connectivity heartbeat verdicts, by kind.",
		}, []string{"kind"}),
		ConsensusApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "consensus_applied_total",
			Help:      "Successful Consensus Applier reconciliation passes.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vanguard",
			Name:      "reconnect_attempts_total",
			Help:      "Control-channel reconnect attempts made by the driver.",
		}),
	}

	reg.MustRegister(
		r.GuardLayerSize,
		r.GuardReplenishments,
		r.RendezvousOveruse,
		r.CircuitVerdicts,
		r.ClosedCircuits,
		r.CBTTimeoutRate,
		r.PathLengthMismatches,
		r.ConnectivityStatus,
		r.ConnectivityVerdicts,
		r.ConsensusApplied,
		r.ReconnectAttempts,
	)

	return r
}

// Handler returns the HTTP handler to mount at the configured metrics
// address (config.Config.MetricsAddress).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
