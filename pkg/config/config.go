// Package config provides configuration management for the vanguard policy engine.
package config

import (
	"time"

	"github.com/torwatch/vanguard/pkg/autoconfig"
)

// Config is the root configuration record consumed by the core. The CLI,
// TOML file, and environment surface that populates it are collaborators
// external to the core (spec §1); the core only ever sees this struct.
type Config struct {
	// Control channel connection.
	ControlAddress    string // "tcp://127.0.0.1:9051" or "unix:///var/run/tor/control"
	ControlPassword   string
	ControlCookiePath string // auto-discovered if empty, see autoconfig.FindControlCookie
	DataDirectory     string // daemon's DataDirectory, for locating cached-microdesc-consensus

	// Component enable flags.
	EnableVanguards  bool // guard-layer replenishment and consensus reconciliation
	EnableBandguards bool // per-circuit bandwidth accounting and attack verdicts
	EnableRendguard  bool // rendezvous-point overuse tracking
	EnableLogguard   bool // per-circuit log ring buffer
	EnablePathverify bool // hop-count expectation checks
	EnableCBTVerify  bool // circuit-build-timeout bookkeeping

	Vanguards  VanguardsConfig
	Bandguards BandguardsConfig
	Rendguard  RendguardConfig
	Logguard   LogguardConfig

	// Driver behavior.
	OneShot       bool          // exit after the first consensus reconciliation
	RetryLimit    int           // 0 = unlimited reconnect attempts
	ReconnectWait time.Duration // fixed back-off between reconnect attempts

	// Policy.
	CloseCircuits bool // issue CLOSECIRCUIT on non-ok, non-known-bug verdicts

	LogLevel string

	MetricsAddress string // "" disables the Prometheus HTTP endpoint
}

// VanguardsConfig configures the persistent guard layers (Component C) and
// their replenishment source (Component A).
type VanguardsConfig struct {
	NumLayer2Guards   int
	NumLayer3Guards   int
	MinLayer2Lifetime time.Duration
	MaxLayer2Lifetime time.Duration
	MinLayer3Lifetime time.Duration
	MaxLayer3Lifetime time.Duration
	StateFile         string
	ExcludeNodes      string // raw operator exclusion string, see internal/exclude
	ExcludeUnknown    string // "1", "auto", or ""
	VanguardsLite     bool   // selects the lite path-length table for pathverify
}

// BandguardsConfig configures the bandwidth monitor's circuit-limit verdicts (Component E).
type BandguardsConfig struct {
	MaxMegabytes            int64
	MaxHSDescKilobytes      int64
	MaxServIntroKilobytes   int64
	MaxAgeHours             int64
	CircBandwidthReadLeeway int64 // per-circuit dropped-cell allowance
	ConnMaxDisconnectedSecs int64
	CircMaxDisconnectedSecs int64
}

// RendguardConfig configures the rendezvous-point overuse tracker (Component D).
type RendguardConfig struct {
	GlobalStartCount          float64
	RelayStartCount           float64
	MaxUseToBwRatio           float64
	ScaleAtCount              float64
	MaxConsensusWeightChurnPct float64
}

// LogguardConfig configures the per-circuit log ring buffer.
type LogguardConfig struct {
	BufferLines int
}

// DefaultConfig returns a configuration with the reference implementation's
// conservative defaults. The data directory is auto-detected per platform.
func DefaultConfig() *Config {
	dataDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		dataDir = "./vanguard-data"
	}

	return &Config{
		ControlAddress:   "tcp://127.0.0.1:9051",
		DataDirectory:    dataDir,
		EnableVanguards:  true,
		EnableBandguards: true,
		EnableRendguard:  true,
		EnableLogguard:   true,
		EnablePathverify: true,
		EnableCBTVerify:  true,
		Vanguards: VanguardsConfig{
			NumLayer2Guards:   4,
			NumLayer3Guards:   8,
			MinLayer2Lifetime: 1 * 24 * time.Hour,
			MaxLayer2Lifetime: 45 * 24 * time.Hour,
			MinLayer3Lifetime: 1 * time.Hour,
			MaxLayer3Lifetime: 48 * time.Hour,
			StateFile:         dataDir + "/vanguards.state",
			ExcludeUnknown:    "auto",
		},
		Bandguards: BandguardsConfig{
			MaxMegabytes:            0,
			MaxHSDescKilobytes:      0,
			MaxServIntroKilobytes:   0,
			MaxAgeHours:             24,
			CircBandwidthReadLeeway: 0,
			ConnMaxDisconnectedSecs: 15,
			CircMaxDisconnectedSecs: 15,
		},
		Rendguard: RendguardConfig{
			GlobalStartCount:           2000,
			RelayStartCount:            100,
			MaxUseToBwRatio:            5.0,
			ScaleAtCount:               20000,
			MaxConsensusWeightChurnPct: 0.05,
		},
		Logguard:      LogguardConfig{BufferLines: 200},
		RetryLimit:    0,
		ReconnectWait: 1 * time.Second,
		LogLevel:      "info",
	}
}
