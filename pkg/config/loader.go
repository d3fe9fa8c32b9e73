// Package config provides TOML configuration file loading for the vanguard policy engine.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config's shape for TOML decoding. Field names follow
// snake_case per the rest of the retrieval pack's TOML conventions. Empty
// strings, nil enable flags and absent tables leave the defaults in place;
// see LoadFromFile for which keys are copied even when zero.
type fileConfig struct {
	ControlAddress    string `toml:"control_address"`
	ControlPassword   string `toml:"control_password"`
	ControlCookiePath string `toml:"control_cookie_path"`
	DataDirectory     string `toml:"data_directory"`

	EnableVanguards  *bool `toml:"enable_vanguards"`
	EnableBandguards *bool `toml:"enable_bandguards"`
	EnableRendguard  *bool `toml:"enable_rendguard"`
	EnableLogguard   *bool `toml:"enable_logguard"`
	EnablePathverify *bool `toml:"enable_pathverify"`

	OneShot       bool   `toml:"one_shot"`
	RetryLimit    int    `toml:"retry_limit"`
	CloseCircuits bool   `toml:"close_circuits"`
	LogLevel      string `toml:"log_level"`
	MetricsAddress string `toml:"metrics_address"`

	Vanguards  *fileVanguards  `toml:"vanguards"`
	Bandguards *fileBandguards `toml:"bandguards"`
	Rendguard  *fileRendguard  `toml:"rendguard"`
	Logguard   *fileLogguard   `toml:"logguard"`
}

type fileVanguards struct {
	NumLayer2Guards       int    `toml:"num_layer2_guards"`
	NumLayer3Guards       int    `toml:"num_layer3_guards"`
	MinLayer2LifetimeHrs  int    `toml:"min_layer2_lifetime_hours"`
	MaxLayer2LifetimeHrs  int    `toml:"max_layer2_lifetime_hours"`
	MinLayer3LifetimeHrs  int    `toml:"min_layer3_lifetime_hours"`
	MaxLayer3LifetimeHrs  int    `toml:"max_layer3_lifetime_hours"`
	StateFile             string `toml:"state_file"`
	ExcludeNodes          string `toml:"exclude_nodes"`
	ExcludeUnknown        string `toml:"exclude_unknown"`
	VanguardsLite         bool   `toml:"vanguards_lite"`
}

type fileBandguards struct {
	MaxMegabytes            int64 `toml:"max_megabytes"`
	MaxHSDescKilobytes      int64 `toml:"max_hsdesc_kilobytes"`
	MaxServIntroKilobytes   int64 `toml:"max_serv_intro_kilobytes"`
	MaxAgeHours             int64 `toml:"max_age_hours"`
	CircBandwidthReadLeeway int64 `toml:"circ_bandwidth_read_leeway"`
	ConnMaxDisconnectedSecs int64 `toml:"conn_max_disconnected_secs"`
	CircMaxDisconnectedSecs int64 `toml:"circ_max_disconnected_secs"`
}

type fileRendguard struct {
	GlobalStartCount           float64 `toml:"global_start_count"`
	RelayStartCount            float64 `toml:"relay_start_count"`
	MaxUseToBwRatio            float64 `toml:"max_use_to_bw_ratio"`
	ScaleAtCount               float64 `toml:"scale_at_count"`
	MaxConsensusWeightChurnPct float64 `toml:"max_consensus_weight_churn_pct"`
}

type fileLogguard struct {
	BufferLines int `toml:"buffer_lines"`
}

// LoadFromFile decodes a TOML configuration file starting from
// DefaultConfig and overlaying the file's values. one_shot and
// close_circuits are always taken from the file, as are exclude_nodes and
// vanguards_lite when a [vanguards] table is present, so an absent key sets
// them to false or "". A [bandguards] or [rendguard] table,
// when present, replaces that whole section, so keys missing from the table
// become zero rather than keeping their defaults.
func LoadFromFile(path string) (*Config, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg := DefaultConfig()
	applyFileConfig(cfg, &fc)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.ControlAddress != "" {
		cfg.ControlAddress = fc.ControlAddress
	}
	if fc.ControlPassword != "" {
		cfg.ControlPassword = fc.ControlPassword
	}
	if fc.ControlCookiePath != "" {
		cfg.ControlCookiePath = fc.ControlCookiePath
	}
	if fc.DataDirectory != "" {
		cfg.DataDirectory = fc.DataDirectory
	}
	if fc.EnableVanguards != nil {
		cfg.EnableVanguards = *fc.EnableVanguards
	}
	if fc.EnableBandguards != nil {
		cfg.EnableBandguards = *fc.EnableBandguards
	}
	if fc.EnableRendguard != nil {
		cfg.EnableRendguard = *fc.EnableRendguard
	}
	if fc.EnableLogguard != nil {
		cfg.EnableLogguard = *fc.EnableLogguard
	}
	if fc.EnablePathverify != nil {
		cfg.EnablePathverify = *fc.EnablePathverify
	}
	cfg.OneShot = fc.OneShot
	if fc.RetryLimit != 0 {
		cfg.RetryLimit = fc.RetryLimit
	}
	cfg.CloseCircuits = fc.CloseCircuits
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.MetricsAddress != "" {
		cfg.MetricsAddress = fc.MetricsAddress
	}

	if v := fc.Vanguards; v != nil {
		if v.NumLayer2Guards != 0 {
			cfg.Vanguards.NumLayer2Guards = v.NumLayer2Guards
		}
		if v.NumLayer3Guards != 0 {
			cfg.Vanguards.NumLayer3Guards = v.NumLayer3Guards
		}
		if v.MinLayer2LifetimeHrs != 0 {
			cfg.Vanguards.MinLayer2Lifetime = hoursToDuration(v.MinLayer2LifetimeHrs)
		}
		if v.MaxLayer2LifetimeHrs != 0 {
			cfg.Vanguards.MaxLayer2Lifetime = hoursToDuration(v.MaxLayer2LifetimeHrs)
		}
		if v.MinLayer3LifetimeHrs != 0 {
			cfg.Vanguards.MinLayer3Lifetime = hoursToDuration(v.MinLayer3LifetimeHrs)
		}
		if v.MaxLayer3LifetimeHrs != 0 {
			cfg.Vanguards.MaxLayer3Lifetime = hoursToDuration(v.MaxLayer3LifetimeHrs)
		}
		if v.StateFile != "" {
			cfg.Vanguards.StateFile = v.StateFile
		}
		cfg.Vanguards.ExcludeNodes = v.ExcludeNodes
		if v.ExcludeUnknown != "" {
			cfg.Vanguards.ExcludeUnknown = v.ExcludeUnknown
		}
		cfg.Vanguards.VanguardsLite = v.VanguardsLite
	}

	if b := fc.Bandguards; b != nil {
		cfg.Bandguards = BandguardsConfig{
			MaxMegabytes:            b.MaxMegabytes,
			MaxHSDescKilobytes:      b.MaxHSDescKilobytes,
			MaxServIntroKilobytes:   b.MaxServIntroKilobytes,
			MaxAgeHours:             b.MaxAgeHours,
			CircBandwidthReadLeeway: b.CircBandwidthReadLeeway,
			ConnMaxDisconnectedSecs: b.ConnMaxDisconnectedSecs,
			CircMaxDisconnectedSecs: b.CircMaxDisconnectedSecs,
		}
	}

	if r := fc.Rendguard; r != nil {
		cfg.Rendguard = RendguardConfig{
			GlobalStartCount:           r.GlobalStartCount,
			RelayStartCount:            r.RelayStartCount,
			MaxUseToBwRatio:            r.MaxUseToBwRatio,
			ScaleAtCount:               r.ScaleAtCount,
			MaxConsensusWeightChurnPct: r.MaxConsensusWeightChurnPct,
		}
	}

	if l := fc.Logguard; l != nil && l.BufferLines != 0 {
		cfg.Logguard.BufferLines = l.BufferLines
	}
}

func hoursToDuration(h int) time.Duration { return time.Duration(h) * time.Hour }

// validatePath guards against directory traversal in an operator-supplied
// config path, matching the reference loader's defensive check.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}
	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}
	return nil
}
