package config

import (
	"fmt"
	"strings"
)

// Validate checks the invariants the core relies on at startup: every
// component that is enabled must have a usable set of thresholds, and the
// guard-layer lifetime bounds must form a valid [min, max] range (spec §4.C
// "Lifetime sampling" requires lo <= hi).
func (c *Config) Validate() error {
	if c.ControlAddress == "" {
		return fmt.Errorf("control_address must not be empty")
	}
	if !strings.HasPrefix(c.ControlAddress, "tcp://") && !strings.HasPrefix(c.ControlAddress, "unix://") {
		return fmt.Errorf("control_address must be a tcp:// or unix:// URL, got %q", c.ControlAddress)
	}

	if c.EnableVanguards {
		if c.Vanguards.NumLayer2Guards <= 0 {
			return fmt.Errorf("vanguards.num_layer2_guards must be positive")
		}
		if c.Vanguards.NumLayer3Guards < 0 {
			return fmt.Errorf("vanguards.num_layer3_guards must not be negative")
		}
		if c.Vanguards.MinLayer2Lifetime > c.Vanguards.MaxLayer2Lifetime {
			return fmt.Errorf("vanguards.min_layer2_lifetime_hours must not exceed max_layer2_lifetime_hours")
		}
		if c.Vanguards.MinLayer3Lifetime > c.Vanguards.MaxLayer3Lifetime {
			return fmt.Errorf("vanguards.min_layer3_lifetime_hours must not exceed max_layer3_lifetime_hours")
		}
		if c.Vanguards.StateFile == "" {
			return fmt.Errorf("vanguards.state_file must not be empty when vanguards is enabled")
		}
		switch c.Vanguards.ExcludeUnknown {
		case "", "1", "auto":
		default:
			return fmt.Errorf("vanguards.exclude_unknown must be \"\", \"1\", or \"auto\", got %q", c.Vanguards.ExcludeUnknown)
		}
	}

	if c.EnableRendguard {
		if c.Rendguard.MaxUseToBwRatio <= 0 {
			return fmt.Errorf("rendguard.max_use_to_bw_ratio must be positive")
		}
		if c.Rendguard.ScaleAtCount <= 0 {
			return fmt.Errorf("rendguard.scale_at_count must be positive")
		}
	}

	if c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}

	return nil
}
