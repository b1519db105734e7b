package shift

import "fmt"

// ResistanceConfig holds the gear-to-resistance mapping parameters.
// When ERGMode is set the bridge issues target-power commands instead of
// resistance commands; the two modes are fixed per session at start-up.
type ResistanceConfig struct {
	BaseResistance    float64 // percent at the minimum gear
	ResistancePerGear float64 // percent added per gear above minimum
	MinResistance     float64 // clamp floor, percent
	MaxResistance     float64 // clamp ceiling, percent

	ERGMode           bool
	BasePowerWatts    int // watts at the minimum gear (ERG mode)
	PowerPerGearWatts int // watts added per gear above minimum (ERG mode)
}

// Validate checks the clamp range. Resistance values outside 0-100 are
// allowed in config only if the clamp range permits them, so the clamp
// bounds themselves are what we verify.
func (c ResistanceConfig) Validate() error {
	if c.MinResistance > c.MaxResistance {
		return fmt.Errorf("min_resistance_percent %.1f > max_resistance_percent %.1f", c.MinResistance, c.MaxResistance)
	}
	if c.MinResistance < 0 || c.MaxResistance > 100 {
		return fmt.Errorf("resistance bounds [%.1f, %.1f] outside [0, 100]", c.MinResistance, c.MaxResistance)
	}
	if c.ERGMode && c.BasePowerWatts <= 0 {
		return fmt.Errorf("base_power_watts must be > 0 in ERG mode, got %d", c.BasePowerWatts)
	}
	return nil
}

// ResistanceForGear maps a gear index to a trainer resistance percentage.
// Resistance scales linearly with the gear offset from the minimum gear, so
// the minimum gear always yields exactly the (clamped) base resistance and
// each subsequent gear adds a fixed increment.
func ResistanceForGear(gear int, minGear int, cfg ResistanceConfig) float64 {
	percent := cfg.BaseResistance + float64(gear-minGear)*cfg.ResistancePerGear
	return clamp(percent, cfg.MinResistance, cfg.MaxResistance)
}

// PowerForGear maps a gear index to an ERG-mode target power in watts using
// the same linear offset, clamped to the FTMS-safe power range.
func PowerForGear(gear int, minGear int, cfg ResistanceConfig) int16 {
	watts := cfg.BasePowerWatts + (gear-minGear)*cfg.PowerPerGearWatts
	if watts < MinTargetPowerWatts {
		watts = MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		watts = MaxTargetPowerWatts
	}
	return int16(watts)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
