package shift

import (
	"fmt"
)

// GearConfig holds the configured gear range
type GearConfig struct {
	TotalGears  int
	CurrentGear int
	MinGear     int
	MaxGear     int
}

// Validate checks the range invariants. Called at start-up, before any
// Bluetooth activity, so bad config never reaches the first shift.
func (c GearConfig) Validate() error {
	if c.TotalGears < 1 {
		return fmt.Errorf("total_gears must be >= 1, got %d", c.TotalGears)
	}
	if c.MinGear < 1 || c.MinGear > c.TotalGears {
		return fmt.Errorf("min_gear %d outside [1, %d]", c.MinGear, c.TotalGears)
	}
	if c.MaxGear < 1 || c.MaxGear > c.TotalGears {
		return fmt.Errorf("max_gear %d outside [1, %d]", c.MaxGear, c.TotalGears)
	}
	if c.MinGear > c.MaxGear {
		return fmt.Errorf("min_gear %d > max_gear %d", c.MinGear, c.MaxGear)
	}
	if c.CurrentGear < c.MinGear || c.CurrentGear > c.MaxGear {
		return fmt.Errorf("current_gear %d outside [%d, %d]", c.CurrentGear, c.MinGear, c.MaxGear)
	}
	return nil
}

// GearState holds the current virtual gear. It is owned by the bridge loop's
// single consumer goroutine and is deliberately not safe for concurrent use -
// everyone else observes gear changes through the bridge's gear event.
type GearState struct {
	cfg     GearConfig
	current int
}

// NewGearState validates the config and returns the initial state
func NewGearState(cfg GearConfig) (*GearState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GearState{cfg: cfg, current: cfg.CurrentGear}, nil
}

// Shift applies one up/down transition clamped to the configured bounds.
// At the bounds, a shift in the saturating direction is a no-op that still
// reports the unchanged gear - never an error.
func (g *GearState) Shift(direction ShiftDirection) int {
	switch direction {
	case ShiftUp:
		if g.current < g.cfg.MaxGear {
			g.current++
		}
	case ShiftDown:
		if g.current > g.cfg.MinGear {
			g.current--
		}
	}
	return g.current
}

// Gear returns the 1-indexed current gear
func (g *GearState) Gear() int {
	return g.current
}

// MinGear returns the configured lowest gear
func (g *GearState) MinGear() int {
	return g.cfg.MinGear
}

// MaxGear returns the configured highest gear
func (g *GearState) MaxGear() int {
	return g.cfg.MaxGear
}

// Drivetrain is an optional, purely cosmetic chainring/cassette table used to
// render the current gear the way a bike computer would (e.g. "39-17").
// It plays no part in the resistance computation.
type Drivetrain struct {
	Chainrings []int // small to large
	Cassette   []int // largest cog first (easiest gear first)
}

// DefaultDrivetrain is a 2x12 road setup (39/53 x 11-28)
var DefaultDrivetrain = Drivetrain{
	Chainrings: []int{39, 53},
	Cassette:   []int{28, 25, 23, 21, 19, 17, 15, 14, 13, 12, 11, 11},
}

// Display maps a gear index onto a chainring-cog label. Gears in the lower
// half use the small ring, the rest the large ring.
func (d Drivetrain) Display(gear int) string {
	if len(d.Chainrings) == 0 || len(d.Cassette) == 0 {
		return fmt.Sprintf("%d", gear)
	}

	perRing := len(d.Cassette)
	ringIdx := (gear - 1) / perRing
	if ringIdx < 0 {
		ringIdx = 0
	}
	if ringIdx >= len(d.Chainrings) {
		ringIdx = len(d.Chainrings) - 1
	}

	cogIdx := (gear - 1) % perRing
	if cogIdx < 0 {
		cogIdx = 0
	}

	return fmt.Sprintf("%d-%d", d.Chainrings[ringIdx], d.Cassette[cogIdx])
}
