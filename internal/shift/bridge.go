package shift

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/virtual-shift/internal/bt"
	"github.com/lowaak/virtual-shift/internal/events"
)

// BridgeState tracks where the bridge is in its lifecycle
type BridgeState int

const (
	BridgeIdle BridgeState = iota
	BridgeScanning
	BridgeConnected
	BridgeRunning
	BridgeReconnecting
	BridgeTerminated
)

func (s BridgeState) String() string {
	switch s {
	case BridgeIdle:
		return "Idle"
	case BridgeScanning:
		return "Scanning"
	case BridgeConnected:
		return "Connected"
	case BridgeRunning:
		return "Running"
	case BridgeReconnecting:
		return "Reconnecting"
	case BridgeTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ErrReconnectFailed is returned when a lost device could not be recovered
// within the configured attempt budget.
var ErrReconnectFailed = errors.New("reconnect failed")

// BridgeConfig collects everything the bridge needs to run a session
type BridgeConfig struct {
	TrainerName         string
	LeftControllerName  string
	RightControllerName string
	ScanTimeout         time.Duration
	ConnectTimeout      time.Duration

	Gears      GearConfig
	Resistance ResistanceConfig

	// Minimum interval between consecutive trainer writes. Zero disables
	// smoothing.
	ShiftSmoothing time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// GearStatus is the bridge's public view of one applied shift, broadcast to
// listeners (terminal output, the optional UI) after each trainer write.
type GearStatus struct {
	Gear    int
	MinGear int
	MaxGear int
	Label   string // drivetrain display, e.g. "53-17"

	ERGMode          bool
	TargetResistance float64 // percent, when not in ERG mode
	TargetPowerWatts int16   // watts, ERG mode only
}

// Bridge wires two Click controllers to one smart trainer: button releases
// become shift events, shift events become gear changes, gear changes become
// exactly one FTMS target write each. A single consumer goroutine owns the
// gear state and the trainer writes, so events apply strictly in the order
// they were received.
type Bridge struct {
	cfg       BridgeConfig
	btManager bt.BTManagerInterface
	logger    *log.Logger

	trainer     *TrainerLink
	trainerCtl  TrainerControl
	controllers []*ControllerLink
	gears       *GearState
	drivetrain  Drivetrain

	eventChan   chan ShiftEvent
	gearEvent   *events.ChannelEvent[GearStatus]
	stateEvent  *events.ChannelEvent[BridgeState]
	state       BridgeState
	lastWriteAt time.Time

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

const shiftEventQueueSize = 16

func NewBridge(cfg BridgeConfig, btManager bt.BTManagerInterface, logger *log.Logger) (*Bridge, error) {
	if logger == nil {
		panic("Bridge: logger cannot be nil")
	}
	if err := cfg.Resistance.Validate(); err != nil {
		return nil, err
	}
	gears, err := NewGearState(cfg.Gears)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:        cfg,
		btManager:  btManager,
		logger:     logger,
		gears:      gears,
		drivetrain: DefaultDrivetrain,
		eventChan:  make(chan ShiftEvent, shiftEventQueueSize),
		gearEvent:  events.NewChannelEvent[GearStatus](true),
		stateEvent: events.NewChannelEvent[BridgeState](true),
		state:      BridgeIdle,
		sleep:      time.Sleep,
	}, nil
}

// ListenToGearChanges registers a channel for applied-shift broadcasts.
// The most recent status is replayed to new listeners.
func (b *Bridge) ListenToGearChanges(ch chan<- GearStatus) func() {
	return b.gearEvent.Listen(ch)
}

// ListenToStateChanges registers a channel for lifecycle state broadcasts
func (b *Bridge) ListenToStateChanges(ch chan<- BridgeState) func() {
	return b.stateEvent.Listen(ch)
}

// Trainer returns the trainer link, nil before Start succeeds
func (b *Bridge) Trainer() *TrainerLink {
	return b.trainer
}

func (b *Bridge) setState(s BridgeState) {
	b.state = s
	b.logger.Printf("Bridge: State -> %s", s)
	b.stateEvent.Notify(s)
}

// Start resolves and connects every required device, then acquires trainer
// control. All three devices are required: any one missing fails the whole
// start, which is the caller's cue to exit non-zero.
func (b *Bridge) Start(ctx context.Context) error {
	b.setState(BridgeScanning)

	trainerDev, err := b.connectByName(ctx, b.cfg.TrainerName, nil)
	if err != nil {
		return fmt.Errorf("trainer %q: %w", b.cfg.TrainerName, err)
	}

	// The two Clicks usually advertise the same local name, so the second
	// scan excludes the first one's address.
	leftDev, err := b.connectByName(ctx, b.cfg.LeftControllerName, nil)
	if err != nil {
		return fmt.Errorf("left controller %q: %w", b.cfg.LeftControllerName, err)
	}

	rightDev, err := b.connectByName(ctx, b.cfg.RightControllerName, []string{leftDev.GetAddressString()})
	if err != nil {
		return fmt.Errorf("right controller %q: %w", b.cfg.RightControllerName, err)
	}

	b.setState(BridgeConnected)

	b.trainer = NewTrainerLink(trainerDev, b.logger)
	b.trainerCtl = b.trainer
	if err := b.trainer.Attach(); err != nil {
		return fmt.Errorf("trainer attach: %w", err)
	}

	b.controllers = []*ControllerLink{
		NewControllerLink(leftDev, RoleLeftController, b.eventChan, b.logger),
		NewControllerLink(rightDev, RoleRightController, b.eventChan, b.logger),
	}
	for _, link := range b.controllers {
		if err := link.Attach(); err != nil {
			return fmt.Errorf("controller attach: %w", err)
		}
	}

	// Push the starting gear to the trainer so the configured gear and the
	// physical resistance agree before the first shift.
	if err := b.writeTarget(b.gears.Gear()); err != nil {
		return fmt.Errorf("initial target write: %w", err)
	}

	return nil
}

// Run consumes shift events until ctx is cancelled or an unrecoverable
// device loss occurs. It is the only goroutine that touches gear state or
// writes to the trainer.
func (b *Bridge) Run(ctx context.Context) error {
	b.setState(BridgeRunning)

	connChanges := make(chan bt.ConnectionChange, 8)
	deregister := b.btManager.ListenToConnectionChanges(connChanges)
	defer deregister()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case change := <-connChanges:
			if change.Connected {
				continue
			}
			role, ok := b.roleForAddress(change.Address)
			if !ok {
				continue
			}
			b.logger.Printf("Bridge: Lost %s (%s)", role, change.Address)
			// Reconnect synchronously. Shift events arriving meanwhile queue
			// in eventChan and apply in order once we resume.
			if err := b.reconnect(ctx, change.Address, role); err != nil {
				b.setState(BridgeTerminated)
				return err
			}
			b.setState(BridgeRunning)

		case ev := <-b.eventChan:
			b.handleShift(ev)
		}
	}
}

// handleShift applies one event: shift the gear, and if it actually moved,
// issue exactly one trainer write. A saturated shift (already at min/max)
// changes nothing and must not touch the trainer.
func (b *Bridge) handleShift(ev ShiftEvent) {
	before := b.gears.Gear()
	after := b.gears.Shift(ev.Direction)

	if after == before {
		b.logger.Printf("Bridge: Shift %s from %s ignored, already at gear %d", ev.Direction, ev.Source, before)
		return
	}

	b.logger.Printf("Bridge: Shift %s from %s: gear %d -> %d", ev.Direction, ev.Source, before, after)

	if err := b.writeTarget(after); err != nil {
		// The gear state keeps the new value; the next successful write
		// re-syncs the trainer.
		b.logger.Printf("Bridge: Target write failed: %v", err)
	}
}

// writeTarget maps the gear to a target and issues one trainer write,
// honoring the smoothing interval between consecutive writes.
func (b *Bridge) writeTarget(gear int) error {
	if b.cfg.ShiftSmoothing > 0 && !b.lastWriteAt.IsZero() {
		elapsed := time.Since(b.lastWriteAt)
		if elapsed < b.cfg.ShiftSmoothing {
			b.sleep(b.cfg.ShiftSmoothing - elapsed)
		}
	}

	status := GearStatus{
		Gear:    gear,
		MinGear: b.gears.MinGear(),
		MaxGear: b.gears.MaxGear(),
		Label:   b.drivetrain.Display(gear),
		ERGMode: b.cfg.Resistance.ERGMode,
	}

	var err error
	if b.cfg.Resistance.ERGMode {
		watts := PowerForGear(gear, b.gears.MinGear(), b.cfg.Resistance)
		status.TargetPowerWatts = watts
		err = b.trainerCtl.SetTargetPower(watts)
	} else {
		percent := ResistanceForGear(gear, b.gears.MinGear(), b.cfg.Resistance)
		status.TargetResistance = percent
		// FTMS resistance is SINT16 with 0.1 resolution
		err = b.trainerCtl.SetTargetResistance(int16(percent * 10))
	}
	b.lastWriteAt = time.Now()

	if err != nil {
		return err
	}

	b.gearEvent.Notify(status)
	return nil
}

func (b *Bridge) roleForAddress(address string) (DeviceRole, bool) {
	if b.trainer != nil && b.trainer.Device().GetAddressString() == address {
		return RoleTrainer, true
	}
	for _, link := range b.controllers {
		if link.Device().GetAddressString() == address {
			return link.Role(), true
		}
	}
	return "", false
}

// reconnect recovers a single lost device with a bounded retry budget.
// Only the lost device is touched; the surviving links keep running.
func (b *Bridge) reconnect(ctx context.Context, address string, role DeviceRole) error {
	b.setState(BridgeReconnecting)

	device := b.deviceForRole(role)
	if device == nil {
		return fmt.Errorf("%w: no device tracked for %s", ErrReconnectFailed, role)
	}

	attempts := b.cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.logger.Printf("Bridge: Reconnecting %s, attempt %d/%d", role, attempt, attempts)

		if err := b.btManager.Connect(device); err != nil {
			b.logger.Printf("Bridge: Reconnect attempt failed: %v", err)
		} else if err := device.WaitForConnection(b.connectTimeout()); err != nil {
			b.logger.Printf("Bridge: Reconnect wait failed: %v", err)
		} else if err := b.reattach(role); err != nil {
			b.logger.Printf("Bridge: Reattach failed: %v", err)
		} else {
			b.logger.Printf("Bridge: Recovered %s", role)
			return nil
		}

		if attempt < attempts && b.cfg.ReconnectDelay > 0 {
			b.sleep(b.cfg.ReconnectDelay)
		}
	}

	return fmt.Errorf("%w: %s (%s) after %d attempts", ErrReconnectFailed, role, address, attempts)
}

// reattach redoes the per-device session setup after a link came back.
// Subscriptions and FTMS control do not survive a disconnect.
func (b *Bridge) reattach(role DeviceRole) error {
	if role == RoleTrainer {
		if err := b.trainer.Attach(); err != nil {
			return err
		}
		// Restore the current gear's target; the trainer forgot it.
		return b.writeTarget(b.gears.Gear())
	}
	for _, link := range b.controllers {
		if link.Role() == role {
			return link.Attach()
		}
	}
	return fmt.Errorf("unknown role %s", role)
}

func (b *Bridge) deviceForRole(role DeviceRole) bt.BTDevice {
	if role == RoleTrainer {
		if b.trainer == nil {
			return nil
		}
		return b.trainer.Device()
	}
	for _, link := range b.controllers {
		if link.Role() == role {
			return link.Device()
		}
	}
	return nil
}

// shutdown releases trainer control and detaches the controllers.
// Only reached on a clean exit; device errors here are logged, not fatal.
func (b *Bridge) shutdown() {
	b.logger.Println("Bridge: Shutting down")

	for _, link := range b.controllers {
		if err := link.Detach(); err != nil {
			b.logger.Printf("Bridge: Error detaching %s: %v", link.Role(), err)
		}
	}

	if b.trainerCtl != nil {
		if err := b.trainerCtl.Release(); err != nil {
			b.logger.Printf("Bridge: Error releasing trainer: %v", err)
		}
	}

	b.setState(BridgeTerminated)
}

func (b *Bridge) connectTimeout() time.Duration {
	if b.cfg.ConnectTimeout > 0 {
		return b.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// connectByName scans for a device and brings it to a connected state
func (b *Bridge) connectByName(ctx context.Context, name string, excludeAddresses []string) (bt.BTDevice, error) {
	device, err := b.btManager.DiscoverByName(ctx, name, b.cfg.ScanTimeout, excludeAddresses)
	if err != nil {
		return nil, err
	}
	if err := b.btManager.Connect(device); err != nil {
		return nil, err
	}
	if err := device.WaitForConnection(b.connectTimeout()); err != nil {
		return nil, err
	}
	b.logger.Printf("Bridge: Connected to %s (%s)", device.GetLocalName(), device.GetAddressString())
	return device, nil
}
