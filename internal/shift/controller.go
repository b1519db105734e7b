package shift

import (
	"fmt"
	"log"
	"time"

	"github.com/lowaak/virtual-shift/internal/bt"
)

type timestampFunc func() time.Time

// ControllerLink owns the notification subscription for one Zwift Click and
// feeds decoded shift events into the bridge's queue. The enqueue is
// non-blocking: if the bridge is saturated the event is dropped with a
// warning rather than stalling the Bluetooth callback.
type ControllerLink struct {
	device  bt.BTDevice
	role    DeviceRole
	decoder *clickDecoder
	events  chan<- ShiftEvent
	logger  *log.Logger
	now     timestampFunc
}

func NewControllerLink(device bt.BTDevice, role DeviceRole, eventChan chan<- ShiftEvent, logger *log.Logger) *ControllerLink {
	if logger == nil {
		panic("ControllerLink: logger cannot be nil")
	}
	if eventChan == nil {
		panic("ControllerLink: eventChan cannot be nil")
	}
	return &ControllerLink{
		device:  device,
		role:    role,
		decoder: newClickDecoder(role, logger),
		events:  eventChan,
		logger:  logger,
		now:     time.Now,
	}
}

// Device returns the underlying peripheral handle
func (c *ControllerLink) Device() bt.BTDevice {
	return c.device
}

// Role returns which controller this link represents
func (c *ControllerLink) Role() DeviceRole {
	return c.role
}

// Attach subscribes to the Click's async characteristic. Button payloads
// start flowing immediately; no handshake write is required.
func (c *ControllerLink) Attach() error {
	err := c.device.EnableNotifications(ServiceUUIDZwiftClick, CharUUIDZwiftClickAsync, c.handleNotification)
	if err != nil {
		return fmt.Errorf("controller %s: %w", c.role, err)
	}
	c.logger.Printf("ControllerLink[%s]: Listening for button presses on %s", c.role, c.device.GetAddressString())
	return nil
}

// Detach stops the notification subscription
func (c *ControllerLink) Detach() error {
	return c.device.DisableNotifications(ServiceUUIDZwiftClick, CharUUIDZwiftClickAsync)
}

func (c *ControllerLink) handleNotification(buf []byte) {
	for _, ev := range c.decoder.Decode(buf, c.now) {
		select {
		case c.events <- ev:
		default:
			c.logger.Printf("ControllerLink[%s]: Event queue full, dropping %s shift", c.role, ev.Direction)
		}
	}
}
