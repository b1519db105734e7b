package shift

import (
	"fmt"
	"log"

	"github.com/lowaak/virtual-shift/internal/bt"
	"github.com/lowaak/virtual-shift/internal/events"
)

// TrainerControl is what the bridge needs from a smart trainer: two target
// commands and a way to relinquish control. Kept narrow so the bridge loop
// can be tested without a radio.
type TrainerControl interface {
	SetTargetResistance(level int16) error
	SetTargetPower(watts int16) error
	Release() error
}

// Verify TrainerLink implements TrainerControl
var _ TrainerControl = (*TrainerLink)(nil)

// BikeMetrics is the trimmed-down Indoor Bike Data sample the bridge surfaces
// for display: just the fields a rider watches while shifting.
type BikeMetrics struct {
	HasSpeed   bool
	HasCadence bool
	HasPower   bool

	SpeedKmh   float64
	CadenceRPM float64
	PowerWatts int16
}

// Indoor Bike Data flag bit positions (FTMS 1.0 spec)
const (
	ibdFlagMoreData           = 1 << 0 // Bit 0: 0 means Instantaneous Speed present
	ibdFlagAverageSpeed       = 1 << 1 // Bit 1: Average Speed present
	ibdFlagInstantaneousCad   = 1 << 2 // Bit 2: Instantaneous Cadence present
	ibdFlagAverageCadence     = 1 << 3 // Bit 3: Average Cadence present
	ibdFlagTotalDistance      = 1 << 4 // Bit 4: Total Distance present
	ibdFlagResistanceLevel    = 1 << 5 // Bit 5: Resistance Level present
	ibdFlagInstantaneousPower = 1 << 6 // Bit 6: Instantaneous Power present
)

// parseBikeMetrics extracts speed, cadence and power from an FTMS Indoor Bike
// Data notification. Fields are optional and ordered by flag bit, so each
// present field before the ones we want still has to be skipped.
func parseBikeMetrics(buf []byte) (BikeMetrics, error) {
	var m BikeMetrics
	if len(buf) < 2 {
		return m, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}

	flags := uint16(buf[0]) | (uint16(buf[1]) << 8)
	offset := 2

	readUint16 := func() (uint16, error) {
		if offset+2 > len(buf) {
			return 0, fmt.Errorf("indoor bike data truncated at offset %d", offset)
		}
		v := uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
		return v, nil
	}

	// 1. Instantaneous Speed (UINT16, 0.01 km/h) - present when More Data is 0
	if flags&ibdFlagMoreData == 0 {
		raw, err := readUint16()
		if err != nil {
			return m, err
		}
		m.HasSpeed = true
		m.SpeedKmh = float64(raw) / 100.0
	}

	// 2. Average Speed (UINT16, 0.01 km/h) - skipped
	if flags&ibdFlagAverageSpeed != 0 {
		if _, err := readUint16(); err != nil {
			return m, err
		}
	}

	// 3. Instantaneous Cadence (UINT16, 0.5 rpm)
	if flags&ibdFlagInstantaneousCad != 0 {
		raw, err := readUint16()
		if err != nil {
			return m, err
		}
		m.HasCadence = true
		m.CadenceRPM = float64(raw) / 2.0
	}

	// 4. Average Cadence (UINT16, 0.5 rpm) - skipped
	if flags&ibdFlagAverageCadence != 0 {
		if _, err := readUint16(); err != nil {
			return m, err
		}
	}

	// 5. Total Distance (UINT24, metres) - skipped
	if flags&ibdFlagTotalDistance != 0 {
		if offset+3 > len(buf) {
			return m, fmt.Errorf("indoor bike data truncated at offset %d", offset)
		}
		offset += 3
	}

	// 6. Resistance Level (SINT16, unitless) - skipped
	if flags&ibdFlagResistanceLevel != 0 {
		if _, err := readUint16(); err != nil {
			return m, err
		}
	}

	// 7. Instantaneous Power (SINT16, watts)
	if flags&ibdFlagInstantaneousPower != 0 {
		raw, err := readUint16()
		if err != nil {
			return m, err
		}
		m.HasPower = true
		m.PowerWatts = int16(raw)
	}

	return m, nil
}

// TrainerLink owns the FTMS session with the smart trainer: it acquires
// control at attach, translates target commands into control point writes,
// and relays Indoor Bike Data samples to listeners.
type TrainerLink struct {
	device       bt.BTDevice
	logger       *log.Logger
	metricsEvent *events.ChannelEvent[BikeMetrics]
}

func NewTrainerLink(device bt.BTDevice, logger *log.Logger) *TrainerLink {
	if logger == nil {
		panic("TrainerLink: logger cannot be nil")
	}
	return &TrainerLink{
		device: device,
		logger: logger,
		// Replay the last sample so a late UI listener shows data immediately
		metricsEvent: events.NewChannelEvent[BikeMetrics](true),
	}
}

// Device returns the underlying peripheral handle
func (t *TrainerLink) Device() bt.BTDevice {
	return t.device
}

// ListenToMetrics registers a channel for Indoor Bike Data samples.
// Returns a deregistration function.
func (t *TrainerLink) ListenToMetrics(ch chan<- BikeMetrics) func() {
	return t.metricsEvent.Listen(ch)
}

// Attach acquires FTMS control and starts the data flows. Order matters:
// control point indications first so responses to our own Request Control are
// not lost, then the control handshake, then Indoor Bike Data.
func (t *TrainerLink) Attach() error {
	if !t.device.HasServiceUUID(ServiceUUIDFTMS) {
		// Some trainers omit the service UUID from advertisements; trust the
		// GATT table instead and let the writes fail if it truly is absent.
		t.logger.Printf("TrainerLink: %s did not advertise FTMS, proceeding anyway", t.device.GetLocalName())
	}

	if features, err := t.device.ReadCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSFeature); err != nil {
		t.logger.Printf("TrainerLink: Could not read FTMS features: %v", err)
	} else {
		t.logger.Printf("TrainerLink: FTMS features: % X", features)
	}

	err := t.device.EnableNotifications(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, t.handleControlPointResponse)
	if err != nil {
		// Indications failing is survivable - commands still work, we just
		// won't see the trainer's confirmations
		t.logger.Printf("TrainerLink: Control point indications unavailable: %v", err)
	}

	// Request Control command: [0x00]
	if err := t.writeControl([]byte{FTMSOpCodeRequestControl}); err != nil {
		return fmt.Errorf("failed to request trainer control: %w", err)
	}

	// Start or Resume command: [0x07]
	// Some trainers require this before accepting target commands
	if err := t.writeControl([]byte{FTMSOpCodeStartOrResume}); err != nil {
		t.logger.Printf("TrainerLink: Start command failed (may not be required): %v", err)
	}

	err = t.device.EnableNotifications(ServiceUUIDFTMS, CharUUIDIndoorBikeData, t.handleIndoorBikeData)
	if err != nil {
		t.logger.Printf("TrainerLink: Indoor bike data unavailable: %v", err)
	}

	t.logger.Printf("TrainerLink: Trainer control acquired on %s", t.device.GetAddressString())
	return nil
}

// SetTargetResistance sends the Set Target Resistance Level command.
// level is in 0.1 units (e.g., 575 = 57.5%).
func (t *TrainerLink) SetTargetResistance(level int16) error {
	// Set Target Resistance Level command: [0x04, level_low, level_high]
	data := []byte{
		FTMSOpCodeSetTargetResistance,
		byte(level & 0xFF),
		byte((level >> 8) & 0xFF),
	}

	t.logger.Printf("TrainerLink: Setting target resistance to %.1f%%", float64(level)/10.0)
	if err := t.writeControl(data); err != nil {
		return fmt.Errorf("failed to set target resistance: %w", err)
	}
	return nil
}

// SetTargetPower sends the Set Target Power command (ERG mode), watts.
func (t *TrainerLink) SetTargetPower(watts int16) error {
	if watts < MinTargetPowerWatts {
		watts = MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		watts = MaxTargetPowerWatts
	}

	// Set Target Power command: [0x05, power_low, power_high]
	data := []byte{
		FTMSOpCodeSetTargetPower,
		byte(watts & 0xFF),
		byte((watts >> 8) & 0xFF),
	}

	t.logger.Printf("TrainerLink: Setting target power to %d W", watts)
	if err := t.writeControl(data); err != nil {
		return fmt.Errorf("failed to set target power: %w", err)
	}
	return nil
}

// Release sends FTMS Reset so the trainer returns to its own control.
// Called on clean shutdown only; a dead link has nothing to reset.
func (t *TrainerLink) Release() error {
	if !t.device.IsConnected() {
		return nil
	}
	t.logger.Println("TrainerLink: Releasing trainer control (Reset)")
	if err := t.writeControl([]byte{FTMSOpCodeReset}); err != nil {
		return fmt.Errorf("failed to reset trainer: %w", err)
	}
	return nil
}

func (t *TrainerLink) writeControl(data []byte) error {
	return t.device.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, data)
}

func (t *TrainerLink) handleIndoorBikeData(buf []byte) {
	metrics, err := parseBikeMetrics(buf)
	if err != nil {
		t.logger.Printf("TrainerLink: Bad indoor bike data % X: %v", buf, err)
		return
	}
	t.metricsEvent.Notify(metrics)
}

// handleControlPointResponse processes FTMS Control Point indications so
// command confirmations (or rejections) show up in the log.
func (t *TrainerLink) handleControlPointResponse(buf []byte) {
	if len(buf) < 3 {
		t.logger.Printf("TrainerLink: Control point response too short: %v", buf)
		return
	}

	// Response format: [0x80, RequestOpCode, ResultCode]
	if buf[0] != FTMSOpCodeResponseCode {
		t.logger.Printf("TrainerLink: Unexpected control point op code: 0x%02X", buf[0])
		return
	}

	requestOpCode := buf[1]
	resultCode := buf[2]

	var opCodeName string
	switch requestOpCode {
	case FTMSOpCodeRequestControl:
		opCodeName = "Request Control"
	case FTMSOpCodeStartOrResume:
		opCodeName = "Start/Resume"
	case FTMSOpCodeSetTargetPower:
		opCodeName = "Set Target Power"
	case FTMSOpCodeSetTargetResistance:
		opCodeName = "Set Target Resistance"
	case FTMSOpCodeReset:
		opCodeName = "Reset"
	default:
		opCodeName = fmt.Sprintf("OpCode 0x%02X", requestOpCode)
	}

	var resultName string
	switch resultCode {
	case FTMSResultSuccess:
		resultName = "Success"
	case FTMSResultOpCodeNotSupported:
		resultName = "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		resultName = "Invalid Parameter"
	case FTMSResultOperationFailed:
		resultName = "Operation Failed"
	case FTMSResultControlNotPermitted:
		resultName = "Control Not Permitted"
	default:
		resultName = fmt.Sprintf("Result 0x%02X", resultCode)
	}

	t.logger.Printf("TrainerLink: Control point: %s -> %s", opCodeName, resultName)
}
