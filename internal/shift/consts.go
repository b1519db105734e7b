package shift

import "time"

// Bluetooth Service and Characteristic UUIDs for the bridge
const (
	// Fitness Machine Service (FTMS) - trainer control
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData   = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature      = "00002acc-0000-1000-8000-00805f9b34fb"

	// Zwift custom service - Click button notifications
	ServiceUUIDZwiftClick   = "00000001-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDZwiftClickAsync = "00000002-19ca-4651-86e5-fa29dcdd09d1"
)

// FTMS Control Point Op Codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	FTMSOpCodeRequestControl      byte = 0x00
	FTMSOpCodeReset               byte = 0x01
	FTMSOpCodeSetTargetResistance byte = 0x04
	FTMSOpCodeSetTargetPower      byte = 0x05
	FTMSOpCodeStartOrResume       byte = 0x07
	FTMSOpCodeStopOrPause         byte = 0x08
	FTMSOpCodeResponseCode        byte = 0x80
)

// FTMS Control Point Result Codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Power limits for ERG mode targets
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
)

// DeviceRole identifies the logical role of a resolved peripheral
type DeviceRole string

const (
	RoleTrainer         DeviceRole = "trainer"
	RoleLeftController  DeviceRole = "left_controller"
	RoleRightController DeviceRole = "right_controller"
)

// ShiftDirection is a discrete up/down shift intent
type ShiftDirection int

const (
	ShiftUp ShiftDirection = iota
	ShiftDown
)

func (d ShiftDirection) String() string {
	if d == ShiftUp {
		return "up"
	}
	return "down"
}

// ShiftEvent is an immutable record of one qualifying button notification.
// Created by a controller link, consumed exactly once by the bridge loop.
type ShiftEvent struct {
	Source    DeviceRole
	Direction ShiftDirection
	Timestamp time.Time
}
