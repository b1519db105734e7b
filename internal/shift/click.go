package shift

import (
	"errors"
	"fmt"
	"log"
)

// Button press payloads arrive on the Click's async characteristic as a tiny
// protobuf message: field 1 is the plus (shift-up) button, field 2 the minus
// (shift-down) button, each a varint where 0 means pressed and 1 released.
// There is no published schema, so we walk the wire format directly.
const (
	buttonStatePressed  uint64 = 0
	buttonStateReleased uint64 = 1

	fieldPlusButton  uint64 = 1
	fieldMinusButton uint64 = 2

	wireTypeVarint = 0
)

var errMalformedPayload = errors.New("malformed button payload")

// buttonStates holds the decoded varint value per field number
type buttonStates map[uint64]uint64

// decodeButtonPayload walks a protobuf-encoded notification and returns the
// varint fields it contains. Unknown field numbers are kept (and ignored by
// the caller); any non-varint wire type or truncated varint fails the whole
// payload.
func decodeButtonPayload(buf []byte) (buttonStates, error) {
	states := make(buttonStates)
	i := 0
	for i < len(buf) {
		key, n, err := readVarint(buf[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad field key at offset %d", errMalformedPayload, i)
		}
		i += n

		fieldNum := key >> 3
		wireType := key & 0x07
		if wireType != wireTypeVarint {
			return nil, fmt.Errorf("%w: unexpected wire type %d for field %d", errMalformedPayload, wireType, fieldNum)
		}

		value, n, err := readVarint(buf[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: truncated value for field %d", errMalformedPayload, fieldNum)
		}
		i += n

		states[fieldNum] = value
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errMalformedPayload)
	}
	return states, nil
}

func readVarint(buf []byte) (uint64, int, error) {
	var value uint64
	for i := 0; i < len(buf); i++ {
		if i == 10 {
			return 0, 0, errors.New("varint too long")
		}
		b := buf[i]
		value |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, errors.New("varint truncated")
}

// clickDecoder turns raw Click notifications into ShiftEvents. It tracks the
// last seen state of each button so a shift fires exactly once per
// press-and-release cycle, on the release edge. Held buttons do not repeat.
//
// One decoder per controller; notifications for a single device are delivered
// sequentially, so no locking is needed here.
type clickDecoder struct {
	source DeviceRole
	logger *log.Logger

	plusState  uint64
	minusState uint64
}

func newClickDecoder(source DeviceRole, logger *log.Logger) *clickDecoder {
	if logger == nil {
		panic("clickDecoder: logger cannot be nil")
	}
	return &clickDecoder{
		source: source,
		logger: logger,
		// Buttons start released - a device that boots mid-press will fire
		// on its next full press/release cycle
		plusState:  buttonStateReleased,
		minusState: buttonStateReleased,
	}
}

// Decode processes one notification payload and returns the shift events it
// produced (zero, one, or in the degenerate simultaneous-release case, two).
// Malformed payloads are logged and discarded without touching button state.
func (d *clickDecoder) Decode(buf []byte, now timestampFunc) []ShiftEvent {
	states, err := decodeButtonPayload(buf)
	if err != nil {
		d.logger.Printf("ClickDecoder[%s]: Discarding payload % X: %v", d.source, buf, err)
		return nil
	}

	var out []ShiftEvent

	if v, ok := states[fieldPlusButton]; ok {
		if d.plusState == buttonStatePressed && v == buttonStateReleased {
			out = append(out, ShiftEvent{Source: d.source, Direction: ShiftUp, Timestamp: now()})
		}
		d.plusState = v
	}
	if v, ok := states[fieldMinusButton]; ok {
		if d.minusState == buttonStatePressed && v == buttonStateReleased {
			out = append(out, ShiftEvent{Source: d.source, Direction: ShiftDown, Timestamp: now()})
		}
		d.minusState = v
	}

	return out
}
