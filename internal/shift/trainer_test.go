package shift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrainer(t *testing.T) (*TrainerLink, *mockBTDevice) {
	t.Helper()
	device := newMockBTDevice("AA:BB:CC:DD:EE:FF", "KICKR CORE 1234", ServiceUUIDFTMS)
	device.readResponses[CharUUIDFTMSFeature] = []byte{0x87, 0x44, 0x00, 0x00, 0x0C, 0xE0, 0x00, 0x00}
	return NewTrainerLink(device, testLogger()), device
}

func TestTrainerLink_AttachHandshake(t *testing.T) {
	trainer, device := newTestTrainer(t)
	require.NoError(t, trainer.Attach())

	writes := device.getWrites()
	require.Len(t, writes, 2)

	// Request Control then Start/Resume, both on the control point
	assert.Equal(t, CharUUIDFTMSControlPoint, writes[0].CharUUID)
	assert.Equal(t, []byte{FTMSOpCodeRequestControl}, writes[0].Data)
	assert.Equal(t, CharUUIDFTMSControlPoint, writes[1].CharUUID)
	assert.Equal(t, []byte{FTMSOpCodeStartOrResume}, writes[1].Data)
}

func TestTrainerLink_SetTargetResistanceEncoding(t *testing.T) {
	trainer, device := newTestTrainer(t)

	// 57.5% -> 575 in 0.1 units -> 0x023F little-endian
	require.NoError(t, trainer.SetTargetResistance(575))

	writes := device.getWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{FTMSOpCodeSetTargetResistance, 0x3F, 0x02}, writes[0].Data)
}

func TestTrainerLink_SetTargetPowerEncoding(t *testing.T) {
	trainer, device := newTestTrainer(t)

	require.NoError(t, trainer.SetTargetPower(250))

	writes := device.getWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{FTMSOpCodeSetTargetPower, 0xFA, 0x00}, writes[0].Data)
}

func TestTrainerLink_SetTargetPowerClamps(t *testing.T) {
	trainer, device := newTestTrainer(t)

	require.NoError(t, trainer.SetTargetPower(5))
	require.NoError(t, trainer.SetTargetPower(5000))

	writes := device.getWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{FTMSOpCodeSetTargetPower, 0x19, 0x00}, writes[0].Data) // 25 W
	assert.Equal(t, []byte{FTMSOpCodeSetTargetPower, 0xD0, 0x07}, writes[1].Data) // 2000 W
}

func TestTrainerLink_Release(t *testing.T) {
	trainer, device := newTestTrainer(t)

	require.NoError(t, trainer.Release())
	writes := device.getWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{FTMSOpCodeReset}, writes[0].Data)

	// A dead link has nothing to reset
	device.setConnected(false)
	require.NoError(t, trainer.Release())
	assert.Len(t, device.getWrites(), 1)
}

func TestTrainerLink_MetricsRelay(t *testing.T) {
	trainer, device := newTestTrainer(t)
	require.NoError(t, trainer.Attach())

	metricsChan := make(chan BikeMetrics, 4)
	deregister := trainer.ListenToMetrics(metricsChan)
	defer deregister()

	// Flags 0x0044: cadence + power present, speed present (More Data = 0)
	// speed 25.00 km/h, cadence 90 rpm, power 200 W
	payload := []byte{0x44, 0x00, 0xC4, 0x09, 0xB4, 0x00, 0xC8, 0x00}
	require.True(t, device.notify(CharUUIDIndoorBikeData, payload))

	select {
	case m := <-metricsChan:
		assert.True(t, m.HasSpeed)
		assert.InDelta(t, 25.0, m.SpeedKmh, 0.001)
		assert.True(t, m.HasCadence)
		assert.InDelta(t, 90.0, m.CadenceRPM, 0.001)
		assert.True(t, m.HasPower)
		assert.Equal(t, int16(200), m.PowerWatts)
	default:
		t.Fatal("expected a metrics sample")
	}
}

func TestParseBikeMetrics(t *testing.T) {
	// Speed only (flags 0x0000)
	m, err := parseBikeMetrics([]byte{0x00, 0x00, 0xE8, 0x03})
	require.NoError(t, err)
	assert.True(t, m.HasSpeed)
	assert.InDelta(t, 10.0, m.SpeedKmh, 0.001)
	assert.False(t, m.HasCadence)
	assert.False(t, m.HasPower)

	// More Data set: no speed, power only (flags 0x0041)
	m, err = parseBikeMetrics([]byte{0x41, 0x00, 0x96, 0x00})
	require.NoError(t, err)
	assert.False(t, m.HasSpeed)
	assert.True(t, m.HasPower)
	assert.Equal(t, int16(150), m.PowerWatts)

	// Resistance level present and skipped before power (flags 0x0061)
	m, err = parseBikeMetrics([]byte{0x61, 0x00, 0x20, 0x00, 0x64, 0x00})
	require.NoError(t, err)
	assert.True(t, m.HasPower)
	assert.Equal(t, int16(100), m.PowerWatts)
}

func TestParseBikeMetrics_Truncated(t *testing.T) {
	_, err := parseBikeMetrics([]byte{0x00})
	assert.Error(t, err)

	// Flags promise speed but the field is missing
	_, err = parseBikeMetrics([]byte{0x00, 0x00, 0xE8})
	assert.Error(t, err)
}
