package shift

import (
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/virtual-shift/internal/bt"
)

// mockBTDevice implements bt.BTDevice for testing without real hardware.
// Writes are recorded per characteristic; notification callbacks can be
// triggered from the test to simulate device traffic.
type mockBTDevice struct {
	address      string
	localName    string
	connected    bool
	serviceUUIDs []string

	mu            sync.Mutex
	writes        []mockWrite
	callbacks     map[string]func([]byte)
	enables       []string
	readResponses map[string][]byte
	writeErr      error
}

type mockWrite struct {
	ServiceUUID string
	CharUUID    string
	Data        []byte
}

var _ bt.BTDevice = (*mockBTDevice)(nil)

func newMockBTDevice(address, localName string, serviceUUIDs ...string) *mockBTDevice {
	return &mockBTDevice{
		address:       address,
		localName:     localName,
		connected:     true,
		serviceUUIDs:  serviceUUIDs,
		callbacks:     make(map[string]func([]byte)),
		readResponses: make(map[string][]byte),
	}
}

func (m *mockBTDevice) GetAddressString() string { return m.address }
func (m *mockBTDevice) GetLocalName() string     { return m.localName }

func (m *mockBTDevice) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBTDevice) GetState() bt.BTDeviceState {
	if m.IsConnected() {
		return bt.Connected
	}
	return bt.Disconnected
}

func (m *mockBTDevice) GetStateDescription() string {
	if m.IsConnected() {
		return "Connected"
	}
	return "Disconnected"
}

func (m *mockBTDevice) WaitForConnection(timeout time.Duration) error {
	if m.IsConnected() {
		return nil
	}
	return fmt.Errorf("timeout after %v waiting for connection", timeout)
}

func (m *mockBTDevice) EnableNotifications(serviceUuid, charUuid string, callback func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[charUuid] = callback
	m.enables = append(m.enables, charUuid)
	return nil
}

func (m *mockBTDevice) DisableNotifications(serviceUuid, charUuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, charUuid)
	return nil
}

func (m *mockBTDevice) ReadCharacteristic(serviceUuid, charUuid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.readResponses[charUuid]; ok {
		return buf, nil
	}
	return nil, fmt.Errorf("characteristic %v not found", charUuid)
}

func (m *mockBTDevice) WriteCharacteristic(serviceUuid, charUuid string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, mockWrite{ServiceUUID: serviceUuid, CharUUID: charUuid, Data: cp})
	return nil
}

func (m *mockBTDevice) HasServiceUUID(uuid string) bool {
	for _, u := range m.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (m *mockBTDevice) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *mockBTDevice) getWrites() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// enableCount reports how often notifications were enabled on a characteristic
func (m *mockBTDevice) enableCount(charUuid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.enables {
		if c == charUuid {
			n++
		}
	}
	return n
}

// notify simulates a device notification on a subscribed characteristic
func (m *mockBTDevice) notify(charUuid string, buf []byte) bool {
	m.mu.Lock()
	callback, ok := m.callbacks[charUuid]
	m.mu.Unlock()
	if !ok || callback == nil {
		return false
	}
	callback(buf)
	return true
}
