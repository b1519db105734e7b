package shift

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/virtual-shift/internal/bt"
	"github.com/lowaak/virtual-shift/internal/events"
)

// mockBTManager implements bt.BTManagerInterface over a fixed set of
// mockBTDevices. Discovery matches by name substring like the real manager;
// connect failures can be queued per address to exercise retry paths.
type mockBTManager struct {
	devices []*mockBTDevice

	mu           sync.Mutex
	connectCalls map[string]int
	connectErrs  map[string][]error

	connEvent *events.ChannelEvent[bt.ConnectionChange]
}

var _ bt.BTManagerInterface = (*mockBTManager)(nil)

func newMockBTManager(devices ...*mockBTDevice) *mockBTManager {
	return &mockBTManager{
		devices:      devices,
		connectCalls: make(map[string]int),
		connectErrs:  make(map[string][]error),
		connEvent:    events.NewChannelEvent[bt.ConnectionChange](false),
	}
}

func (m *mockBTManager) Enable() error { return nil }

func (m *mockBTManager) DiscoverByName(ctx context.Context, nameSubstring string, timeout time.Duration, excludeAddresses []string) (bt.BTDevice, error) {
	excluded := make(map[string]struct{}, len(excludeAddresses))
	for _, addr := range excludeAddresses {
		excluded[addr] = struct{}{}
	}

	wanted := strings.ToLower(nameSubstring)
	for _, d := range m.devices {
		if !strings.Contains(strings.ToLower(d.localName), wanted) {
			continue
		}
		if _, skip := excluded[d.address]; skip {
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: no device matching %q within %v", bt.ErrDeviceNotFound, nameSubstring, timeout)
}

func (m *mockBTManager) Connect(device bt.BTDevice) error {
	addr := device.GetAddressString()

	m.mu.Lock()
	m.connectCalls[addr]++
	var err error
	if queue := m.connectErrs[addr]; len(queue) > 0 {
		err = queue[0]
		m.connectErrs[addr] = queue[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	for _, d := range m.devices {
		if d.address == addr {
			d.setConnected(true)
		}
	}
	return nil
}

func (m *mockBTManager) Disconnect(device bt.BTDevice) error {
	for _, d := range m.devices {
		if d.address == device.GetAddressString() {
			d.setConnected(false)
		}
	}
	return nil
}

func (m *mockBTManager) ListenToConnectionChanges(ch chan<- bt.ConnectionChange) func() {
	return m.connEvent.Listen(ch)
}

func (m *mockBTManager) Shutdown() {}

// queueConnectErr makes the next Connect calls for an address fail in order
func (m *mockBTManager) queueConnectErr(address string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs[address] = append(m.connectErrs[address], errs...)
}

func (m *mockBTManager) connects(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls[address]
}

// dropLink simulates a link loss: the device goes down and the manager
// reports the disconnect to its listeners, like SetConnectHandler would
func (m *mockBTManager) dropLink(d *mockBTDevice) {
	d.setConnected(false)
	m.connEvent.Notify(bt.ConnectionChange{Address: d.address, Connected: false})
}
