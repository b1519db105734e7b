package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/virtual-shift/internal/events"
	"github.com/lowaak/virtual-shift/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// ErrDeviceNotFound is returned when a bounded scan ends without a name match.
var ErrDeviceNotFound = errors.New("device not found")

// ConnectionChange is emitted whenever a tracked device connects or disconnects
type ConnectionChange struct {
	Address   string
	Connected bool
}

// BTManagerInterface defines the interface for Bluetooth manager implementations
type BTManagerInterface interface {
	Enable() error
	DiscoverByName(ctx context.Context, nameSubstring string, timeout time.Duration, excludeAddresses []string) (BTDevice, error)
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	ListenToConnectionChanges(ch chan<- ConnectionChange) func()
	Shutdown()
}

// Verify BTManager implements BTManagerInterface
var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress map[string]*btDeviceImpl
	mu               sync.RWMutex
	scanMu           sync.Mutex // only one adapter scan at a time
	connectionEvent  *events.ChannelEvent[ConnectionChange]
	ctx              context.Context
	cancel           context.CancelFunc
	logger           *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*btDeviceImpl),
		connectionEvent:  events.NewChannelEvent[ConnectionChange](false),
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) *btDeviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()

	addressStr := address.String()
	result, ok := m.devicesByAddress[addressStr]
	if !ok {
		result = newBtDeviceImpl(m.logger, address)
		m.devicesByAddress[addressStr] = result
	}
	return result
}

func (m *BTManager) Enable() error {
	// Track connections and disconnections so link loss surfaces as an event
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()

		d := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
			d.setConnectedDevice(&device)
			d.setState(Connected)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
			d.setState(Disconnected)
		}

		m.connectionEvent.Notify(ConnectionChange{Address: addressStr, Connected: connected})
	})

	return m.adapter.Enable()
}

// DiscoverByName runs a bounded active scan and resolves the first advertised
// device whose local name contains nameSubstring (case-insensitive).
// Addresses in excludeAddresses are skipped, which lets the caller resolve two
// controllers advertising the same name. Returns ErrDeviceNotFound when the
// timeout or ctx expires without a match. No retry here - that is the caller's
// policy.
func (m *BTManager) DiscoverByName(ctx context.Context, nameSubstring string, timeout time.Duration, excludeAddresses []string) (BTDevice, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	if nameSubstring == "" {
		return nil, errors.New("nameSubstring cannot be empty")
	}

	excluded := make(map[string]struct{}, len(excludeAddresses))
	for _, addr := range excludeAddresses {
		excluded[addr] = struct{}{}
	}

	m.logger.Printf("BTManager: Scanning for %q (timeout %v)", nameSubstring, timeout)

	wanted := strings.ToLower(nameSubstring)
	resultChan := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	scanCtx, cancelScan := context.WithTimeout(ctx, timeout)
	defer cancelScan()

	go_func_utils.SafeGo(m.logger, func() {
		scanDone <- m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}

			name := device.LocalName()
			if name == "" || !strings.Contains(strings.ToLower(name), wanted) {
				return
			}
			if _, skip := excluded[device.Address.String()]; skip {
				return
			}

			select {
			case resultChan <- device:
			default:
				// already matched
			}
		})
	})

	var match *bluetooth.ScanResult
	select {
	case res := <-resultChan:
		match = &res
	case <-scanCtx.Done():
	}

	if err := m.adapter.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
	// Wait for the scan goroutine so the adapter is free for the next scan
	select {
	case err := <-scanDone:
		if err != nil && match == nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
	case <-time.After(2 * time.Second):
		m.logger.Printf("BTManager: Scan goroutine did not exit promptly")
	}

	if match == nil {
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no device matching %q within %v", ErrDeviceNotFound, nameSubstring, timeout)
	}

	m.logger.Printf("BTManager: Found %s (%s) [RSSI: %d]", match.LocalName(), match.Address.String(), match.RSSI)

	d := m.getBTDeviceImpl(match.Address)
	d.setScanResult(match)
	return d, nil
}

// Connect connects to a device resolved by DiscoverByName
// Note: The actual connection success/failure is reported via SetConnectHandler
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to connect to device: %s", addressStr)

	m.mu.RLock()
	btDeviceImpl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || btDeviceImpl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}

	params := bluetooth.ConnectionParams{}
	if _, err := m.adapter.Connect(btDeviceImpl.getAddress(), params); err != nil {
		m.logger.Printf("BTManager: Connection error: %v", err)
		return err
	}

	btDeviceImpl.setState(Connecting)
	m.logger.Printf("BTManager: Connection initiated to device: %s", addressStr)
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to disconnect from device: %s", addressStr)

	m.mu.RLock()
	btDeviceImpl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || btDeviceImpl == nil {
		return fmt.Errorf("unknown device %s", addressStr)
	}
	innerDevice := btDeviceImpl.getConnectedDevice()
	if innerDevice == nil {
		m.logger.Printf("BTManager: Device %s already disconnected", addressStr)
		return nil
	}
	return innerDevice.Disconnect()
}

// ListenToConnectionChanges registers a channel to receive connect/disconnect events
// Returns a deregistration function that can be called to remove the listener
func (m *BTManager) ListenToConnectionChanges(ch chan<- ConnectionChange) func() {
	return m.connectionEvent.Listen(ch)
}

// Shutdown disconnects everything and releases the adapter
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")

	m.mu.RLock()
	connected := make([]*btDeviceImpl, 0)
	for _, dev := range m.devicesByAddress {
		if dev.IsConnected() {
			connected = append(connected, dev)
		}
	}
	m.mu.RUnlock()

	for _, dev := range connected {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", dev.GetAddressString(), err)
		} else {
			m.logger.Printf("BTManager: Disconnected from %v", dev.GetAddressString())
		}
	}

	m.cancel()
	m.logger.Println("BTManager: Shutdown complete")
}
