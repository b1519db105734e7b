package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/virtual-shift/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

// Define the constants related to the type
const (
	Disconnected BTDeviceState = iota // 0
	Connecting                        // 1
	Connected                         // 2
)

// BTDevice is the opaque handle the bridge gets for a resolved peripheral.
// Everything the shift package does with a controller or trainer goes
// through this interface, which keeps the core testable without a radio.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	IsConnected() bool
	GetState() BTDeviceState
	GetStateDescription() string
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	HasServiceUUID(uuid string) bool
}

type btDeviceImpl struct {
	address         bluetooth.Address
	localName       string
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil when not connected
	mu              sync.RWMutex
	bleMu           sync.Mutex // Serializes GATT operations (notifications, reads, writes)
	logger          *log.Logger
	state           BTDeviceState

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
	serviceUuidStrs        []string
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address) *btDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) getAddress() bluetooth.Address {
	return b.address
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		scanResultLocalName := b.scanResult.LocalName()
		if scanResultLocalName != "" {
			return scanResultLocalName
		}
	}
	return b.localName
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
	b.serviceUuidStrs = b.serviceUuidStrs[:0]
	for _, uuid := range scanResult.ServiceUUIDs() {
		b.serviceUuidStrs = append(b.serviceUuidStrs, uuid.String())
	}
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetStateDescription() string {
	switch b.GetState() {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		// This shouldn't happen...
		return "Unknown"
	}
}

func (b *btDeviceImpl) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutChan := time.After(timeout)

	for {
		select {
		case <-ticker.C:
			if b.IsConnected() {
				return nil
			}
		case <-timeoutChan:
			return fmt.Errorf("timeout after %v waiting for connection", timeout)
		}
	}
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedDevice = device
	if device == nil {
		// Cached service handles are stale after a link loss
		b.serviceByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceService]()
		b.characteristicByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic]()
		b.serviceCharsDiscovered = safe_map.NewSafeMap[string, bool]()
		b.allServicesDiscovered = false
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	b.logger.Printf("BTDevice: EnableNotifications called for service=%s char=%s", serviceUuidStr, characteristicUuidStr)

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	// Pass nil callback to disable notifications
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string) ([]byte, error) {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) WriteCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if _, err := characteristic.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

// resolveCharacteristic parses the UUID strings and returns the cached
// characteristic handle, discovering services on first use.
// Caller must hold bleMu.
func (b *btDeviceImpl) resolveCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	if b.getConnectedDevice() == nil {
		return nil, errors.New("no connected device")
	}

	serviceUuidStr := serviceUuid.String()

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if ok {
		return service, nil
	}

	// Discover ALL services in one pass - discovering singular services
	// multiple times interrupts operation of an earlier used service
	if !b.allServicesDiscovered {
		connectedDevice := b.getConnectedDevice()

		b.logger.Printf("BTDevice: Discovering all services for %s", b.GetAddressString())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	service, ok = b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := fmt.Sprintf("%s_%s", serviceUuidStr, charUuidStr)

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		// Discover ALL characteristics for this service (nil = all)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}

		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			charKey := fmt.Sprintf("%s_%s", serviceUuidStr, char.UUID().String())
			b.characteristicByUuid.Store(charKey, char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok = b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
