package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

var errNotConnected = errors.New("ble: not connected")

// TinygoTransport implements Transport on tinygo.org/x/bluetooth.
// On macOS, device IDs are CoreBluetooth UUIDs rather than MAC addresses.
//
// tinygo/bluetooth is blocking, so every request that can take time runs on
// its own goroutine and reports back through the Handler.
type TinygoTransport struct {
	adapter *bluetooth.Adapter
	notify  map[string]bool // characteristics known to notify

	mu        sync.Mutex
	handler   Handler
	scanGen   uint64
	scanDone  chan struct{}
	dialing   string
	cancelled bool
	device    *bluetooth.Device
	deviceID  string
	reported  bool
	chars     map[string]bluetooth.DeviceCharacteristic
}

// NewTinygoTransport creates a transport on the default adapter.
// tinygo/bluetooth does not expose characteristic properties on every
// platform, so the characteristics that notify are named up front.
func NewTinygoTransport(notifyUUIDs ...string) *TinygoTransport {
	notify := make(map[string]bool, len(notifyUUIDs))
	for _, u := range notifyUUIDs {
		notify[strings.ToLower(u)] = true
	}
	return &TinygoTransport{
		adapter: bluetooth.DefaultAdapter,
		notify:  notify,
		handler: nopHandler{},
	}
}

func (t *TinygoTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *TinygoTransport) h() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *TinygoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral
	// drops the link.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.reportDisconnect(device.Address.String(), nil)
	})
	return nil
}

func (t *TinygoTransport) Scan(serviceUUID string) error {
	var filter bluetooth.UUID
	hasFilter := serviceUUID != ""
	if hasFilter {
		u, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = u
	}

	t.mu.Lock()
	t.scanGen++
	gen := t.scanGen
	prev := t.scanDone
	done := make(chan struct{})
	t.scanDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		err := t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !t.currentScan(gen) {
				// StopScan raced the start of this scan.
				a.StopScan()
				return
			}
			if hasFilter && !r.HasServiceUUID(filter) {
				return
			}
			t.h().Advertisement(Device{
				ID:   r.Address.String(),
				Name: r.LocalName(),
				RSSI: int(r.RSSI),
			})
		})
		if err != nil {
			slog.Warn("[BLE] scan ended", "error", err)
		}
	}()
	return nil
}

func (t *TinygoTransport) currentScan(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanGen == gen
}

func (t *TinygoTransport) StopScan() error {
	t.mu.Lock()
	t.scanGen++
	t.mu.Unlock()
	return t.adapter.StopScan()
}

func (t *TinygoTransport) Connect(id string) error {
	var addr bluetooth.Address
	addr.Set(id)

	t.mu.Lock()
	t.dialing = id
	t.cancelled = false
	t.mu.Unlock()

	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		cancelled := t.dialing == id && t.cancelled
		if t.dialing == id {
			t.dialing = ""
		}
		if err == nil && !cancelled {
			t.device = &dev
			t.deviceID = id
			t.reported = false
			t.chars = make(map[string]bluetooth.DeviceCharacteristic)
		}
		t.mu.Unlock()

		switch {
		case cancelled:
			if err == nil {
				_ = dev.Disconnect()
			}
			t.h().Disconnected(id, nil)
		case err != nil:
			t.h().ConnectFailed(id, fmt.Errorf("ble: connect to %s: %w", id, err))
		default:
			t.h().Connected(id)
		}
	}()
	return nil
}

func (t *TinygoTransport) CancelConnection(id string) error {
	t.mu.Lock()
	if t.dialing == id {
		// The connect goroutine reports the disconnect when it returns.
		t.cancelled = true
		t.mu.Unlock()
		return nil
	}
	dev := t.device
	current := t.deviceID == id
	t.mu.Unlock()

	if dev == nil || !current {
		t.h().Disconnected(id, nil)
		return nil
	}
	if err := dev.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect failed", "id", id, "error", err)
	}
	t.reportDisconnect(id, nil)
	return nil
}

// reportDisconnect reports the loss of the current link once, whether it
// was noticed by the adapter's connect handler or by CancelConnection.
func (t *TinygoTransport) reportDisconnect(id string, err error) {
	t.mu.Lock()
	if t.deviceID != id || t.reported {
		t.mu.Unlock()
		return
	}
	t.reported = true
	t.device = nil
	t.chars = nil
	t.mu.Unlock()

	t.h().Disconnected(id, err)
}

func (t *TinygoTransport) DiscoverServices(serviceUUID string) error {
	t.mu.Lock()
	dev := t.device
	t.mu.Unlock()
	if dev == nil {
		return errNotConnected
	}

	var filter []bluetooth.UUID
	if serviceUUID != "" {
		u, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = []bluetooth.UUID{u}
	}

	go func() {
		svcs, err := dev.DiscoverServices(filter)
		if err != nil {
			slog.Warn("[BLE] discover services failed", "error", err)
			return
		}

		found := make(map[string]bluetooth.DeviceCharacteristic)
		var chars []Characteristic
		for _, svc := range svcs {
			cs, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics failed", "service", svc.UUID().String(), "error", err)
				continue
			}
			for _, c := range cs {
				uuid := strings.ToLower(c.UUID().String())
				found[uuid] = c
				chars = append(chars, Characteristic{UUID: uuid, Notify: t.notify[uuid]})
			}
		}

		t.mu.Lock()
		stale := t.device != dev
		if !stale {
			maps.Copy(t.chars, found)
		}
		t.mu.Unlock()
		if stale {
			return
		}
		t.h().CharacteristicsDiscovered(chars)
	}()
	return nil
}

// characteristic returns the named characteristic and the link it belongs to.
func (t *TinygoTransport) characteristic(uuid string) (bluetooth.DeviceCharacteristic, *bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return bluetooth.DeviceCharacteristic{}, nil, errNotConnected
	}
	c, ok := t.chars[strings.ToLower(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, nil, fmt.Errorf("ble: characteristic %s not found", uuid)
	}
	return c, t.device, nil
}

func (t *TinygoTransport) current(dev *bluetooth.Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device == dev
}

func (t *TinygoTransport) Write(charUUID string, data []byte, withResponse bool, tag uint64) error {
	c, dev, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	buf := bytes.Clone(data)

	if !withResponse {
		_, err := c.WriteWithoutResponse(buf)
		return err
	}
	go func() {
		err := writeWithResponse(c, buf)
		if !t.current(dev) {
			slog.Debug("[BLE] dropping write ack for a closed link", "tag", tag)
			return
		}
		t.h().WriteAcked(tag, err)
	}()
	return nil
}

// Subscribe enables notifications in the background; enabling them is a
// blocking GATT round trip.
func (t *TinygoTransport) Subscribe(charUUID string) error {
	c, dev, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	uuid := strings.ToLower(charUUID)
	go func() {
		err := c.EnableNotifications(func(buf []byte) {
			if t.current(dev) {
				t.h().ValueUpdated(uuid, bytes.Clone(buf))
			}
		})
		if err != nil {
			slog.Warn("[BLE] enable notifications failed", "uuid", uuid, "error", err)
		}
	}()
	return nil
}

var _ Transport = (*TinygoTransport)(nil)

type nopHandler struct{}

func (nopHandler) Advertisement(Device)                       {}
func (nopHandler) Connected(string)                           {}
func (nopHandler) ConnectFailed(string, error)                {}
func (nopHandler) Disconnected(string, error)                 {}
func (nopHandler) CharacteristicsDiscovered([]Characteristic) {}
func (nopHandler) ServicesInvalidated()                       {}
func (nopHandler) WriteAcked(uint64, error)                   {}
func (nopHandler) ValueUpdated(string, []byte)                {}
