// Package ble drives the BLE link to a ventilator: discovery and ranking of
// nearby devices, the connection state machine, and the acknowledgment-gated
// write queue. All state is owned by one Scheduler goroutine; hardware
// callbacks are posted onto it by the Transport handler.
package ble

// Ventilator GATT UUIDs.
const (
	ServiceUUID   = "c1eea6f7-0dda-4c51-84ef-a846c6c93367"
	WriteCharUUID = "c2eea6f7-0dda-4c51-84ef-a846c6c93367"
	ReadCharUUID  = "c3eea6f7-0dda-4c51-84ef-a846c6c93367"
)

// Device represents a discovered BLE peripheral.
type Device struct {
	ID   string // MAC address on Linux/Windows, CoreBluetooth UUID on macOS
	Name string
	RSSI int
}

// Characteristic describes a characteristic found during service discovery.
type Characteristic struct {
	UUID   string
	Notify bool // supports notify or indicate
}

// Handler receives hardware callbacks from a Transport. Transports may call
// it from any goroutine.
type Handler interface {
	Advertisement(d Device)
	Connected(id string)
	ConnectFailed(id string, err error)
	Disconnected(id string, err error)
	CharacteristicsDiscovered(chars []Characteristic)
	// ServicesInvalidated reports that the peripheral changed its service set.
	ServicesInvalidated()
	// WriteAcked completes the write issued with a response under tag.
	WriteAcked(tag uint64, err error)
	ValueUpdated(charUUID string, data []byte)
}

// Transport abstracts the BLE hardware adapter for testing. Every method
// returns as soon as the request is issued; completion is reported through
// the Handler.
type Transport interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// SetHandler registers the callback sink. It must be called before Enable.
	SetHandler(h Handler)
	// Scan reports advertisements until StopScan. An empty serviceUUID
	// reports every advertisement.
	Scan(serviceUUID string) error
	StopScan() error
	// Connect starts a connection attempt to the device with the given ID.
	Connect(id string) error
	// CancelConnection tears down an established or pending link. The
	// Handler always receives Disconnected for it.
	CancelConnection(id string) error
	// DiscoverServices discovers the characteristics of the connected
	// device. An empty serviceUUID discovers every service.
	DiscoverServices(serviceUUID string) error
	// Write sends data to a characteristic. A write with response is
	// acknowledged through Handler.WriteAcked with the same tag. Acks for
	// a link that has since gone down are not reported.
	Write(charUUID string, data []byte, withResponse bool, tag uint64) error
	// Subscribe enables notifications on a characteristic.
	Subscribe(charUUID string) error
}
