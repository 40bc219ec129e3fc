package ventilator

import (
	"fmt"

	"github.com/chaz8081/ventpal/internal/ble"
	"github.com/chaz8081/ventpal/internal/ble/protocol"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventConnecting EventKind = iota + 1
	EventConnected
	EventDisconnected
	EventDevicesDiscovered
	EventSettingsReceived
	EventFaultDetected
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventDevicesDiscovered:
		return "devices-discovered"
	case EventSettingsReceived:
		return "settings-received"
	case EventFaultDetected:
		return "fault-detected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered on Controller.Events in the order the event loop
// produced it. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Session string // ULID of the connection session, if any
	Device  ble.Device

	Devices  []ble.Device      // EventDevicesDiscovered, strongest first
	Settings protocol.Settings // EventSettingsReceived
	Reason   ble.DisconnectReason
}

// Err returns the error for a Disconnected event, or nil when the
// disconnect was requested.
func (e Event) Err() error {
	return e.Reason.Err()
}
