package ble

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the link.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering-services"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// linked reports whether a physical link exists or is being established.
func (s State) linked() bool {
	return s == StateConnecting || s == StateDiscoveringServices || s == StateReady
}

var (
	// ErrScanTimeout means a scan window closed with no candidates.
	ErrScanTimeout = errors.New("ble: scan window elapsed with no candidates")
	// ErrConnectTimeout means the link did not become ready in time.
	ErrConnectTimeout = errors.New("ble: connect timed out")
	// ErrConnectFailed means the hardware reported a failed connection.
	ErrConnectFailed = errors.New("ble: connect failed")
	// ErrUnsolicitedDisconnect means the peripheral dropped the link.
	ErrUnsolicitedDisconnect = errors.New("ble: unsolicited disconnect")
)

// DisconnectReason records why a session reached StateDisconnected.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonRequested
	ReasonTimeout
	ReasonFailed
	ReasonRemote
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRequested:
		return "requested"
	case ReasonTimeout:
		return "timeout"
	case ReasonFailed:
		return "failed"
	case ReasonRemote:
		return "remote"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Err returns the sentinel error for r, or nil for a requested disconnect.
func (r DisconnectReason) Err() error {
	switch r {
	case ReasonTimeout:
		return ErrConnectTimeout
	case ReasonFailed:
		return ErrConnectFailed
	case ReasonRemote:
		return ErrUnsolicitedDisconnect
	default:
		return nil
	}
}
