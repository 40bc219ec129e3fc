//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse falls back to a command write where the stack has no
// acknowledged write. BlueZ returns once the write has been handed to the
// controller, which is the closest thing to an acknowledgment available.
func writeWithResponse(c bluetooth.DeviceCharacteristic, buf []byte) error {
	_, err := c.WriteWithoutResponse(buf)
	return err
}
