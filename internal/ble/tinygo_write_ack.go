//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse blocks until the device acknowledges the write.
func writeWithResponse(c bluetooth.DeviceCharacteristic, buf []byte) error {
	_, err := c.Write(buf)
	return err
}
